// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package platform

import "errors"

// ErrNoSuchThread is returned by KillSafely when the target OS thread has
// already exited. This is an expected transient condition: the caller
// treats it as a no-op and returns 0, not an abort.
var ErrNoSuchThread = errors.New("platform: no such thread")

// ErrSpawnFailed is returned by SpawnThread when the OS refuses to create
// a new thread (e.g. resource exhaustion). This is an expected transient
// condition: the caller frees the prepared thread record and returns 0.
var ErrSpawnFailed = errors.New("platform: thread spawn failed")
