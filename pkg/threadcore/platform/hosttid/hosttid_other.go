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

//go:build !linux
// +build !linux

package hosttid

import (
	"sync/atomic"
)

var synthetic int32

// Current returns a synthetic, monotonically increasing id on platforms
// that cannot report a real OS thread id. Without real thread-local
// storage there is no portable way to recognize "the same OS thread
// calling again", so this is a last resort for builds that only need a
// distinct value per call (e.g. populating OSThreadID at spawn time), not
// a stable per-thread identity; corert.Current's reverse lookup is not
// meaningful on a platform using this fallback.
func Current() int32 {
	return atomic.AddInt32(&synthetic, 1)
}
