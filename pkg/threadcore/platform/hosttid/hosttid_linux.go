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

//go:build linux
// +build linux

// Package hosttid returns the caller's OS thread id: one function, Current,
// that callers may use to key a thread-local lookup without the language
// having real TLS.
package hosttid

import "golang.org/x/sys/unix"

// Current returns the Linux thread id (gettid(2)) of the calling OS
// thread.
//
// Precondition: the calling goroutine must already be locked to its OS
// thread with runtime.LockOSThread, or the result is meaningless the
// moment the goroutine is rescheduled.
func Current() int32 {
	return int32(unix.Gettid())
}
