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

package platform

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/talismancer/threadcore/pkg/threadcore/platform/hosttid"
)

// Linux is the production Platform, built directly on golang.org/x/sys/unix.
type Linux struct{}

// NewLinux constructs the Linux platform adapter.
func NewLinux() *Linux {
	return &Linux{}
}

var pageSize = unix.Getpagesize()

// MapPage implements Platform.MapPage.
func (p *Linux) MapPage(size int) ([]byte, error) {
	if size <= 0 {
		size = pageSize
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap: %w", err)
	}
	return b, nil
}

// UnmapPage implements Platform.UnmapPage.
func (p *Linux) UnmapPage(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("platform: munmap: %w", err)
	}
	return nil
}

// ProtectPage implements Platform.ProtectPage.
func (p *Linux) ProtectPage(b []byte, mode Access) error {
	var prot int
	switch mode {
	case AccessNone:
		prot = unix.PROT_NONE
	case AccessRead:
		prot = unix.PROT_READ
	case AccessReadWrite:
		prot = unix.PROT_READ | unix.PROT_WRITE
	default:
		return fmt.Errorf("platform: unknown access mode %v", mode)
	}
	if err := unix.Mprotect(b, prot); err != nil {
		return fmt.Errorf("platform: mprotect(%v): %w", mode, err)
	}
	return nil
}

// SpawnThread implements Platform.SpawnThread.
//
// fn runs on a goroutine locked to a fresh OS thread via
// runtime.LockOSThread; the caller is handed the child's Linux TID once it
// has published it, mirroring a child-publishes-its-own-tid handshake.
func (p *Linux) SpawnThread(fn func()) (OSThreadID, error) {
	ready := make(chan OSThreadID, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		ready <- OSThreadID(hosttid.Current())
		fn()
	}()
	select {
	case tid := <-ready:
		return tid, nil
	case <-time.After(5 * time.Second):
		return 0, ErrSpawnFailed
	}
}

// BlockDeferrableSignals implements Platform.BlockDeferrableSignals.
func (p *Linux) BlockDeferrableSignals() (SignalSet, error) {
	var oldMask unix.Sigset_t
	newMask := deferrableSigset()
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &newMask, &oldMask); err != nil {
		return 0, fmt.Errorf("platform: pthread_sigmask(block): %w", err)
	}
	return sigsetToSet(oldMask), nil
}

// UnblockGCSignals implements Platform.UnblockGCSignals.
func (p *Linux) UnblockGCSignals(prev SignalSet) error {
	mask := setToSigset(prev)
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &mask, nil); err != nil {
		return fmt.Errorf("platform: pthread_sigmask(restore): %w", err)
	}
	return nil
}

// DeferrablesBlockedP implements Platform.DeferrablesBlockedP.
func (p *Linux) DeferrablesBlockedP() bool {
	var cur unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, nil, &cur); err != nil {
		return false
	}
	deferrable := deferrableSigset()
	for i := range cur.Val {
		if cur.Val[i]&deferrable.Val[i] != deferrable.Val[i] {
			return false
		}
	}
	return true
}

// KillSafely implements Platform.KillSafely.
func (p *Linux) KillSafely(id OSThreadID, sig Signal) error {
	err := unix.Tgkill(unix.Getpid(), int(id), unix.Signal(sig))
	if err == unix.ESRCH {
		return ErrNoSuchThread
	}
	if err != nil {
		return fmt.Errorf("platform: tgkill: %w", err)
	}
	return nil
}

// MonotonicNow implements Platform.MonotonicNow.
func (p *Linux) MonotonicNow() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Duration(0)
	}
	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
}

// RealtimeNow implements Platform.RealtimeNow.
func (p *Linux) RealtimeNow() time.Time {
	return time.Now()
}

// Capabilities implements Platform.Capabilities.
func (p *Linux) Capabilities() Capability {
	return SafepointPages
}

// deferrableSigset returns the signal set the core considers deferrable:
// SIGUSR1/SIGUSR2-style interrupt-delivery signals. SIGSTOP-for-GC is
// deliberately excluded; it is masked or handled by the SignalVariant
// coordinator instead.
func deferrableSigset() unix.Sigset_t {
	var set unix.Sigset_t
	addSignal(&set, unix.SIGUSR1)
	addSignal(&set, unix.SIGUSR2)
	return set
}

func addSignal(set *unix.Sigset_t, sig unix.Signal) {
	word := (sig - 1) / 64
	bit := (sig - 1) % 64
	if int(word) < len(set.Val) {
		set.Val[word] |= 1 << uint(bit)
	}
}

func sigsetToSet(s unix.Sigset_t) SignalSet {
	var out SignalSet
	for sig := unix.Signal(1); sig < 64; sig++ {
		word := (sig - 1) / 64
		bit := (sig - 1) % 64
		if int(word) < len(s.Val) && s.Val[word]&(1<<uint(bit)) != 0 {
			out = out.Add(Signal(sig))
		}
	}
	return out
}

func setToSigset(s SignalSet) unix.Sigset_t {
	var set unix.Sigset_t
	for sig := Signal(1); sig < 64; sig++ {
		if s.Has(sig) {
			addSignal(&set, unix.Signal(sig))
		}
	}
	return set
}
