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

// Package config holds the process-wide tunables for the thread core. It
// is the only persisted state the core touches, and it is read-only once
// loaded.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config bundles the process-wide tunables.
type Config struct {
	// PostMortemQueueThreshold is the FIFO length at which the post-mortem
	// queue starts draining its head.
	PostMortemQueueThreshold int `toml:"post_mortem_queue_threshold"`

	// MaxResurrectableWaiters bounds the resurrection pool.
	MaxResurrectableWaiters int `toml:"max_resurrectable_waiters"`

	// ResurrectionAwakenerDeadline is the fixed timed-wait deadline for the
	// pool's responsible awakener.
	ResurrectionAwakenerDeadline time.Duration `toml:"-"`
	// ResurrectionAwakenerDeadlineMS mirrors ResurrectionAwakenerDeadline
	// for TOML decoding, since toml has no native duration type.
	ResurrectionAwakenerDeadlineMS int64 `toml:"resurrection_awakener_deadline_ms"`

	// TLSSlotCount is the fixed size of each thread's per-thread dynamic
	// value array.
	TLSSlotCount int `toml:"tls_slot_count"`

	// ForceSignalVariant skips the platform capability probe and always
	// selects the non-safepoint (signal) coordinator variant. Intended for
	// platforms or tests where page-fault-driven rendezvous is unavailable.
	ForceSignalVariant bool `toml:"force_signal_variant"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		PostMortemQueueThreshold: 32,
		MaxResurrectableWaiters: 16,
		ResurrectionAwakenerDeadline: 10 * time.Second,
		ResurrectionAwakenerDeadlineMS: 10000,
		TLSSlotCount: 128,
		ForceSignalVariant: false,
	}
}

// Load reads a TOML config file, starting from Default() and overwriting
// only the fields present in the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.ResurrectionAwakenerDeadlineMS > 0 {
		cfg.ResurrectionAwakenerDeadline = time.Duration(cfg.ResurrectionAwakenerDeadlineMS) * time.Millisecond
	}
	return cfg, nil
}
