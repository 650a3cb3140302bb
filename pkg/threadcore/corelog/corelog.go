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

// Package corelog is the structured logging sink for the thread core.
//
// It plays the role of SBCL's lose(): an unrecoverable condition logs a
// diagnostic line and aborts the process. Transient conditions log at
// Debug and return an ordinary error instead.
package corelog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Sink is the logger used by every component in the core. Tests may
// replace it with one that records entries instead of exiting.
var Sink = logrus.New()

func init() {
	Sink.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// exitFunc is overridden in tests so Fatal can be exercised without killing
// the test binary.
var exitFunc = os.Exit

// Fatal logs fields as an unrecoverable-condition diagnostic and aborts the
// process. It never returns. Use it only for the conditions enumerated in
// as "Unrecoverable": allocator failure, arch thread init failure,
// registry corruption, and impossible state transitions.
func Fatal(component, msg string, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = component
	Sink.WithFields(fields).Error(msg)
	exitFunc(2)
}

// Debugf logs a transient, expected condition. It never aborts.
func Debugf(component, format string, args ...interface{}) {
	Sink.WithField("component", component).Debugf(format, args...)
}

// Warnf logs a concurrency-bounded condition (e.g. a timed wait expiring)
// that is handled but worth surfacing.
func Warnf(component, format string, args ...interface{}) {
	Sink.WithField("component", component).Warnf(format, args...)
}
