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

package corelog

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withCapturedExit(t *testing.T) (code *int, buf *bytes.Buffer) {
	t.Helper()
	oldExit := exitFunc
	oldOut := Sink.Out
	code = new(int)
	buf = new(bytes.Buffer)
	exitFunc = func(c int) { *code = c }
	Sink.SetOutput(buf)
	t.Cleanup(func() {
		exitFunc = oldExit
		Sink.SetOutput(oldOut)
	})
	return code, buf
}

func TestFatalLogsAndExitsWithCode2(t *testing.T) {
	code, buf := withCapturedExit(t)

	Fatal("corelog-test", "unrecoverable condition", logrus.Fields{"detail": "x"})

	require.NotNil(t, code)
	assert.Equal(t, 2, *code)
	assert.Contains(t, buf.String(), "unrecoverable condition")
	assert.Contains(t, buf.String(), "corelog-test")
}

func TestFatalAcceptsNilFields(t *testing.T) {
	code, buf := withCapturedExit(t)

	Fatal("corelog-test", "nil fields ok", nil)

	assert.Equal(t, 2, *code)
	assert.Contains(t, buf.String(), "nil fields ok")
}

func TestDebugfAndWarnfDoNotExit(t *testing.T) {
	code, buf := withCapturedExit(t)

	Debugf("corelog-test", "debug %d", 1)
	Warnf("corelog-test", "warn %d", 2)

	assert.Equal(t, 0, *code)
	assert.Contains(t, buf.String(), "warn 2")
}
