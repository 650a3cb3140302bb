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

package demo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/threadcore/pkg/threadcore/config"
)

func TestRunMutatorsCompletesEveryRoundAcrossAllMutators(t *testing.T) {
	h, err := New(config.Default())
	require.NoError(t, err)

	const mutators, rounds = 4, 5
	require.NoError(t, h.RunMutators(mutators, rounds))

	assert.EqualValues(t, mutators*rounds, h.GCRounds(), "every mutator must drive its own rounds to completion")
	assert.EqualValues(t, mutators*rounds, h.ForeignCalls(), "every mutator must complete its own foreign calls")
}

func TestRunMutatorsWithSingleMutator(t *testing.T) {
	h, err := New(config.Default())
	require.NoError(t, err)

	require.NoError(t, h.RunMutators(1, 3))

	assert.EqualValues(t, 3, h.GCRounds())
	assert.EqualValues(t, 3, h.ForeignCalls())
}

func TestRunMutatorsWithZeroRoundsStillJoinsCleanly(t *testing.T) {
	h, err := New(config.Default())
	require.NoError(t, err)

	require.NoError(t, h.RunMutators(3, 0))

	assert.Zero(t, h.GCRounds())
	assert.Zero(t, h.ForeignCalls())
}
