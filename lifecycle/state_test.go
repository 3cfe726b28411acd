// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateInterrupted, "interrupted"},
		{StateReconnectPending, "reconnect-pending"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestStateTransitions(t *testing.T) {
	sm := newStateManager()
	assert.Equal(t, StateDisconnected, sm.get())

	assert.True(t, sm.transition(StateDisconnected, StateConnecting))
	assert.False(t, sm.transition(StateDisconnected, StateConnected))
	assert.Equal(t, StateConnecting, sm.get())

	sm.set(StateConnected)
	assert.True(t, sm.isConnected())

	assert.True(t, sm.transitionFrom(StateInterrupted, StateConnected, StateConnecting))
	assert.Equal(t, StateInterrupted, sm.get())
	assert.False(t, sm.transitionFrom(StateInterrupted, StateConnected, StateConnecting))
	assert.False(t, sm.isConnected())
}
