// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "sync/atomic"

// State represents a manager's connection state.
type State uint32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateInterrupted
	StateReconnectPending
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInterrupted:
		return "interrupted"
	case StateReconnectPending:
		return "reconnect-pending"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions. Only the owning lifecycle
// manager mutates it; concurrent readers snapshot via get.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateDisconnected)}
}

// get returns the current state.
func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// set unconditionally sets the state.
func (sm *stateManager) set(s State) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to move from one expected state to another.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// transitionFrom attempts to transition from any of the expected states.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}

// isConnected returns true if the manager is connected.
func (sm *stateManager) isConnected() bool {
	return sm.get() == StateConnected
}
