// Package serverstate tracks process-wide lifecycle state: whether the server
// accepts new exchanges and how many are still in flight.
package serverstate

import (
	"sync/atomic"
)

const (
	StateNotReady = "not_ready"
	StateReady    = "ready"
	StateDraining = "draining"
)

var state atomic.Value
var draining atomic.Bool

func init() {
	state.Store(StateNotReady)
}

// SetState sets the server state string.
func SetState(s string) {
	state.Store(s)
}

// GetState returns the current server state.
func GetState() string {
	if v, ok := state.Load().(string); ok {
		return v
	}
	return "unknown"
}

// StartDrain marks the server as draining. New exchanges are refused from
// now on.
func StartDrain() {
	draining.Store(true)
	SetState(StateDraining)
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return draining.Load()
}

// Reset clears draining and returns to the ready state.
func Reset() {
	draining.Store(false)
	SetState(StateReady)
}
