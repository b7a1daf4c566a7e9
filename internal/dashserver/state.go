// SPDX-License-Identifier: MPL-2.0

package dashserver

import "fmt"

const (
	// StateCreated indicates the server was created but Start was not called.
	StateCreated State = iota
	// StateStarting indicates Start was called and the listener is being set up.
	StateStarting
	// StateRunning indicates the server is accepting sessions.
	StateRunning
	// StateStopping indicates graceful shutdown is in progress.
	StateStopping
	// StateStopped is terminal.
	StateStopped
	// StateFailed is terminal: the server failed to start or serve.
	StateFailed
)

// State is the lifecycle state of a Server.
type State int32

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}
