package omx

import "fmt"

// State is the lifecycle state of a Codec.
type State int

const (
	StateLoaded State = iota
	StateLoadedToIdle
	StateIdleToExecuting
	StateExecuting
	StateReconfiguring
	StateExecutingToIdle
	StateIdleToLoaded
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "Loaded"
	case StateLoadedToIdle:
		return "LoadedToIdle"
	case StateIdleToExecuting:
		return "IdleToExecuting"
	case StateExecuting:
		return "Executing"
	case StateReconfiguring:
		return "Reconfiguring"
	case StateExecutingToIdle:
		return "ExecutingToIdle"
	case StateIdleToLoaded:
		return "IdleToLoaded"
	case StatePaused:
		return "Paused"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// intermediate reports whether s is waiting on a node state change.
func (s State) intermediate() bool {
	switch s {
	case StateLoadedToIdle, StateIdleToExecuting, StateExecutingToIdle, StateIdleToLoaded:
		return true
	}
	return false
}

// running reports whether buffers may be exchanged with the node.
func (s State) running() bool {
	return s == StateExecuting || s == StateReconfiguring
}

// Error is reachable from every state and handled separately.
var stateTransitions = map[State][]State{
	StateLoaded:          {StateLoadedToIdle},
	StateLoadedToIdle:    {StateIdleToExecuting},
	StateIdleToExecuting: {StateExecuting},
	StateExecuting:       {StateReconfiguring, StateExecutingToIdle, StatePaused},
	StateReconfiguring:   {StateExecuting, StateExecutingToIdle},
	StatePaused:          {StateExecuting, StateExecutingToIdle},
	StateExecutingToIdle: {StateIdleToLoaded},
	StateIdleToLoaded:    {StateLoaded},
	// Stop walks a faulted node back down.
	StateError: {StateExecutingToIdle, StateIdleToLoaded, StateLoaded},
}

func canTransition(from, to State) bool {
	if to == StateError {
		return true
	}
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PortState is the sub-state of one port.
type PortState int

const (
	PortEnabled PortState = iota
	PortDisabling
	PortDisabled
	PortEnabling
	PortShuttingDown
)

func (s PortState) String() string {
	switch s {
	case PortEnabled:
		return "Enabled"
	case PortDisabling:
		return "Disabling"
	case PortDisabled:
		return "Disabled"
	case PortEnabling:
		return "Enabling"
	case PortShuttingDown:
		return "ShuttingDown"
	default:
		return fmt.Sprintf("PortState(%d)", int(s))
	}
}

var portTransitions = map[PortState][]PortState{
	PortEnabled:      {PortDisabling, PortShuttingDown},
	PortDisabling:    {PortDisabled},
	PortDisabled:     {PortEnabling},
	PortEnabling:     {PortEnabled},
	PortShuttingDown: {PortEnabled},
}

func canTransitionPort(from, to PortState) bool {
	for _, s := range portTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
