package omx

import (
	"errors"
	"fmt"
)

// Status errors returned by Codec operations.
var (
	// ErrUnknown is the catch-all failure reported to callers when the
	// engine cannot make progress (command timeout, node fault, stall).
	ErrUnknown = errors.New("omx: unknown error")

	// ErrFormatChanged is returned by Read once after the output port was
	// reconfigured with a notably different format. Callers re-query Format.
	ErrFormatChanged = errors.New("omx: output format changed")

	// ErrEndOfStream is returned by Read once the node emitted its last
	// output buffer, and by sources when they run dry.
	ErrEndOfStream = errors.New("omx: end of stream")

	// ErrInvalidState is returned when an operation is not legal in the
	// current codec state.
	ErrInvalidState = errors.New("omx: invalid state")

	// ErrBufferTooSmall means a source unit does not fit an input buffer.
	ErrBufferTooSmall = errors.New("omx: buffer too small")

	// ErrCorruptUnit is returned by sources for a unit that could not be
	// parsed. It is transient: the engine re-issues the read.
	ErrCorruptUnit = errors.New("omx: corrupt unit")

	// ErrOutputStall means no output buffer arrived within the output timeout.
	ErrOutputStall = errors.New("omx: output stalled")

	ErrComponentNotFound = errors.New("omx: no matching component")
	ErrNodeUnavailable   = errors.New("omx: node host unavailable")
	ErrWindow            = errors.New("omx: native window failure")
	ErrDetached          = errors.New("omx: buffer detached")
	ErrNotSupported      = errors.New("omx: operation not supported")
	ErrOwnership         = errors.New("omx: buffer ownership violation")
)

// CodecError annotates a failure with the operation and the state the codec
// was in when it happened.
type CodecError struct {
	Op    string
	State State
	Err   error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("omx: %s (state %s): %v", e.Op, e.State, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// NodeError is a fault reported by the node through an error event.
type NodeError struct {
	Code ErrorCode
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("omx: node error %s", e.Code)
}

// Is reports node faults as ErrUnknown so callers can match a single
// sentinel for every fatal condition.
func (e *NodeError) Is(target error) bool {
	return target == ErrUnknown
}
