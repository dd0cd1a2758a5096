package omx

import (
	"fmt"
	"time"
)

// PortIndex selects one of the two node ports.
type PortIndex uint32

const (
	PortInput  PortIndex = 0
	PortOutput PortIndex = 1

	// PortAll addresses both ports in a flush command.
	PortAll PortIndex = 0xFFFFFFFF
)

func (p PortIndex) String() string {
	switch p {
	case PortInput:
		return "input"
	case PortOutput:
		return "output"
	case PortAll:
		return "all"
	default:
		return fmt.Sprintf("port(%d)", uint32(p))
	}
}

// Command is a node command. Commands complete asynchronously with an
// EventCmdComplete message.
type Command int32

const (
	CommandStateSet Command = iota
	CommandFlush
	CommandPortDisable
	CommandPortEnable
)

func (c Command) String() string {
	switch c {
	case CommandStateSet:
		return "StateSet"
	case CommandFlush:
		return "Flush"
	case CommandPortDisable:
		return "PortDisable"
	case CommandPortEnable:
		return "PortEnable"
	default:
		return fmt.Sprintf("Command(%d)", int32(c))
	}
}

// NodeState is the state reported by the node itself.
type NodeState int32

const (
	NodeStateInvalid NodeState = iota
	NodeStateLoaded
	NodeStateIdle
	NodeStateExecuting
	NodeStatePause
)

func (s NodeState) String() string {
	switch s {
	case NodeStateLoaded:
		return "Loaded"
	case NodeStateIdle:
		return "Idle"
	case NodeStateExecuting:
		return "Executing"
	case NodeStatePause:
		return "Pause"
	default:
		return "Invalid"
	}
}

// ErrorCode is carried by EventError messages.
type ErrorCode int32

const (
	ErrorUndefined ErrorCode = iota + 1
	ErrorSameState
	ErrorIncorrectStateTransition
	ErrorInvalidState
	ErrorHardware
	ErrorInsufficientResources
	ErrorStreamCorrupt
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorSameState:
		return "SameState"
	case ErrorIncorrectStateTransition:
		return "IncorrectStateTransition"
	case ErrorInvalidState:
		return "InvalidState"
	case ErrorHardware:
		return "Hardware"
	case ErrorInsufficientResources:
		return "InsufficientResources"
	case ErrorStreamCorrupt:
		return "StreamCorrupt"
	default:
		return "Undefined"
	}
}

// BufferID is the opaque handle the node issues for a registered buffer.
type BufferID uint32

// BufferFlags annotate a buffer exchanged with the node.
type BufferFlags uint32

const (
	FlagEOS BufferFlags = 1 << iota
	FlagEndOfFrame
	FlagSyncFrame
	FlagCodecConfig
)

// MessageType discriminates node messages.
type MessageType uint8

const (
	MessageEvent MessageType = iota
	MessageEmptyBufferDone
	MessageFillBufferDone
)

// EventType is the kind of a MessageEvent.
type EventType uint8

const (
	EventCmdComplete EventType = iota
	EventError
	EventPortSettingsChanged
	EventBufferFlag
)

func (e EventType) String() string {
	switch e {
	case EventCmdComplete:
		return "CmdComplete"
	case EventError:
		return "Error"
	case EventPortSettingsChanged:
		return "PortSettingsChanged"
	case EventBufferFlag:
		return "BufferFlag"
	default:
		return "Unknown"
	}
}

// Message is one asynchronous notification from a node.
type Message struct {
	Type MessageType

	// Event fields.
	Event   EventType
	Command Command   // EventCmdComplete
	Param   uint32    // state or port of a completed command, port of other events
	Code    ErrorCode // EventError

	// Buffer fields.
	Buffer    BufferID
	Offset    int
	Length    int
	Flags     BufferFlags
	Timestamp time.Duration

	// Data is the node's memory for a filled buffer whose allocation was
	// deferred. Nil otherwise.
	Data []byte
}

// NodeObserver receives node messages. OnMessage may be called from any
// goroutine and must not block.
type NodeObserver interface {
	OnMessage(msg Message)
}

// GraphicBuffer is an externally allocated output buffer owned by a
// NativeWindow.
type GraphicBuffer struct {
	Slot   int
	Width  int
	Height int
	Format ColorFormat
	Usage  uint32
	Data   []byte
}

// Node is the proxy to one codec component instance. Every call is fire and
// forget; outcomes arrive through the NodeObserver given at allocation.
type Node interface {
	Name() string
	Free() error

	SendCommand(cmd Command, param uint32) error
	GetState() (NodeState, error)
	GetParameter(p Param) error
	SetParameter(p Param) error

	UseBuffer(port PortIndex, data []byte) (BufferID, error)
	// AllocateBuffer returns node-owned memory. The slice is nil when the
	// node defers assignment until the first fill.
	AllocateBuffer(port PortIndex, size int) (BufferID, []byte, error)
	AllocateBufferWithBackup(port PortIndex, backup []byte) (BufferID, error)
	FreeBuffer(port PortIndex, id BufferID) error

	EmptyBuffer(id BufferID, offset, length int, flags BufferFlags, ts time.Duration) error
	FillBuffer(id BufferID) error

	EnableGraphicBuffers(port PortIndex, enable bool) error
	UseGraphicBuffer(port PortIndex, gb *GraphicBuffer) (BufferID, error)
	GetGraphicBufferUsage(port PortIndex) (uint32, error)
}

// ZeroCopyNode is implemented by nodes that can point an input buffer at
// caller memory for the next EmptyBuffer call.
type ZeroCopyNode interface {
	SetBufferData(id BufferID, data []byte) error
}

// NodeHost allocates nodes.
type NodeHost interface {
	Name() string
	AllocateNode(component string, obs NodeObserver) (Node, error)
	// LivesLocally reports whether node memory is directly addressable by
	// this process.
	LivesLocally() bool
}
