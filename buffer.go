package omx

import (
	"fmt"
	"time"
)

// Owner tags who may touch a buffer. Exactly one owner holds a buffer at
// any instant.
type Owner uint8

const (
	OwnedByUs Owner = iota
	OwnedByNode
	OwnedByClient
	OwnedByBufferQueue
)

func (o Owner) String() string {
	switch o {
	case OwnedByUs:
		return "us"
	case OwnedByNode:
		return "node"
	case OwnedByClient:
		return "client"
	case OwnedByBufferQueue:
		return "buffer-queue"
	default:
		return fmt.Sprintf("Owner(%d)", uint8(o))
	}
}

// bufferInfo describes one buffer registered with the node.
type bufferInfo struct {
	id      BufferID
	owner   Owner
	size    int
	data    []byte         // nil until the first fill when allocation is deferred
	graphic *GraphicBuffer // output buffers backed by a native window

	// queued is set while a filled buffer waits in Codec.filled.
	queued bool
	// gen is bumped each time the buffer is handed to the client.
	gen uint64

	offset int
	length int
	flags  BufferFlags
	ts     time.Duration

	// src pins a source unit whose memory was handed to the node.
	src *SourceBuffer
}

// port is one node endpoint and the buffers registered on it.
type port struct {
	index   PortIndex
	state   PortState
	buffers []*bufferInfo
}

func newPort(index PortIndex) *port {
	return &port{index: index, state: PortEnabled}
}

func (p *port) setState(to PortState) error {
	if !canTransitionPort(p.state, to) {
		return fmt.Errorf("%w: %s port %s -> %s", ErrInvalidState, p.index, p.state, to)
	}
	p.state = to
	return nil
}

func (p *port) find(id BufferID) *bufferInfo {
	for _, b := range p.buffers {
		if b.id == id {
			return b
		}
	}
	return nil
}

// transfer moves b from one owner to another. It is the only place that
// writes bufferInfo.owner after registration.
func (p *port) transfer(b *bufferInfo, from, to Owner) error {
	if b.owner != from {
		return fmt.Errorf("%w: %s buffer %d owned by %s, want %s -> %s",
			ErrOwnership, p.index, b.id, b.owner, from, to)
	}
	b.owner = to
	return nil
}

func (p *port) count(o Owner) int {
	n := 0
	for _, b := range p.buffers {
		if b.owner == o {
			n++
		}
	}
	return n
}

// canAllocate reports whether registering new buffers is legal: the port
// must be empty and either not yet running or mid re-enable.
func (p *port) canAllocate(s State) bool {
	if len(p.buffers) != 0 {
		return false
	}
	switch p.state {
	case PortDisabled, PortEnabling:
		return true
	case PortEnabled:
		return s == StateLoaded || s == StateLoadedToIdle
	}
	return false
}

func (p *port) remove(b *bufferInfo) {
	for i, x := range p.buffers {
		if x == b {
			p.buffers = append(p.buffers[:i], p.buffers[i+1:]...)
			return
		}
	}
}

// Buffer is an output buffer handed to the client by Read. The client owns
// it until Release or Render is called, exactly once.
type Buffer struct {
	codec *Codec
	info  *bufferInfo
	gen   uint64

	data       []byte
	ts         time.Duration
	flags      BufferFlags
	unreadable bool
	graphic    *GraphicBuffer
}

// Bytes returns the filled range. It is nil for unreadable output.
func (b *Buffer) Bytes() []byte {
	if b.unreadable {
		return nil
	}
	return b.data
}

func (b *Buffer) Len() int                 { return len(b.data) }
func (b *Buffer) Timestamp() time.Duration { return b.ts }
func (b *Buffer) IsSync() bool             { return b.flags&FlagSyncFrame != 0 }
func (b *Buffer) IsCodecConfig() bool      { return b.flags&FlagCodecConfig != 0 }
func (b *Buffer) IsEndOfStream() bool      { return b.flags&FlagEOS != 0 }
func (b *Buffer) Unreadable() bool         { return b.unreadable }

// Graphic returns the native window buffer backing b, if any.
func (b *Buffer) Graphic() *GraphicBuffer { return b.graphic }

// Release returns the buffer without rendering it.
func (b *Buffer) Release() error { return b.codec.ReturnBuffer(b, false) }

// Render returns the buffer and, when output goes to a native window,
// queues it for display.
func (b *Buffer) Render() error { return b.codec.ReturnBuffer(b, true) }
