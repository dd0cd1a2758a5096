package omx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReadOptions modify a Read call.
type ReadOptions struct {
	// Seek, when set, flushes both ports and restarts decoding at the
	// requested position.
	Seek *Seek
}

// seekState tracks one seek from request until the first buffer at or past
// the target is delivered. It survives output reconfiguration.
type seekState struct {
	// requested is set until the seek was handed to the source.
	requested bool
	req       Seek
	// skipping drops filled buffers stamped before target.
	skipping bool
	target   time.Duration
}

// Codec drives one codec node through its lifecycle and moves buffers
// between the source, the node and the client.
type Codec struct {
	component Component
	quirks    Quirks
	encoder   bool
	host      NodeHost
	node      Node
	source    Source
	window    NativeWindow
	cfg       Config
	log       *zap.Logger
	session   string

	opMu   sync.Mutex // serializes Start, Stop, Pause, Close
	readMu sync.Mutex // one reader at a time

	mu      sync.Mutex
	changed chan struct{}
	state   State
	ports   [2]*port

	inputFormat  Format
	outputFormat Format

	csd      [][]byte
	csdIndex int

	initialSubmitted bool
	signalledEOS     bool
	noMoreOutput     bool
	formatChanged    bool
	pendingReconfig  bool
	paused           bool
	seek             seekState
	leftover         *SourceBuffer
	lastInputTime    time.Duration

	filled        []*bufferInfo
	flushPending  [2]bool
	idleRequested bool
	finalErr      error
	sourceErr     error // reported in place of end of stream
	violations    int

	runCtx        context.Context
	cancelRun     context.CancelFunc
	sourceStarted bool

	mbox   *mailbox
	done   chan struct{}
	closed bool
}

func newCodec(host NodeHost, comp Component, source Source, cfg Config) *Codec {
	cfg.setDefaults()
	session := uuid.NewString()
	c := &Codec{
		component: comp,
		quirks:    comp.Quirks,
		encoder:   comp.Encoder,
		host:      host,
		source:    source,
		window:    cfg.Window,
		cfg:       cfg,
		session:   session,
		changed:   make(chan struct{}),
		state:     StateLoaded,
		ports:     [2]*port{newPort(PortInput), newPort(PortOutput)},
		mbox:      newMailbox(),
		done:      make(chan struct{}),
		runCtx:    context.Background(),
		cancelRun: func() {},
	}
	c.log = cfg.Logger.With(
		zap.String("component", comp.Name),
		zap.String("session", session),
	)
	if source != nil {
		c.inputFormat = source.Format()
	}
	go c.dispatchLoop()
	return c
}

// Name returns the component name backing this codec.
func (c *Codec) Name() string { return c.component.Name }

// Quirks returns the quirk set resolved at creation.
func (c *Codec) Quirks() Quirks { return c.quirks }

// Session returns the unique id used to tag this codec's logs.
func (c *Codec) Session() string { return c.session }

// State returns the current lifecycle state.
func (c *Codec) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Format returns the current output format.
func (c *Codec) Format() Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputFormat
}

// notify wakes every goroutine blocked in waitFor. Callers hold c.mu.
func (c *Codec) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Codec) setState(to State) {
	if c.state == to {
		return
	}
	if !canTransition(c.state, to) {
		c.log.Error("illegal state transition",
			zap.Stringer("from", c.state), zap.Stringer("to", to))
	}
	c.log.Debug("state", zap.Stringer("from", c.state), zap.Stringer("to", to))
	c.state = to
	c.notify()
}

// fail moves the codec to Error. Ports shut down in place: buffers coming
// back from the node are freed instead of resubmitted.
func (c *Codec) fail(op string, err error) {
	if c.state == StateError {
		c.log.Debug("ignoring failure in error state", zap.String("op", op), zap.Error(err))
		return
	}
	c.log.Error("codec failure", zap.String("op", op), zap.Stringer("state", c.state), zap.Error(err))
	c.finalErr = &CodecError{Op: op, State: c.state, Err: err}
	c.setState(StateError)
	for _, p := range c.ports {
		p.state = PortShuttingDown
	}
}

// ownershipViolation records a transfer from the wrong owner. It is a node
// or engine bug, so the session cannot continue.
func (c *Codec) ownershipViolation(op string, err error) {
	c.violations++
	c.fail(op, err)
}

func (c *Codec) terminalErr() error {
	if c.finalErr != nil {
		return c.finalErr
	}
	return ErrUnknown
}

// Read returns the next filled output buffer. It returns ErrFormatChanged
// once after a notable output format change, ErrEndOfStream after the last
// buffer, or the error that moved the codec to Error.
func (c *Codec) Read(ctx context.Context, opts *ReadOptions) (*Buffer, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateError {
		return nil, c.terminalErr()
	}
	if !c.state.running() {
		return nil, &CodecError{Op: "read", State: c.state, Err: ErrInvalidState}
	}

	var seek *Seek
	if opts != nil && opts.Seek != nil {
		seek = opts.Seek
	}

	if !c.initialSubmitted {
		if seek != nil {
			c.requestSeek(*seek)
		}
		c.initialSubmitted = true
		c.drainInputBuffers()
		if c.state == StateExecuting {
			c.fillOutputBuffers()
		}
	} else if seek != nil {
		if err := c.seekLocked(ctx, *seek); err != nil {
			return nil, err
		}
	}

	var timeout time.Duration
	if !c.encoder {
		timeout = c.cfg.OutputTimeout
	}
	var buf *Buffer
	var result error
	err := c.waitFor(ctx, timeout, func() bool {
		switch {
		case c.state == StateError:
			result = c.terminalErr()
		case c.formatChanged && (len(c.filled) > 0 || c.noMoreOutput):
			c.formatChanged = false
			result = ErrFormatChanged
		case len(c.filled) > 0:
			buf, result = c.deliver()
		case c.noMoreOutput:
			result = ErrEndOfStream
			if c.sourceErr != nil {
				result = c.sourceErr
			}
		case !c.state.running():
			result = &CodecError{Op: "read", State: c.state, Err: ErrInvalidState}
		default:
			return false
		}
		return true
	})
	if errors.Is(err, errWaitTimeout) {
		c.log.Warn("timed out waiting for output buffer",
			zap.Duration("timeout", timeout),
			zap.Int("node_owned", c.ports[PortOutput].count(OwnedByNode)))
		return nil, fmt.Errorf("%w: %w", ErrUnknown, ErrOutputStall)
	}
	if err != nil {
		return nil, err
	}
	return buf, result
}

// deliver hands the oldest filled buffer to the client.
func (c *Codec) deliver() (*Buffer, error) {
	info := c.filled[0]
	c.filled = c.filled[1:]
	info.queued = false
	if err := c.ports[PortOutput].transfer(info, OwnedByUs, OwnedByClient); err != nil {
		c.ownershipViolation("deliver", err)
		return nil, c.terminalErr()
	}
	info.gen++
	b := &Buffer{
		codec:      c,
		info:       info,
		gen:        info.gen,
		ts:         info.ts,
		flags:      info.flags,
		unreadable: c.quirks.Has(OutputBuffersAreUnreadable),
		graphic:    info.graphic,
	}
	if info.data != nil {
		b.data = info.data[info.offset : info.offset+info.length]
	}
	return b, nil
}

// SignalBufferReturned gives a buffer obtained from Read back to the codec
// without rendering it.
func (c *Codec) SignalBufferReturned(b *Buffer) error {
	return c.ReturnBuffer(b, false)
}

// ReturnBuffer gives a buffer obtained from Read back to the codec. With a
// native window, rendered buffers are queued for display and the rest are
// cancelled back to the window. Returning a buffer detached by Stop is a
// no-op.
func (c *Codec) ReturnBuffer(b *Buffer, render bool) error {
	if b == nil || b.codec != c {
		return fmt.Errorf("%w: foreign buffer", ErrInvalidState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.ports[PortOutput]
	info := b.info
	if out.find(info.id) != info {
		return nil
	}
	if b.gen != info.gen || info.owner != OwnedByClient {
		return fmt.Errorf("%w: buffer %d returned twice", ErrInvalidState, info.id)
	}
	if err := out.transfer(info, OwnedByClient, OwnedByUs); err != nil {
		c.ownershipViolation("return buffer", err)
		return err
	}
	defer c.notify()

	if info.graphic != nil && c.window != nil {
		return c.returnToWindow(info, render)
	}
	c.replayReconfig()
	if out.find(info.id) == info {
		c.recycleOutput(info)
	}
	return nil
}

// recycleOutput decides what happens to an output buffer that just came
// back to us from the client.
func (c *Codec) recycleOutput(info *bufferInfo) {
	out := c.ports[PortOutput]
	switch {
	case c.state == StateError || out.state == PortDisabling:
		c.freeBuffer(out, info)
	case c.state.running() && out.state == PortEnabled:
		c.fillOutputBuffer(info)
	}
}

// Close stops the codec if needed, frees the node and ends the dispatcher.
func (c *Codec) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.cancelRun()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	var err error
	if c.state != StateLoaded {
		ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.CommandTimeout)
		err = c.stopLocked(ctx)
		cancel()
	}
	c.closed = true
	node := c.node
	c.mu.Unlock()

	if node != nil {
		if ferr := node.Free(); ferr != nil && err == nil {
			err = ferr
		}
	}
	c.mbox.close()
	<-c.done
	return err
}
