package omx

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Start allocates buffers on both ports and walks the node from Loaded to
// Executing. It blocks until the node is executing or fails. Calling Start
// on a paused codec resumes it.
func (c *Codec) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &CodecError{Op: "start", State: c.state, Err: ErrInvalidState}
	}
	switch {
	case c.state == StatePaused:
		return c.resumeLocked(ctx)
	case c.state == StateExecuting && c.paused:
		c.log.Debug("resuming input")
		c.paused = false
		if c.initialSubmitted {
			c.drainInputBuffers()
		}
		return nil
	case c.state != StateLoaded:
		return &CodecError{Op: "start", State: c.state, Err: ErrInvalidState}
	}

	c.resetSession()
	if c.source != nil && !c.sourceStarted {
		if err := c.source.Start(ctx, &SourceParams{}); err != nil {
			return &CodecError{Op: "start source", State: c.state, Err: err}
		}
		c.sourceStarted = true
	}
	c.runCtx, c.cancelRun = context.WithCancel(context.Background())

	if err := c.init(); err != nil {
		c.fail("start", err)
		return c.terminalErr()
	}
	if err := c.waitState(ctx, c.cfg.CommandTimeout, StateExecuting); err != nil {
		return c.waitErr("start", err)
	}
	if c.state == StateError {
		return c.terminalErr()
	}
	c.log.Info("codec started", zap.Stringer("format", c.outputFormat))
	return nil
}

func (c *Codec) resetSession() {
	if c.leftover != nil {
		c.leftover.Release()
		c.leftover = nil
	}
	c.csdIndex = 0
	c.initialSubmitted = false
	c.signalledEOS = false
	c.noMoreOutput = false
	c.formatChanged = false
	c.pendingReconfig = false
	c.paused = false
	c.seek = seekState{}
	c.lastInputTime = 0
	c.filled = nil
	c.flushPending = [2]bool{}
	c.idleRequested = false
	c.finalErr = nil
	c.sourceErr = nil
}

// init registers buffers and requests the idle state, in the order the
// component needs.
func (c *Codec) init() error {
	idleFirst := !c.quirks.Has(RequiresLoadedToIdleAfterAllocation)
	if idleFirst {
		if err := c.sendCommand(CommandStateSet, uint32(NodeStateIdle)); err != nil {
			return err
		}
		c.setState(StateLoadedToIdle)
	}
	if err := c.allocateBuffersOnPort(PortInput); err != nil {
		return err
	}
	if err := c.allocateBuffersOnPort(PortOutput); err != nil {
		return err
	}
	if !idleFirst {
		if err := c.sendCommand(CommandStateSet, uint32(NodeStateIdle)); err != nil {
			return err
		}
		c.setState(StateLoadedToIdle)
	}
	return nil
}

func (c *Codec) sendCommand(cmd Command, param uint32) error {
	if err := c.node.SendCommand(cmd, param); err != nil {
		return fmt.Errorf("send %s(%d): %w", cmd, param, err)
	}
	return nil
}

func (c *Codec) waitErr(op string, err error) error {
	if errors.Is(err, errWaitTimeout) {
		c.log.Warn("node did not complete transition", zap.String("op", op), zap.Stringer("state", c.state))
		return &CodecError{Op: op, State: c.state, Err: fmt.Errorf("%w: %w", ErrUnknown, context.DeadlineExceeded)}
	}
	return &CodecError{Op: op, State: c.state, Err: err}
}

// Pause stops feeding the node. Components that support a paused state are
// moved into it; for the rest Pause only stops submitting new input.
func (c *Codec) Pause() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateExecuting {
		return &CodecError{Op: "pause", State: c.state, Err: ErrInvalidState}
	}
	if !c.quirks.Has(SupportsPauseState) {
		c.paused = true
		return nil
	}
	if err := c.sendCommand(CommandStateSet, uint32(NodeStatePause)); err != nil {
		c.fail("pause", err)
		return c.terminalErr()
	}
	if err := c.waitState(context.Background(), c.cfg.CommandTimeout, StatePaused); err != nil {
		return c.waitErr("pause", err)
	}
	if c.state == StateError {
		return c.terminalErr()
	}
	return nil
}

func (c *Codec) resumeLocked(ctx context.Context) error {
	if err := c.sendCommand(CommandStateSet, uint32(NodeStateExecuting)); err != nil {
		c.fail("resume", err)
		return c.terminalErr()
	}
	if err := c.waitState(ctx, c.cfg.CommandTimeout, StateExecuting); err != nil {
		return c.waitErr("resume", err)
	}
	if c.state == StateError {
		return c.terminalErr()
	}
	return nil
}

// Stop walks the node back to Loaded and frees every buffer. From Error it
// inspects the node's own state and releases what it can; it never blocks
// longer than the configured command timeout per step. Buffers still held
// by the client are detached: returning them later is a no-op.
func (c *Codec) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	// A drain may be blocked in the source while holding c.mu.
	c.cancelRun()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Codec) stopLocked(ctx context.Context) error {
	c.cancelRun()
	if c.state == StateLoaded {
		return nil
	}
	c.log.Debug("stopping", zap.Stringer("state", c.state))

	var err error
	switch c.state {
	case StateLoadedToIdle, StateIdleToExecuting, StateReconfiguring:
		if werr := c.waitState(ctx, c.cfg.CommandTimeout, StateExecuting, StatePaused); werr != nil {
			c.fail("stop", c.waitErr("stop", werr))
		}
	case StateExecutingToIdle, StateIdleToLoaded:
		if werr := c.waitState(ctx, c.cfg.CommandTimeout, StateLoaded); werr != nil {
			c.fail("stop", c.waitErr("stop", werr))
		}
	}

	switch c.state {
	case StateExecuting, StatePaused:
		c.beginShutdown()
		if werr := c.waitState(ctx, c.cfg.CommandTimeout, StateLoaded); werr != nil {
			c.fail("stop", c.waitErr("stop", werr))
		}
	}
	if c.state == StateError {
		c.stopFromError(ctx)
	}

	if c.sourceStarted {
		if serr := c.source.Stop(); serr != nil {
			c.log.Warn("source stop failed", zap.Error(serr))
			err = serr
		}
		c.sourceStarted = false
	}
	c.log.Info("codec stopped", zap.Stringer("state", c.state))
	return err
}

// beginShutdown leaves Executing. Components that need it get both ports
// flushed before the idle command.
func (c *Codec) beginShutdown() {
	c.setState(StateExecutingToIdle)
	c.idleRequested = false
	c.paused = false
	c.flushPending = [2]bool{}

	if c.quirks.Has(RequiresFlushBeforeShutdown) {
		emulateIn := !c.flushPortAsync(PortInput)
		emulateOut := !c.flushPortAsync(PortOutput)
		if emulateIn {
			c.onFlushComplete(PortInput)
		}
		if emulateOut {
			c.onFlushComplete(PortOutput)
		}
		return
	}
	for _, p := range c.ports {
		p.state = PortShuttingDown
	}
	c.advanceShutdown()
}

// advanceShutdown sends the idle command once no flush is outstanding.
func (c *Codec) advanceShutdown() {
	if c.state != StateExecutingToIdle || c.idleRequested || c.flushPending[PortInput] || c.flushPending[PortOutput] {
		return
	}
	c.idleRequested = true
	if err := c.sendCommand(CommandStateSet, uint32(NodeStateIdle)); err != nil {
		c.fail("shutdown", err)
	}
}

// stopFromError trusts the node's reported state over ours and tries to
// bring it back to Loaded. Whatever cannot be reclaimed stays with the
// node and the codec remains in Error.
func (c *Codec) stopFromError(ctx context.Context) {
	ns, err := c.node.GetState()
	if err != nil {
		c.log.Warn("cannot query node state", zap.Error(err))
		ns = NodeStateInvalid
	}
	c.log.Info("stopping from error", zap.Stringer("node_state", ns))

	switch ns {
	case NodeStateExecuting, NodeStatePause:
		c.setState(StateExecutingToIdle)
		for _, p := range c.ports {
			p.state = PortShuttingDown
		}
		c.idleRequested = false
		c.flushPending = [2]bool{}
		c.advanceShutdown()
		if werr := c.waitState(ctx, c.cfg.CommandTimeout, StateLoaded); werr != nil {
			c.fail("stop", c.waitErr("stop", werr))
		}

	case NodeStateIdle:
		c.setState(StateIdleToLoaded)
		if err := c.sendCommand(CommandStateSet, uint32(NodeStateLoaded)); err != nil {
			c.fail("stop", err)
			break
		}
		c.freeBuffersOnPort(PortInput, true)
		c.freeBuffersOnPort(PortOutput, true)
		if werr := c.waitState(ctx, c.cfg.CommandTimeout, StateLoaded); werr != nil {
			c.fail("stop", c.waitErr("stop", werr))
		}

	case NodeStateLoaded:
		// a loaded node holds no buffers
		c.freeBuffersOnPort(PortInput, false)
		c.freeBuffersOnPort(PortOutput, false)
		for _, p := range c.ports {
			p.state = PortEnabled
		}
		c.setState(StateLoaded)
	}

	if c.state != StateLoaded {
		c.freeBuffersOnPort(PortInput, true)
		c.freeBuffersOnPort(PortOutput, true)
		if n := len(c.ports[PortInput].buffers) + len(c.ports[PortOutput].buffers); n > 0 {
			c.log.Warn("buffers left with faulted node", zap.Int("count", n))
		}
	}
}

// onStateChange handles completion of a StateSet command.
func (c *Codec) onStateChange(ns NodeState) {
	switch ns {
	case NodeStateIdle:
		switch c.state {
		case StateLoadedToIdle:
			if err := c.sendCommand(CommandStateSet, uint32(NodeStateExecuting)); err != nil {
				c.fail("idle to executing", err)
				return
			}
			c.setState(StateIdleToExecuting)

		case StateExecutingToIdle:
			if n := c.ports[PortInput].count(OwnedByNode) + c.ports[PortOutput].count(OwnedByNode); n != 0 {
				c.log.Warn("node reached idle holding buffers", zap.Int("count", n))
			}
			if err := c.sendCommand(CommandStateSet, uint32(NodeStateLoaded)); err != nil {
				c.fail("idle to loaded", err)
				return
			}
			c.freeBuffersOnPort(PortInput, false)
			c.freeBuffersOnPort(PortOutput, false)
			for _, p := range c.ports {
				p.state = PortEnabled
			}
			c.setState(StateIdleToLoaded)

		default:
			c.log.Warn("unexpected idle transition", zap.Stringer("state", c.state))
		}

	case NodeStateExecuting:
		switch c.state {
		case StateIdleToExecuting:
			c.setState(StateExecuting)
			c.replayReconfig()
		case StatePaused:
			c.setState(StateExecuting)
			if c.initialSubmitted {
				c.drainInputBuffers()
				c.fillOutputBuffers()
			}
			c.replayReconfig()
		default:
			c.log.Warn("unexpected executing transition", zap.Stringer("state", c.state))
		}

	case NodeStatePause:
		if c.state == StateExecuting {
			c.setState(StatePaused)
		}

	case NodeStateLoaded:
		if c.state == StateIdleToLoaded {
			for _, p := range c.ports {
				p.state = PortEnabled
			}
			c.setState(StateLoaded)
		} else {
			c.log.Warn("unexpected loaded transition", zap.Stringer("state", c.state))
		}

	default:
		c.fail("state change", &NodeError{Code: ErrorInvalidState})
	}
}

// allocateBuffersOnPort registers a full buffer set on an empty port.
func (c *Codec) allocateBuffersOnPort(idx PortIndex) error {
	p := c.ports[idx]
	if !p.canAllocate(c.state) {
		return fmt.Errorf("%w: allocate on %s port (%s, %d buffers) in %s",
			ErrInvalidState, idx, p.state, len(p.buffers), c.state)
	}
	if idx == PortOutput && c.window != nil {
		return c.allocateOutputBuffersFromWindow()
	}

	def := &PortDefinition{Port: idx}
	if err := c.node.GetParameter(def); err != nil {
		return fmt.Errorf("get %s port definition: %w", idx, err)
	}
	if def.CountActual <= 0 || def.Size <= 0 {
		return fmt.Errorf("%w: %s port wants %d buffers of %d bytes", ErrInvalidState, idx, def.CountActual, def.Size)
	}

	allocate := (idx == PortInput && c.quirks.Has(RequiresAllocateBufferOnInputPorts)) ||
		(idx == PortOutput && c.quirks.Has(RequiresAllocateBufferOnOutputPorts))
	nodeMemory := c.host.LivesLocally() ||
		(idx == PortOutput && c.quirks.Has(DoesNotRequireMemcpyOnOutputPort))

	for i := 0; i < def.CountActual; i++ {
		b := &bufferInfo{owner: OwnedByUs, size: def.Size}
		var err error
		switch {
		case !allocate:
			b.data = make([]byte, def.Size)
			b.id, err = c.node.UseBuffer(idx, b.data)
		case nodeMemory:
			b.id, b.data, err = c.node.AllocateBuffer(idx, def.Size)
		default:
			b.data = make([]byte, def.Size)
			b.id, err = c.node.AllocateBufferWithBackup(idx, b.data)
		}
		if err != nil {
			return fmt.Errorf("register %s buffer %d/%d: %w", idx, i+1, def.CountActual, err)
		}
		p.buffers = append(p.buffers, b)
	}
	c.log.Debug("allocated buffers",
		zap.Stringer("port", idx), zap.Int("count", def.CountActual), zap.Int("size", def.Size))
	return nil
}

// freeBuffersOnPort releases buffers back to the node. With onlyOwned set,
// buffers the node still holds are skipped; they are freed when they come
// back.
func (c *Codec) freeBuffersOnPort(idx PortIndex, onlyOwned bool) {
	p := c.ports[idx]
	for i := len(p.buffers) - 1; i >= 0; i-- {
		b := p.buffers[i]
		if b.owner == OwnedByNode {
			if onlyOwned {
				continue
			}
			c.log.Warn("freeing buffer still held by node", zap.Stringer("port", idx), zap.Uint32("id", uint32(b.id)))
		}
		c.freeBuffer(p, b)
	}
}

func (c *Codec) freeBuffer(p *port, b *bufferInfo) {
	if b.owner == OwnedByClient {
		c.log.Debug("detaching client buffer", zap.Uint32("id", uint32(b.id)))
	}
	if b.graphic != nil && c.window != nil && (b.owner == OwnedByUs || b.owner == OwnedByClient) {
		if err := c.window.CancelBuffer(b.graphic); err != nil {
			c.log.Warn("cancel buffer to window", zap.Int("slot", b.graphic.Slot), zap.Error(err))
		}
		_ = p.transfer(b, b.owner, OwnedByBufferQueue)
	}
	if b.queued {
		c.unqueue(b)
	}
	if b.src != nil {
		b.src.Release()
		b.src = nil
	}
	if err := c.node.FreeBuffer(p.index, b.id); err != nil {
		c.log.Warn("free buffer", zap.Stringer("port", p.index), zap.Uint32("id", uint32(b.id)), zap.Error(err))
	}
	p.remove(b)
	if len(p.buffers) == 0 {
		c.notify()
	}
}

func (c *Codec) unqueue(b *bufferInfo) {
	b.queued = false
	for i, x := range c.filled {
		if x == b {
			c.filled = append(c.filled[:i], c.filled[i+1:]...)
			return
		}
	}
}
