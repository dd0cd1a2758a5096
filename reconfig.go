package omx

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

func (c *Codec) port(idx PortIndex) *port {
	if idx != PortInput && idx != PortOutput {
		c.log.Warn("event for unknown port", zap.Uint32("port", uint32(idx)))
		return nil
	}
	return c.ports[idx]
}

// onPortSettingsChanged starts an output reconfiguration, or records it
// for later when the codec cannot take it now.
func (c *Codec) onPortSettingsChanged(idx PortIndex) {
	if idx != PortOutput {
		c.log.Warn("ignoring settings change on input port")
		return
	}
	switch c.state {
	case StateExecutingToIdle, StateIdleToLoaded, StateLoaded, StateError:
		c.log.Debug("ignoring output settings change during teardown", zap.Stringer("state", c.state))
		return
	}
	out := c.ports[PortOutput]
	if c.state != StateExecuting || out.state != PortEnabled || c.outputBusy() {
		if !c.pendingReconfig {
			c.log.Info("deferring output reconfiguration",
				zap.Stringer("state", c.state),
				zap.Stringer("port_state", out.state),
				zap.Int("client_held", out.count(OwnedByClient)),
				zap.Int("queued", len(c.filled)))
		}
		c.pendingReconfig = true
		return
	}

	c.pendingReconfig = false
	c.log.Info("reconfiguring output port")
	c.setState(StateReconfiguring)
	if c.quirks.Has(NeedsFlushBeforeDisable) {
		if !c.flushPortAsync(PortOutput) {
			c.onFlushComplete(PortOutput)
		}
		return
	}
	c.disablePortAsync(PortOutput)
}

// outputBusy reports whether output buffers are with the client or waiting
// to be read. The port cannot be torn down under them.
func (c *Codec) outputBusy() bool {
	return len(c.filled) > 0 || c.ports[PortOutput].count(OwnedByClient) > 0
}

// replayReconfig runs a deferred reconfiguration once nothing blocks it.
func (c *Codec) replayReconfig() {
	if !c.pendingReconfig || c.state != StateExecuting {
		return
	}
	if c.ports[PortOutput].state != PortEnabled || c.outputBusy() {
		return
	}
	c.onPortSettingsChanged(PortOutput)
}

func (c *Codec) disablePortAsync(idx PortIndex) {
	p := c.ports[idx]
	if err := p.setState(PortDisabling); err != nil {
		c.fail("disable port", err)
		return
	}
	c.log.Debug("disabling port", zap.Stringer("port", idx))
	if err := c.sendCommand(CommandPortDisable, uint32(idx)); err != nil {
		c.fail("disable port", err)
		return
	}
	c.freeBuffersOnPort(idx, true)
}

func (c *Codec) onPortDisabled(idx PortIndex) {
	p := c.port(idx)
	if p == nil {
		return
	}
	if p.state != PortDisabling {
		c.log.Warn("port disabled while not disabling", zap.Stringer("port", idx), zap.Stringer("port_state", p.state))
		return
	}
	if n := len(p.buffers); n != 0 {
		c.fail("port disabled", fmt.Errorf("%w: %s port disabled with %d buffers registered", ErrInvalidState, idx, n))
		return
	}
	_ = p.setState(PortDisabled)
	if c.state != StateReconfiguring || idx != PortOutput {
		return
	}

	old := c.outputFormat
	if err := c.initOutputFormat(); err != nil {
		c.fail("reconfigure", err)
		return
	}
	if formatNotablyChanged(old, c.outputFormat) {
		c.log.Info("output format changed", zap.Stringer("from", old), zap.Stringer("to", c.outputFormat))
		c.formatChanged = true
	}
	c.enablePortAsync(idx)
}

// enablePortAsync registers the new buffer set and then asks the node to
// enable the port; the node completes the command once it is populated.
func (c *Codec) enablePortAsync(idx PortIndex) {
	p := c.ports[idx]
	if err := p.setState(PortEnabling); err != nil {
		c.fail("enable port", err)
		return
	}
	if err := c.allocateBuffersOnPort(idx); err != nil {
		c.fail("enable port", err)
		return
	}
	if err := c.sendCommand(CommandPortEnable, uint32(idx)); err != nil {
		c.fail("enable port", err)
	}
}

func (c *Codec) onPortEnabled(idx PortIndex) {
	p := c.port(idx)
	if p == nil {
		return
	}
	if p.state != PortEnabling {
		c.log.Warn("port enabled while not enabling", zap.Stringer("port", idx), zap.Stringer("port_state", p.state))
		return
	}
	_ = p.setState(PortEnabled)
	if c.state == StateReconfiguring && idx == PortOutput {
		c.log.Info("output port reconfigured", zap.Int("buffers", len(p.buffers)))
		c.setState(StateExecuting)
		c.fillOutputBuffers()
		c.replayReconfig()
	}
}

// flushPortAsync starts flushing a port. It returns false when the node
// will not report completion and the caller must emulate it.
func (c *Codec) flushPortAsync(idx PortIndex) bool {
	p := c.ports[idx]
	if err := p.setState(PortShuttingDown); err != nil {
		c.log.Warn("flushing port in unexpected state", zap.Error(err))
		p.state = PortShuttingDown
	}
	if c.quirks.Has(RequiresFlushCompleteEmulation) && p.count(OwnedByNode) == 0 {
		c.log.Debug("emulating flush completion", zap.Stringer("port", idx))
		return false
	}
	c.flushPending[idx] = true
	if err := c.sendCommand(CommandFlush, uint32(idx)); err != nil {
		c.flushPending[idx] = false
		c.fail("flush", err)
	}
	return true
}

func (c *Codec) onFlushComplete(idx PortIndex) {
	p := c.port(idx)
	if p == nil {
		return
	}
	c.flushPending[idx] = false
	if p.state != PortShuttingDown {
		c.log.Warn("flush complete on port not flushing", zap.Stringer("port", idx), zap.Stringer("port_state", p.state))
		return
	}
	if n := p.count(OwnedByNode); n != 0 {
		c.log.Warn("node kept buffers across flush", zap.Stringer("port", idx), zap.Int("count", n))
	}

	switch c.state {
	case StateReconfiguring:
		_ = p.setState(PortEnabled)
		c.disablePortAsync(idx)

	case StateExecutingToIdle:
		c.advanceShutdown()

	case StateError:

	default:
		_ = p.setState(PortEnabled)
		if c.ports[PortInput].state == PortEnabled && c.ports[PortOutput].state == PortEnabled {
			c.log.Debug("flush complete, resuming")
			c.drainInputBuffers()
			c.fillOutputBuffers()
			c.replayReconfig()
		}
	}
}

func (c *Codec) requestSeek(s Seek) {
	c.seek = seekState{requested: true, req: s}
	if s.Mode == SeekClosest {
		c.seek.skipping = true
		c.seek.target = s.Time
	}
	c.lastInputTime = 0
}

// seekLocked flushes both ports and waits until the source has taken the
// new position. Buffers queued for the client are dropped.
func (c *Codec) seekLocked(ctx context.Context, s Seek) error {
	if c.state == StateReconfiguring {
		if err := c.waitState(ctx, c.cfg.CommandTimeout, StateExecuting); err != nil {
			return c.waitErr("seek", err)
		}
	}
	if c.state != StateExecuting {
		if c.state == StateError {
			return c.terminalErr()
		}
		return &CodecError{Op: "seek", State: c.state, Err: ErrInvalidState}
	}

	c.log.Debug("seeking", zap.Duration("time", s.Time), zap.Stringer("mode", s.Mode))
	c.requestSeek(s)
	c.signalledEOS = false
	c.noMoreOutput = false
	c.sourceErr = nil
	c.paused = false
	for _, b := range c.filled {
		b.queued = false
	}
	c.filled = nil
	if c.leftover != nil {
		c.leftover.Release()
		c.leftover = nil
	}

	emulateIn := !c.flushPortAsync(PortInput)
	emulateOut := !c.flushPortAsync(PortOutput)
	if emulateIn {
		c.onFlushComplete(PortInput)
	}
	if emulateOut {
		c.onFlushComplete(PortOutput)
	}

	err := c.waitFor(ctx, c.cfg.CommandTimeout, func() bool {
		return !c.seek.requested || !c.state.running()
	})
	if errors.Is(err, errWaitTimeout) {
		// A flush the node never completed leaves the ports unusable.
		c.fail("seek", fmt.Errorf("%w: flush did not complete: %w", ErrUnknown, context.DeadlineExceeded))
		return c.terminalErr()
	}
	if err != nil {
		return c.waitErr("seek", err)
	}
	if c.state == StateError {
		return c.terminalErr()
	}
	return nil
}

// initOutputFormat reads the output port definition into outputFormat.
func (c *Codec) initOutputFormat() error {
	def := &PortDefinition{Port: PortOutput}
	if err := c.node.GetParameter(def); err != nil {
		return fmt.Errorf("get output port definition: %w", err)
	}
	f := Format{
		MIME:        def.MIME,
		Width:       def.Width,
		Height:      def.Height,
		Stride:      def.Stride,
		SliceHeight: def.SliceHeight,
		ColorFormat: def.ColorFormat,
		SampleRate:  def.SampleRate,
		Channels:    def.Channels,
		Duration:    c.inputFormat.Duration,
		Component:   c.component.Name,
	}
	if f.MIME == "" {
		switch {
		case c.encoder:
			f.MIME = c.component.MIME
		case IsVideo(c.component.MIME):
			f.MIME = MIMEVideoRaw
		default:
			f.MIME = MIMEAudioRaw
		}
	}
	if IsVideo(f.MIME) && f.Width > 0 && f.Height > 0 {
		f.Crop = Rect{Left: 0, Top: 0, Right: f.Width - 1, Bottom: f.Height - 1}
	}
	c.outputFormat = f
	return nil
}
