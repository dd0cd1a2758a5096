package omx

import (
	"fmt"

	"go.uber.org/zap"
)

// WindowQuery selects a NativeWindow property.
type WindowQuery int

const (
	// QueryMinUndequeuedBuffers is how many buffers the window's consumer
	// keeps for itself at any time.
	QueryMinUndequeuedBuffers WindowQuery = iota
)

// ScalingMode controls how the window maps buffers that do not match its
// size.
type ScalingMode int

const (
	ScalingModeFreeze ScalingMode = iota
	ScalingModeScaleToWindow
	ScalingModeScaleCrop
)

// Usage bits the codec always requests for window buffers.
const (
	UsageHWTexture       uint32 = 0x100
	UsageExternalDisplay uint32 = 0x2000
)

// NativeWindow is an external producer-side buffer queue. Buffers are
// dequeued for the node to fill and queued back for display.
type NativeWindow interface {
	SetBuffersGeometry(width, height int, format ColorFormat) error
	SetUsage(usage uint32) error
	SetBufferCount(n int) error
	SetScalingMode(mode ScalingMode) error
	Query(what WindowQuery) (int, error)

	DequeueBuffer() (*GraphicBuffer, error)
	QueueBuffer(gb *GraphicBuffer) error
	CancelBuffer(gb *GraphicBuffer) error
	LockBuffer(gb *GraphicBuffer) error
}

func windowErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrWindow, op, err)
}

// allocateOutputBuffersFromWindow sizes the window for the output port,
// registers every window buffer with the node and gives the consumer's
// share back to the window.
func (c *Codec) allocateOutputBuffersFromWindow() error {
	p := c.ports[PortOutput]
	w := c.window

	def := &PortDefinition{Port: PortOutput}
	if err := c.node.GetParameter(def); err != nil {
		return fmt.Errorf("get output port definition: %w", err)
	}
	if err := w.SetScalingMode(ScalingModeScaleToWindow); err != nil {
		return windowErr("set scaling mode", err)
	}
	if err := w.SetBuffersGeometry(def.Width, def.Height, def.ColorFormat); err != nil {
		return windowErr("set geometry", err)
	}
	usage, err := c.node.GetGraphicBufferUsage(PortOutput)
	if err != nil {
		c.log.Warn("querying graphic buffer usage", zap.Error(err))
		usage = 0
	}
	if err := w.SetUsage(usage | UsageHWTexture | UsageExternalDisplay); err != nil {
		return windowErr("set usage", err)
	}

	minUndequeued, err := w.Query(QueryMinUndequeuedBuffers)
	if err != nil {
		return windowErr("query min undequeued", err)
	}
	count := def.CountMin + minUndequeued
	if count < def.CountActual {
		count = def.CountActual
	}
	def.CountActual = count
	if err := c.node.SetParameter(def); err != nil {
		return fmt.Errorf("set output buffer count %d: %w", count, err)
	}
	if err := w.SetBufferCount(count); err != nil {
		return windowErr("set buffer count", err)
	}
	if err := c.node.EnableGraphicBuffers(PortOutput, true); err != nil {
		return fmt.Errorf("enable graphic buffers: %w", err)
	}

	for i := 0; i < count; i++ {
		gb, err := w.DequeueBuffer()
		if err != nil {
			c.cancelWindowBuffers()
			return windowErr("dequeue", err)
		}
		id, err := c.node.UseGraphicBuffer(PortOutput, gb)
		if err != nil {
			_ = w.CancelBuffer(gb)
			c.cancelWindowBuffers()
			return fmt.Errorf("register graphic buffer %d/%d: %w", i+1, count, err)
		}
		p.buffers = append(p.buffers, &bufferInfo{
			id:      id,
			owner:   OwnedByUs,
			size:    def.Size,
			graphic: gb,
			data:    gb.Data,
		})
	}

	for _, b := range p.buffers[count-minUndequeued:] {
		if err := w.CancelBuffer(b.graphic); err != nil {
			return windowErr("cancel", err)
		}
		_ = p.transfer(b, OwnedByUs, OwnedByBufferQueue)
	}
	c.log.Debug("allocated window buffers",
		zap.Int("count", count), zap.Int("min_undequeued", minUndequeued))
	return nil
}

// cancelWindowBuffers gives every dequeued output buffer back to the window.
func (c *Codec) cancelWindowBuffers() {
	p := c.ports[PortOutput]
	for _, b := range p.buffers {
		if b.graphic == nil || b.owner != OwnedByUs {
			continue
		}
		if err := c.window.CancelBuffer(b.graphic); err != nil {
			c.log.Warn("cancel window buffer", zap.Int("slot", b.graphic.Slot), zap.Error(err))
			continue
		}
		_ = p.transfer(b, OwnedByUs, OwnedByBufferQueue)
	}
}

// returnToWindow queues or cancels a client-returned buffer and replaces it
// with the next one the window lets go of.
func (c *Codec) returnToWindow(b *bufferInfo, render bool) error {
	p := c.ports[PortOutput]
	var err error
	if render {
		err = c.window.QueueBuffer(b.graphic)
	} else {
		err = c.window.CancelBuffer(b.graphic)
	}
	if err != nil {
		c.fail("return to window", windowErr("queue", err))
		return c.terminalErr()
	}
	_ = p.transfer(b, OwnedByUs, OwnedByBufferQueue)

	if p.state == PortDisabling || c.state == StateError {
		c.freeBuffer(p, b)
		return nil
	}
	c.replayReconfig()
	if c.state.running() && p.state == PortEnabled && !c.noMoreOutput {
		c.dequeueAndFill()
	}
	return nil
}

func (c *Codec) dequeueAndFill() {
	p := c.ports[PortOutput]
	gb, err := c.window.DequeueBuffer()
	if err != nil {
		c.fail("dequeue", windowErr("dequeue", err))
		return
	}
	var b *bufferInfo
	for _, x := range p.buffers {
		if x.graphic != nil && x.owner == OwnedByBufferQueue && (x.graphic == gb || x.graphic.Slot == gb.Slot) {
			b = x
			break
		}
	}
	if b == nil {
		c.fail("dequeue", fmt.Errorf("%w: window returned unknown slot %d", ErrWindow, gb.Slot))
		return
	}
	if err := c.window.LockBuffer(gb); err != nil {
		c.fail("dequeue", windowErr("lock", err))
		return
	}
	_ = p.transfer(b, OwnedByBufferQueue, OwnedByUs)
	c.fillOutputBuffer(b)
}
