package omx

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// maxCoalesceSpan bounds how much media time one input buffer may carry
// when the component accepts several units per buffer.
const maxCoalesceSpan = 250 * time.Millisecond

// drainInputBuffers fills every input buffer we own and hands it to the
// node. It stops at the first buffer it could not fill.
func (c *Codec) drainInputBuffers() {
	p := c.ports[PortInput]
	if p.state != PortEnabled || !c.state.running() || c.paused {
		return
	}
	for _, b := range p.buffers {
		if b.owner != OwnedByUs {
			continue
		}
		if c.quirks.Has(SingleInFlightInputBuffer) && p.count(OwnedByNode) > 0 {
			return
		}
		if !c.drainInputBuffer(b) {
			return
		}
	}
}

// drainInputBuffer fills b with pending codec config or the next source
// units and submits it. It reports whether b went to the node.
func (c *Codec) drainInputBuffer(b *bufferInfo) bool {
	if c.signalledEOS || c.paused || c.state == StateError {
		return false
	}
	if b.data == nil {
		c.fail("drain", fmt.Errorf("%w: input buffer %d has no memory", ErrInvalidState, b.id))
		return false
	}

	if c.csdIndex < len(c.csd) {
		return c.submitCodecConfig(b)
	}

	var (
		offset int
		units  int
		first  time.Duration
		flags  = FlagEndOfFrame
		eos    bool
	)
	for {
		src := c.leftover
		c.leftover = nil
		if src == nil {
			var err error
			src, err = c.readSource()
			if err != nil {
				if c.runCtx.Err() != nil {
					// stopping; whatever was gathered is dropped with the session
					return false
				}
				if !errors.Is(err, ErrEndOfStream) && !errors.Is(err, io.EOF) {
					c.log.Warn("source read failed, ending stream", zap.Error(err))
					c.sourceErr = err
				}
				eos = true
				break
			}
		}

		if src.CodecConfig {
			if units > 0 {
				c.leftover = src
				break
			}
			flags |= FlagCodecConfig
		}
		if src.HasTargetTime {
			c.seek.skipping = true
			c.seek.target = src.TargetTime
		}

		n := len(src.Data)
		if offset == 0 && n > b.size {
			src.Release()
			c.fail("drain", fmt.Errorf("%w: unit of %d bytes, input buffer holds %d", ErrBufferTooSmall, n, b.size))
			return false
		}
		if offset+n > b.size {
			c.leftover = src
			break
		}
		if units == 0 {
			first = src.Time
		}
		if src.Sync {
			flags |= FlagSyncFrame
		}
		if src.EndOfStream {
			eos = true
		}

		if offset == 0 && c.quirks.Has(AvoidMemcopyInputRecordingFrames) {
			if zc, ok := c.node.(ZeroCopyNode); ok {
				if err := zc.SetBufferData(b.id, src.Data); err != nil {
					src.Release()
					c.fail("drain", err)
					return false
				}
				b.src = src
				offset, units = n, 1
				break
			}
		}

		copy(b.data[offset:], src.Data)
		offset += n
		units++
		span := src.Time - first
		config := src.CodecConfig
		src.Release()

		if eos || config || !c.quirks.Has(SupportsMultipleFramesPerInputBuffer) || span > maxCoalesceSpan {
			break
		}
	}

	if units == 0 && !eos {
		return false
	}
	if eos {
		flags |= FlagEOS
		c.signalledEOS = true
		c.log.Debug("signalling end of input")
	}
	ts := first
	if ts < c.lastInputTime {
		ts = c.lastInputTime
	}
	c.lastInputTime = ts
	return c.submitInput(b, offset, flags, ts)
}

func (c *Codec) submitCodecConfig(b *bufferInfo) bool {
	csd := c.csd[c.csdIndex]
	prefix := c.inputFormat.MIME == MIMEVideoAVC && !c.quirks.Has(WantsNALFragments)
	n := len(csd)
	if prefix {
		n += len(annexBStartCode)
	}
	if n > b.size {
		c.fail("drain", fmt.Errorf("%w: codec config of %d bytes, input buffer holds %d", ErrBufferTooSmall, n, b.size))
		return false
	}
	off := 0
	if prefix {
		off = copy(b.data, annexBStartCode)
	}
	copy(b.data[off:], csd)
	c.csdIndex++
	return c.submitInput(b, n, FlagEndOfFrame|FlagCodecConfig, 0)
}

func (c *Codec) submitInput(b *bufferInfo, length int, flags BufferFlags, ts time.Duration) bool {
	p := c.ports[PortInput]
	if err := p.transfer(b, OwnedByUs, OwnedByNode); err != nil {
		c.ownershipViolation("submit input", err)
		return false
	}
	b.offset, b.length, b.flags, b.ts = 0, length, flags, ts
	if err := c.node.EmptyBuffer(b.id, 0, length, flags, ts); err != nil {
		_ = p.transfer(b, OwnedByNode, OwnedByUs)
		c.fail("empty buffer", err)
		return false
	}
	return true
}

// readSource pulls one unit, handing a pending seek to the source once.
func (c *Codec) readSource() (*SourceBuffer, error) {
	if c.source == nil {
		return nil, ErrEndOfStream
	}
	var opts *ReadOptions
	if c.seek.requested {
		req := c.seek.req
		opts = &ReadOptions{Seek: &req}
		c.seek.requested = false
		c.notify()
	}
	return readWithRetry(c.runCtx, c.source, opts, c.cfg.SourceRetries, c.cfg.SourceRetryInterval, c.log)
}

// fillOutputBuffers hands every idle output buffer to the node.
func (c *Codec) fillOutputBuffers() {
	p := c.ports[PortOutput]
	if p.state != PortEnabled {
		return
	}
	for _, b := range p.buffers {
		if b.owner == OwnedByUs && !b.queued {
			c.fillOutputBuffer(b)
		}
	}
}

func (c *Codec) fillOutputBuffer(b *bufferInfo) {
	if c.noMoreOutput {
		return
	}
	p := c.ports[PortOutput]
	if p.state != PortEnabled || !c.state.running() {
		return
	}
	if err := p.transfer(b, OwnedByUs, OwnedByNode); err != nil {
		c.ownershipViolation("fill output", err)
		return
	}
	if err := c.node.FillBuffer(b.id); err != nil {
		_ = p.transfer(b, OwnedByNode, OwnedByUs)
		c.fail("fill buffer", err)
	}
}

func (c *Codec) onEmptyBufferDone(msg Message) {
	p := c.ports[PortInput]
	b := p.find(msg.Buffer)
	if b == nil {
		c.log.Warn("empty done for unknown buffer", zap.Uint32("id", uint32(msg.Buffer)))
		return
	}
	if err := p.transfer(b, OwnedByNode, OwnedByUs); err != nil {
		c.ownershipViolation("empty buffer done", err)
		return
	}
	if b.src != nil {
		b.src.Release()
		b.src = nil
	}

	switch {
	case p.state == PortDisabling || c.state == StateError:
		c.freeBuffer(p, b)
	case p.state == PortShuttingDown:
		// held until the flush or shutdown completes
	case c.state.running() && !c.paused && c.initialSubmitted:
		if c.quirks.Has(SingleInFlightInputBuffer) && p.count(OwnedByNode) > 0 {
			return
		}
		c.drainInputBuffer(b)
	}
}

func (c *Codec) onFillBufferDone(msg Message) {
	p := c.ports[PortOutput]
	b := p.find(msg.Buffer)
	if b == nil {
		c.log.Warn("fill done for unknown buffer", zap.Uint32("id", uint32(msg.Buffer)))
		return
	}
	if err := p.transfer(b, OwnedByNode, OwnedByUs); err != nil {
		c.ownershipViolation("fill buffer done", err)
		return
	}
	if b.data == nil && msg.Data != nil {
		b.data = msg.Data
	}
	b.offset, b.length, b.flags, b.ts = msg.Offset, msg.Length, msg.Flags, msg.Timestamp

	switch {
	case p.state == PortDisabling || c.state == StateError:
		c.freeBuffer(p, b)
		return
	case p.state != PortEnabled:
		return
	}

	if b.data != nil && (msg.Offset < 0 || msg.Length < 0 || msg.Offset+msg.Length > len(b.data)) {
		c.fail("fill buffer done", fmt.Errorf("%w: range %d+%d exceeds %d byte buffer",
			ErrBufferTooSmall, msg.Offset, msg.Length, len(b.data)))
		return
	}
	if msg.Flags&FlagEOS != 0 {
		c.log.Debug("end of output")
		c.noMoreOutput = true
	}
	if msg.Length == 0 {
		c.fillOutputBuffer(b)
		return
	}
	if c.seek.skipping && msg.Timestamp < c.seek.target {
		c.log.Debug("dropping output before seek target",
			zap.Duration("ts", msg.Timestamp), zap.Duration("target", c.seek.target))
		c.fillOutputBuffer(b)
		return
	}
	c.seek.skipping = false
	b.queued = true
	c.filled = append(c.filled, b)
}
