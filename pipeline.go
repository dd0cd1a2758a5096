package omx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PipelineState represents the state of a Pipeline.
type PipelineState int

const (
	PipelineStateIdle    PipelineState = iota // Not started
	PipelineStateRunning                      // Pulling output
	PipelineStateDone                         // Reached end of stream
	PipelineStateStopped                      // Stopped by the caller or a fatal error
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateIdle:
		return "idle"
	case PipelineStateRunning:
		return "running"
	case PipelineStateDone:
		return "done"
	case PipelineStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sink consumes codec output. The buffer is only valid for the duration of
// the call.
type Sink interface {
	WriteBuffer(b *Buffer) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(b *Buffer) error

func (f SinkFunc) WriteBuffer(b *Buffer) error { return f(b) }

// PipelineStats provides pipeline statistics.
type PipelineStats struct {
	Buffers       uint64
	Bytes         uint64
	SyncFrames    uint64
	FormatChanges uint64
	Seeks         uint64
	Errors        uint64
	ReadTimeUs    uint64
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Codec *Codec // Started by the pipeline
	Sink  Sink   // Output consumer

	// Render queues buffers to the codec's native window after the sink
	// ran. Without a window it is equivalent to releasing.
	Render bool

	OnFormat func(Format) // Called after each output format change
	OnError  func(error)  // Sink and non-fatal read errors
	Logger   *zap.Logger
}

// Pipeline drives Source -> Codec -> Sink on its own goroutine until end of
// stream, a fatal codec error or Stop.
type Pipeline struct {
	codec  *Codec
	sink   Sink
	render bool
	log    *zap.Logger

	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	err    error

	seek atomic.Pointer[Seek]

	stats   PipelineStats
	statsMu sync.Mutex

	onFormat func(Format)
	onError  func(error)
}

// NewPipeline creates a pipeline around an allocated codec.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	log := cfg.Logger
	if log == nil {
		log = cfg.Codec.log
	}
	p := &Pipeline{
		codec:    cfg.Codec,
		sink:     cfg.Sink,
		render:   cfg.Render,
		log:      log.With(zap.String("pipeline", cfg.Codec.Name())),
		done:     make(chan struct{}),
		onFormat: cfg.OnFormat,
		onError:  cfg.OnError,
	}
	p.state.Store(int32(PipelineStateIdle))
	return p, nil
}

// Start starts the codec and the output loop.
func (p *Pipeline) Start(ctx context.Context) error {
	if PipelineState(p.state.Load()) != PipelineStateIdle {
		return fmt.Errorf("%w: pipeline already started", ErrInvalidState)
	}
	if err := p.codec.Start(ctx); err != nil {
		return fmt.Errorf("failed to start codec: %w", err)
	}

	var runCtx context.Context
	runCtx, p.cancel = context.WithCancel(context.Background())
	p.state.Store(int32(PipelineStateRunning))

	p.wg.Add(1)
	go p.processLoop(runCtx)
	return nil
}

// Seek asks the loop to reposition before its next read.
func (p *Pipeline) Seek(s Seek) {
	p.seek.Store(&s)
}

// Wait blocks until the loop ends and returns the error that ended it, nil
// at end of stream.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the loop and stops the codec.
func (p *Pipeline) Stop(ctx context.Context) error {
	st := PipelineState(p.state.Load())
	if st == PipelineStateIdle {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.state.CompareAndSwap(int32(PipelineStateRunning), int32(PipelineStateStopped))
	return p.codec.Stop(ctx)
}

// Close stops the pipeline and releases the codec.
func (p *Pipeline) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.codec.cfg.CommandTimeout)
	defer cancel()
	return errors.Join(p.Stop(ctx), p.codec.Close())
}

// State returns the current pipeline state.
func (p *Pipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Pipeline) processLoop(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.done)

	for {
		var opts *ReadOptions
		if s := p.seek.Swap(nil); s != nil {
			opts = &ReadOptions{Seek: s}
			p.statsMu.Lock()
			p.stats.Seeks++
			p.statsMu.Unlock()
		}

		readStart := time.Now()
		b, err := p.codec.Read(ctx, opts)
		readTime := time.Since(readStart)

		switch {
		case err == nil:
		case errors.Is(err, ErrFormatChanged):
			p.statsMu.Lock()
			p.stats.FormatChanges++
			p.statsMu.Unlock()
			f := p.codec.Format()
			p.log.Info("output format changed", zap.Stringer("format", f))
			if p.onFormat != nil {
				p.onFormat(f)
			}
			continue
		case errors.Is(err, ErrEndOfStream):
			p.log.Debug("end of stream")
			p.state.Store(int32(PipelineStateDone))
			return
		case ctx.Err() != nil:
			return
		default:
			p.handleError(err)
			p.err = err
			p.state.Store(int32(PipelineStateStopped))
			return
		}

		p.statsMu.Lock()
		p.stats.Buffers++
		p.stats.Bytes += uint64(b.Len())
		p.stats.ReadTimeUs += uint64(readTime.Microseconds())
		if b.IsSync() {
			p.stats.SyncFrames++
		}
		p.statsMu.Unlock()

		if err := p.sink.WriteBuffer(b); err != nil {
			p.handleError(err)
		}
		if p.render {
			err = b.Render()
		} else {
			err = b.Release()
		}
		if err != nil {
			p.handleError(err)
		}
	}
}

func (p *Pipeline) handleError(err error) {
	p.statsMu.Lock()
	p.stats.Errors++
	p.statsMu.Unlock()

	p.log.Warn("pipeline error", zap.Error(err))
	if p.onError != nil {
		p.onError(err)
	}
}
