package omx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BufferQueueConfig configures an in-process BufferQueue.
type BufferQueueConfig struct {
	// MinUndequeued is how many buffers the consumer keeps. Default 2.
	MinUndequeued int
	// DequeueTimeout bounds DequeueBuffer when no slot is free. Default 1s.
	DequeueTimeout time.Duration
	Logger         *zap.Logger
}

type slotState uint8

const (
	slotFree slotState = iota
	slotDequeued
	slotQueued
	slotAcquired
)

// BufferQueueStats counts producer and consumer operations.
type BufferQueueStats struct {
	Dequeued int
	Queued   int
	Canceled int
	Acquired int
	Released int
}

// BufferQueue is an in-process NativeWindow. The codec produces into it and
// a consumer acquires queued buffers for display.
type BufferQueue struct {
	cfg  BufferQueueConfig
	name string
	log  *zap.Logger

	mu      sync.Mutex
	changed chan struct{}
	slots   []*GraphicBuffer
	state   []slotState
	free    []int
	queued  []int
	// retired holds buffers the consumer had acquired when the slots were
	// reallocated. Releasing one drops it.
	retired map[*GraphicBuffer]struct{}

	width   int
	height  int
	format  ColorFormat
	usage   uint32
	scaling ScalingMode

	stats     BufferQueueStats
	abandoned bool
}

var _ NativeWindow = (*BufferQueue)(nil)

// NewBufferQueue creates an empty queue; buffers appear on SetBufferCount.
func NewBufferQueue(cfg BufferQueueConfig) *BufferQueue {
	if cfg.MinUndequeued <= 0 {
		cfg.MinUndequeued = 2
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L().Named("omx")
	}
	name := "bq-" + uuid.NewString()[:8]
	return &BufferQueue{
		cfg:     cfg,
		name:    name,
		log:     cfg.Logger.With(zap.String("window", name)),
		changed: make(chan struct{}),
	}
}

func (q *BufferQueue) Name() string { return q.name }

func (q *BufferQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *BufferQueue) SetBuffersGeometry(width, height int, format ColorFormat) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.width, q.height, q.format = width, height, format
	return nil
}

func (q *BufferQueue) SetUsage(usage uint32) error {
	q.mu.Lock()
	q.usage = usage
	q.mu.Unlock()
	return nil
}

func (q *BufferQueue) SetScalingMode(mode ScalingMode) error {
	q.mu.Lock()
	q.scaling = mode
	q.mu.Unlock()
	return nil
}

func (q *BufferQueue) Query(what WindowQuery) (int, error) {
	switch what {
	case QueryMinUndequeuedBuffers:
		return q.cfg.MinUndequeued, nil
	}
	return 0, fmt.Errorf("%w: query %d", ErrNotSupported, what)
}

// SetBufferCount reallocates every slot. It fails while the producer holds
// dequeued buffers. Queued buffers are dropped; buffers the consumer has
// acquired are retired and ReleaseBuffer accepts them once.
func (q *BufferQueue) SetBufferCount(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return fmt.Errorf("%w: %s abandoned", ErrWindow, q.name)
	}
	if n <= q.cfg.MinUndequeued {
		return fmt.Errorf("%w: %d buffers, consumer keeps %d", ErrWindow, n, q.cfg.MinUndequeued)
	}
	for i, s := range q.state {
		if s == slotDequeued {
			return fmt.Errorf("%w: slot %d still dequeued", ErrWindow, i)
		}
	}
	for i, s := range q.state {
		if s == slotAcquired {
			if q.retired == nil {
				q.retired = make(map[*GraphicBuffer]struct{})
			}
			q.retired[q.slots[i]] = struct{}{}
		}
	}
	if len(q.queued) > 0 {
		q.log.Debug("dropping queued buffers on reallocation", zap.Int("queued", len(q.queued)))
	}
	size := q.width * q.height * 3 / 2
	q.slots = make([]*GraphicBuffer, n)
	q.state = make([]slotState, n)
	q.free = q.free[:0]
	q.queued = q.queued[:0]
	for i := range q.slots {
		q.slots[i] = &GraphicBuffer{
			Slot:   i,
			Width:  q.width,
			Height: q.height,
			Format: q.format,
			Usage:  q.usage,
			Data:   make([]byte, size),
		}
		q.free = append(q.free, i)
	}
	q.log.Debug("buffer count set", zap.Int("count", n), zap.Int("width", q.width), zap.Int("height", q.height))
	q.broadcast()
	return nil
}

func (q *BufferQueue) slot(gb *GraphicBuffer, want slotState) (int, error) {
	if gb == nil || gb.Slot < 0 || gb.Slot >= len(q.slots) || q.slots[gb.Slot] != gb {
		return 0, fmt.Errorf("%w: buffer not from %s", ErrWindow, q.name)
	}
	if q.state[gb.Slot] != want {
		return 0, fmt.Errorf("%w: slot %d in state %d, want %d", ErrWindow, gb.Slot, q.state[gb.Slot], want)
	}
	return gb.Slot, nil
}

// DequeueBuffer hands the producer a free slot, waiting up to the dequeue
// timeout.
func (q *BufferQueue) DequeueBuffer() (*GraphicBuffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := time.NewTimer(q.cfg.DequeueTimeout)
	defer t.Stop()
	for len(q.free) == 0 && !q.abandoned {
		ch := q.changed
		q.mu.Unlock()
		select {
		case <-ch:
			q.mu.Lock()
		case <-t.C:
			q.mu.Lock()
			return nil, fmt.Errorf("%w: no free buffer after %s", ErrWindow, q.cfg.DequeueTimeout)
		}
	}
	if q.abandoned {
		return nil, fmt.Errorf("%w: %s abandoned", ErrWindow, q.name)
	}
	i := q.free[0]
	q.free = q.free[1:]
	q.state[i] = slotDequeued
	q.stats.Dequeued++
	return q.slots[i], nil
}

func (q *BufferQueue) LockBuffer(gb *GraphicBuffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.slot(gb, slotDequeued)
	return err
}

// QueueBuffer submits a filled buffer to the consumer.
func (q *BufferQueue) QueueBuffer(gb *GraphicBuffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, err := q.slot(gb, slotDequeued)
	if err != nil {
		return err
	}
	q.state[i] = slotQueued
	q.queued = append(q.queued, i)
	q.stats.Queued++
	q.broadcast()
	return nil
}

// CancelBuffer returns a dequeued buffer unused.
func (q *BufferQueue) CancelBuffer(gb *GraphicBuffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, err := q.slot(gb, slotDequeued)
	if err != nil {
		return err
	}
	q.state[i] = slotFree
	q.free = append(q.free, i)
	q.stats.Canceled++
	q.broadcast()
	return nil
}

// AcquireBuffer takes the oldest queued buffer for display.
func (q *BufferQueue) AcquireBuffer(ctx context.Context) (*GraphicBuffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.queued) == 0 {
		if q.abandoned {
			return nil, fmt.Errorf("%w: %s abandoned", ErrWindow, q.name)
		}
		ch := q.changed
		q.mu.Unlock()
		select {
		case <-ch:
			q.mu.Lock()
		case <-ctx.Done():
			q.mu.Lock()
			return nil, ctx.Err()
		}
	}
	i := q.queued[0]
	q.queued = q.queued[1:]
	q.state[i] = slotAcquired
	q.stats.Acquired++
	return q.slots[i], nil
}

// ReleaseBuffer gives an acquired buffer back to the producer side.
func (q *BufferQueue) ReleaseBuffer(gb *GraphicBuffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.retired[gb]; ok {
		delete(q.retired, gb)
		q.stats.Released++
		return nil
	}
	i, err := q.slot(gb, slotAcquired)
	if err != nil {
		return err
	}
	q.state[i] = slotFree
	q.free = append(q.free, i)
	q.stats.Released++
	q.broadcast()
	return nil
}

// Dequeued returns how many buffers the producer currently holds.
func (q *BufferQueue) Dequeued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, s := range q.state {
		if s == slotDequeued {
			n++
		}
	}
	return n
}

func (q *BufferQueue) Stats() BufferQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Abandon fails all pending and future calls.
func (q *BufferQueue) Abandon() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.abandoned = true
	q.broadcast()
}
