package omx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// SeekMode selects where a seek lands relative to sync units.
type SeekMode int

const (
	SeekPreviousSync SeekMode = iota
	SeekNextSync
	SeekClosestSync
	// SeekClosest lands on the preceding sync unit and drops decoded
	// output stamped before the requested time.
	SeekClosest
)

func (m SeekMode) String() string {
	switch m {
	case SeekPreviousSync:
		return "previous-sync"
	case SeekNextSync:
		return "next-sync"
	case SeekClosestSync:
		return "closest-sync"
	case SeekClosest:
		return "closest"
	default:
		return fmt.Sprintf("SeekMode(%d)", int(m))
	}
}

// Seek is a reposition request.
type Seek struct {
	Time time.Duration
	Mode SeekMode
}

// SourceParams are passed to Source.Start.
type SourceParams struct {
	StartTime time.Duration
}

// SourceBuffer is one compressed (or, for encoders, raw) unit.
type SourceBuffer struct {
	Data []byte
	Time time.Duration

	// TargetTime asks the codec to drop output stamped before it.
	TargetTime    time.Duration
	HasTargetTime bool

	Sync        bool
	CodecConfig bool
	// EndOfStream marks the last unit; no Read follows.
	EndOfStream bool

	release func()
}

// NewSourceBuffer wraps data; release, if not nil, runs once on Release.
func NewSourceBuffer(data []byte, ts time.Duration, release func()) *SourceBuffer {
	return &SourceBuffer{Data: data, Time: ts, release: release}
}

// Release gives the unit's memory back to its source.
func (b *SourceBuffer) Release() {
	if b == nil || b.release == nil {
		return
	}
	r := b.release
	b.release = nil
	r()
}

// Source supplies units to a codec. Read returns ErrEndOfStream (or
// io.EOF) when exhausted and ErrCorruptUnit for a unit worth re-reading.
type Source interface {
	Start(ctx context.Context, params *SourceParams) error
	Stop() error
	Format() Format
	Read(ctx context.Context, opts *ReadOptions) (*SourceBuffer, error)
}

// readWithRetry reads one unit, re-issuing reads that fail with
// ErrCorruptUnit. The seek in opts goes to the first attempt only.
func readWithRetry(ctx context.Context, src Source, opts *ReadOptions, retries uint64, interval time.Duration, log *zap.Logger) (*SourceBuffer, error) {
	var out *SourceBuffer
	attempt := 0
	op := func() error {
		o := opts
		if attempt > 0 {
			o = nil
		}
		attempt++
		b, err := src.Read(ctx, o)
		if err == nil {
			out = b
			return nil
		}
		if errors.Is(err, ErrCorruptUnit) {
			log.Debug("corrupt source unit, re-reading", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = interval
	ebo.MaxInterval = 50 * interval
	ebo.Reset()
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(ebo, retries), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

// seekSync picks the unit index a seek lands on among n units in
// timestamp order. at reports a unit's time and whether it is a sync unit.
func seekSync(n int, at func(i int) (time.Duration, bool), req Seek) int {
	prev, next := -1, -1
	for i := 0; i < n; i++ {
		t, sync := at(i)
		if !sync {
			continue
		}
		if t <= req.Time {
			prev = i
		} else if next < 0 {
			next = i
		}
	}
	if prev >= 0 {
		if t, _ := at(prev); t == req.Time {
			next = prev
		}
	}
	switch req.Mode {
	case SeekNextSync:
		if next < 0 {
			return n
		}
		return next
	case SeekClosestSync:
		switch {
		case prev < 0 && next < 0:
			return 0
		case prev < 0:
			return next
		case next < 0:
			return prev
		}
		pt, _ := at(prev)
		nt, _ := at(next)
		if req.Time-pt <= nt-req.Time {
			return prev
		}
		return next
	default:
		if prev < 0 {
			return 0
		}
		return prev
	}
}
