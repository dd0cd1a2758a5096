package omx

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryUnit is one unit served by a MemorySource.
type MemoryUnit struct {
	Data []byte
	Time time.Duration
	Sync bool
}

// MemorySource serves a fixed list of units. It seeks on sync units and can
// be told to report some reads as corrupt.
type MemorySource struct {
	mu          sync.Mutex
	format      Format
	units       []MemoryUnit
	pos         int
	started     bool
	markLast    bool
	corrupt     map[int]int
	reads       int
	outstanding int
}

var _ Source = (*MemorySource)(nil)

func NewMemorySource(format Format, units []MemoryUnit) *MemorySource {
	return &MemorySource{format: format, units: units, corrupt: make(map[int]int)}
}

// MarkLastUnit makes the final unit carry EndOfStream instead of a
// separate end-of-stream read.
func (s *MemorySource) MarkLastUnit(v bool) {
	s.mu.Lock()
	s.markLast = v
	s.mu.Unlock()
}

// InjectCorrupt makes the next n reads of unit index fail with
// ErrCorruptUnit.
func (s *MemorySource) InjectCorrupt(index, n int) {
	s.mu.Lock()
	s.corrupt[index] = n
	s.mu.Unlock()
}

func (s *MemorySource) Start(_ context.Context, params *SourceParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.pos = 0
	if params != nil && params.StartTime > 0 {
		s.seekLocked(Seek{Time: params.StartTime, Mode: SeekPreviousSync})
	}
	return nil
}

func (s *MemorySource) Stop() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

func (s *MemorySource) Format() Format { return s.format }

func (s *MemorySource) Read(ctx context.Context, opts *ReadOptions) (*SourceBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, fmt.Errorf("%w: memory source not started", ErrInvalidState)
	}
	if opts != nil && opts.Seek != nil {
		s.seekLocked(*opts.Seek)
	}
	s.reads++
	if s.pos >= len(s.units) {
		return nil, ErrEndOfStream
	}
	if n := s.corrupt[s.pos]; n > 0 {
		s.corrupt[s.pos] = n - 1
		return nil, fmt.Errorf("%w: unit %d", ErrCorruptUnit, s.pos)
	}
	u := s.units[s.pos]
	s.pos++
	s.outstanding++
	b := NewSourceBuffer(u.Data, u.Time, func() {
		s.mu.Lock()
		s.outstanding--
		s.mu.Unlock()
	})
	b.Sync = u.Sync
	b.EndOfStream = s.markLast && s.pos == len(s.units)
	return b, nil
}

func (s *MemorySource) seekLocked(req Seek) {
	s.pos = seekSync(len(s.units), func(i int) (time.Duration, bool) {
		return s.units[i].Time, s.units[i].Sync
	}, req)
}

// Outstanding returns how many units were read and not yet released.
func (s *MemorySource) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// Reads returns how many Read calls reached the unit list.
func (s *MemorySource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}
