package omx

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"go.uber.org/zap"
)

type webmFrame struct {
	data []byte
	ts   time.Duration
	key  bool
}

// WebMSource serves the first video track of a WebM file. The whole file
// is indexed up front so seeks land on keyframes.
type WebMSource struct {
	log *zap.Logger

	mu      sync.Mutex
	format  Format
	frames  []webmFrame
	pos     int
	started bool
}

var _ Source = (*WebMSource)(nil)

// OpenWebM indexes the file at path.
func OpenWebM(path string, log *zap.Logger) (*WebMSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewWebMSource(f, log)
}

var webmCodecs = map[string]string{
	"V_MPEG4/ISO/AVC":  MIMEVideoAVC,
	"V_MPEGH/ISO/HEVC": MIMEVideoHEVC,
	"V_VP8":            MIMEVideoVP8,
	"V_VP9":            MIMEVideoVP9,
	"V_AV1":            MIMEVideoAV1,
}

// NewWebMSource reads a complete WebM stream from r.
func NewWebMSource(r io.Reader, log *zap.Logger) (*WebMSource, error) {
	if log == nil {
		log = zap.L().Named("omx")
	}
	var doc struct {
		Header  webm.EBMLHeader `ebml:"EBML"`
		Segment webm.Segment    `ebml:"Segment"`
	}
	if err := ebml.Unmarshal(r, &doc); err != nil {
		return nil, fmt.Errorf("parse webm: %w", err)
	}

	var track *webm.TrackEntry
	for i := range doc.Segment.Tracks.TrackEntry {
		if doc.Segment.Tracks.TrackEntry[i].TrackType == 1 {
			track = &doc.Segment.Tracks.TrackEntry[i]
			break
		}
	}
	if track == nil {
		return nil, fmt.Errorf("%w: webm has no video track", ErrNotSupported)
	}
	mime, ok := webmCodecs[track.CodecID]
	if !ok {
		return nil, fmt.Errorf("%w: webm codec %s", ErrNotSupported, track.CodecID)
	}

	scale := time.Duration(doc.Segment.Info.TimecodeScale)
	if scale == 0 {
		scale = time.Millisecond
	}
	s := &WebMSource{
		log: log.With(zap.String("source", "webm")),
		format: Format{
			MIME:     mime,
			Duration: time.Duration(doc.Segment.Info.Duration * float64(scale)),
		},
	}
	if track.Video != nil {
		s.format.Width = int(track.Video.PixelWidth)
		s.format.Height = int(track.Video.PixelHeight)
	}
	if len(track.CodecPrivate) > 0 {
		s.format.CSD = [][]byte{track.CodecPrivate}
	}

	for _, cl := range doc.Segment.Cluster {
		for _, blk := range cl.SimpleBlock {
			if blk.TrackNumber != track.TrackNumber {
				continue
			}
			ts := (time.Duration(cl.Timecode) + time.Duration(blk.Timecode)) * scale
			for _, d := range blk.Data {
				if mime == MIMEVideoAVC {
					au, err := avccToAnnexB(d)
					if err != nil {
						s.log.Warn("skipping malformed AVC block", zap.Duration("ts", ts), zap.Error(err))
						continue
					}
					d = au
				}
				s.frames = append(s.frames, webmFrame{data: d, ts: ts, key: blk.Keyframe})
			}
		}
	}
	sort.SliceStable(s.frames, func(i, j int) bool { return s.frames[i].ts < s.frames[j].ts })
	if s.format.Duration == 0 && len(s.frames) > 0 {
		s.format.Duration = s.frames[len(s.frames)-1].ts
	}
	s.log.Debug("indexed webm",
		zap.String("codec", track.CodecID), zap.Int("frames", len(s.frames)), zap.Duration("duration", s.format.Duration))
	return s, nil
}

func (s *WebMSource) Format() Format { return s.format }

func (s *WebMSource) Start(_ context.Context, params *SourceParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.pos = 0
	if params != nil && params.StartTime > 0 {
		s.seekLocked(Seek{Time: params.StartTime, Mode: SeekPreviousSync})
	}
	return nil
}

func (s *WebMSource) Stop() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

func (s *WebMSource) Read(ctx context.Context, opts *ReadOptions) (*SourceBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, fmt.Errorf("%w: webm source not started", ErrInvalidState)
	}
	if opts != nil && opts.Seek != nil {
		s.seekLocked(*opts.Seek)
	}
	if s.pos >= len(s.frames) {
		return nil, ErrEndOfStream
	}
	f := s.frames[s.pos]
	s.pos++
	b := NewSourceBuffer(f.data, f.ts, nil)
	b.Sync = f.key
	return b, nil
}

func (s *WebMSource) seekLocked(req Seek) {
	s.pos = seekSync(len(s.frames), func(i int) (time.Duration, bool) {
		return s.frames[i].ts, s.frames[i].key
	}, req)
}

// Frames returns how many video frames were indexed.
func (s *WebMSource) Frames() int { return len(s.frames) }
