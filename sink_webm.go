package omx

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
)

var webmCodecIDs = map[string]string{
	MIMEVideoVP8: "V_VP8",
	MIMEVideoVP9: "V_VP9",
	MIMEVideoAV1: "V_AV1",
}

// WebMSink records encoder output as a single-track WebM stream.
type WebMSink struct {
	mu      sync.Mutex
	w       webm.BlockWriteCloser
	base    time.Duration
	started bool
	frames  int
}

var _ Sink = (*WebMSink)(nil)

// NewWebMSink writes a WebM stream for format to w. Only codecs WebM
// carries without a codec private record are supported.
func NewWebMSink(w io.WriteCloser, format Format) (*WebMSink, error) {
	id, ok := webmCodecIDs[format.MIME]
	if !ok {
		return nil, fmt.Errorf("%w: webm muxing %s", ErrNotSupported, format.MIME)
	}
	ws, err := webm.NewSimpleBlockWriter(w, []webm.TrackEntry{{
		Name:        "Video",
		TrackNumber: 1,
		TrackUID:    1,
		CodecID:     id,
		TrackType:   1,
		Video: &webm.Video{
			PixelWidth:  uint64(format.Width),
			PixelHeight: uint64(format.Height),
		},
	}})
	if err != nil {
		return nil, fmt.Errorf("create webm writer: %w", err)
	}
	return &WebMSink{w: ws[0]}, nil
}

// WriteBuffer appends one frame. Timestamps are rebased to the first
// frame.
func (s *WebMSink) WriteBuffer(b *Buffer) error {
	data := b.Bytes()
	if len(data) == 0 || b.IsCodecConfig() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.base = b.Timestamp()
		s.started = true
	}
	ms := int64((b.Timestamp() - s.base) / time.Millisecond)
	if _, err := s.w.Write(b.IsSync(), ms, data); err != nil {
		return fmt.Errorf("write webm block: %w", err)
	}
	s.frames++
	return nil
}

// Frames returns how many frames were written.
func (s *WebMSink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close finishes the stream and closes the underlying writer.
func (s *WebMSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
