package omx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"go.uber.org/zap"
)

// FLV video tag constants.
const (
	flvFrameKey    = 1
	flvCodecAVC    = 7
	flvAVCSeqHdr   = 0
	flvAVCNALU     = 1
	flvAVCEndOfSeq = 2
)

// RTMPSourceConfig configures an RTMPSource.
type RTMPSourceConfig struct {
	// QueueSize bounds units waiting for the codec. Default 60.
	QueueSize int
	Logger    *zap.Logger
}

// RTMPSource accepts one RTMP publisher and serves its H.264 video. The
// AVC sequence header becomes the format's codec config; later sequence
// headers are delivered as codec config units. When the queue overflows
// the oldest unit is dropped and delivery resumes at the next keyframe.
type RTMPSource struct {
	rtmp.DefaultHandler

	cfg RTMPSourceConfig
	log *zap.Logger

	mu          sync.Mutex
	format      Format
	formatReady chan struct{}
	units       chan *SourceBuffer
	closed      chan struct{}
	closeOnce   sync.Once
	publishing  string
	config      []byte
	wantSync    bool
	base        uint32
	haveBase    bool
	dropped     int
}

var _ Source = (*RTMPSource)(nil)

func NewRTMPSource(cfg RTMPSourceConfig) *RTMPSource {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 60
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L().Named("omx")
	}
	return &RTMPSource{
		cfg:         cfg,
		log:         cfg.Logger.With(zap.String("source", "rtmp")),
		format:      Format{MIME: MIMEVideoAVC},
		formatReady: make(chan struct{}),
		units:       make(chan *SourceBuffer, cfg.QueueSize),
		closed:      make(chan struct{}),
		wantSync:    true,
	}
}

// ServerConfig returns a server configuration routing every connection to
// this source.
func (s *RTMPSource) ServerConfig() *rtmp.ServerConfig {
	return &rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: s,
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	}
}

func (s *RTMPSource) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishing != "" {
		return fmt.Errorf("%w: already publishing %q", ErrInvalidState, s.publishing)
	}
	s.publishing = cmd.PublishingName
	s.log.Info("publish", zap.String("name", cmd.PublishingName))
	return nil
}

func (s *RTMPSource) OnVideo(timestamp uint32, payload io.Reader) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, payload); err != nil {
		return err
	}
	data := buf.Bytes()
	if len(data) < 5 {
		return nil
	}
	frameType := data[0] >> 4
	if data[0]&0x0f != flvCodecAVC {
		s.log.Debug("ignoring non-AVC video tag", zap.Uint8("codec_id", data[0]&0x0f))
		return nil
	}
	cts := int32(uint32(data[2])<<16|uint32(data[3])<<8|uint32(data[4])) << 8 >> 8
	avc := data[5:]

	switch data[1] {
	case flvAVCSeqHdr:
		s.onSequenceHeader(avc)
	case flvAVCNALU:
		au, err := avccToAnnexB(avc)
		if err != nil {
			s.log.Warn("dropping malformed AVC tag", zap.Error(err))
			return nil
		}
		b := NewSourceBuffer(au, s.timeOf(timestamp, cts), nil)
		b.Sync = frameType == flvFrameKey || containsIDR(au)
		s.enqueue(b)
	case flvAVCEndOfSeq:
		s.log.Debug("end of AVC sequence")
		s.close()
	}
	return nil
}

func (s *RTMPSource) onSequenceHeader(record []byte) {
	sps, pps, err := parseAVCDecoderConfig(record)
	if err != nil {
		s.log.Warn("bad AVC sequence header", zap.Error(err))
		return
	}
	s.mu.Lock()
	first := s.config == nil
	same := bytes.Equal(s.config, record)
	s.config = append([]byte(nil), record...)
	if first {
		s.format.CSD = [][]byte{s.config}
		close(s.formatReady)
	}
	s.mu.Unlock()
	if first || same {
		return
	}

	s.log.Info("AVC sequence header changed")
	var unit []byte
	for _, ps := range append(sps, pps...) {
		unit = append(unit, annexBStartCode...)
		unit = append(unit, ps...)
	}
	b := NewSourceBuffer(unit, 0, nil)
	b.CodecConfig = true
	s.enqueue(b)
}

func (s *RTMPSource) timeOf(ts uint32, cts int32) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveBase {
		s.base = ts
		s.haveBase = true
	}
	return time.Duration(int64(ts-s.base)+int64(cts)) * time.Millisecond
}

func (s *RTMPSource) enqueue(b *SourceBuffer) {
	select {
	case <-s.closed:
		return
	default:
	}
	for {
		select {
		case s.units <- b:
			return
		default:
		}
		select {
		case <-s.units:
			s.mu.Lock()
			s.dropped++
			s.wantSync = true
			s.mu.Unlock()
		default:
		}
	}
}

func (s *RTMPSource) OnClose() {
	s.log.Info("publisher disconnected")
	s.close()
}

func (s *RTMPSource) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// WaitFormat blocks until the publisher sent its sequence header.
func (s *RTMPSource) WaitFormat(ctx context.Context) (Format, error) {
	select {
	case <-s.formatReady:
		return s.Format(), nil
	case <-s.closed:
		return Format{}, ErrEndOfStream
	case <-ctx.Done():
		return Format{}, ctx.Err()
	}
}

func (s *RTMPSource) Format() Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *RTMPSource) Start(context.Context, *SourceParams) error { return nil }
func (s *RTMPSource) Stop() error                                 { return nil }

// Read returns the next unit. Seeking a live stream drops the queue and
// resumes at the next keyframe.
func (s *RTMPSource) Read(ctx context.Context, opts *ReadOptions) (*SourceBuffer, error) {
	if opts != nil && opts.Seek != nil {
		s.mu.Lock()
		s.wantSync = true
		s.mu.Unlock()
	drain:
		for {
			select {
			case <-s.units:
			default:
				break drain
			}
		}
	}
	for {
		var b *SourceBuffer
		select {
		case b = <-s.units:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			select {
			case b = <-s.units:
			default:
				return nil, ErrEndOfStream
			}
		}
		s.mu.Lock()
		skip := s.wantSync && !b.Sync && !b.CodecConfig
		if b.Sync {
			s.wantSync = false
		}
		s.mu.Unlock()
		if !skip {
			return b, nil
		}
	}
}

// Dropped returns how many units were discarded on queue overflow.
func (s *RTMPSource) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
