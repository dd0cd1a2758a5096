package omx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"go.uber.org/zap"
)

// RTPReader yields RTP packets, e.g. from a WebRTC track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, error)
}

// RTCPWriter sends feedback to the RTP sender. *webrtc.PeerConnection
// satisfies it.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// RTPSourceConfig configures an RTPSource.
type RTPSourceConfig struct {
	// Format is reported by Format. MIME selects the depacketizer; only
	// AVC and VP8 are supported.
	Format    Format
	ClockRate uint32 // default 90000
	// MaxLate is how many packets the reorder stage waits for a gap.
	MaxLate uint16 // default 256
	// QueueSize bounds assembled units waiting for the codec.
	QueueSize int // default 64
	// SSRC and RTCP, when set, are used to request a keyframe on seek.
	SSRC   uint32
	RTCP   RTCPWriter
	Logger *zap.Logger
}

func DefaultRTPSourceConfig() RTPSourceConfig {
	return RTPSourceConfig{
		Format:    Format{MIME: MIMEVideoAVC},
		ClockRate: 90000,
		MaxLate:   256,
		QueueSize: 64,
	}
}

// RTPSource reassembles RTP packets into access units. A live stream has
// no past: seeking drops what is queued, asks the sender for a keyframe and
// resumes at the next sync unit.
type RTPSource struct {
	cfg    RTPSourceConfig
	reader RTPReader
	log    *zap.Logger

	mu       sync.Mutex
	units    chan *SourceBuffer
	stop     chan struct{}
	err      error
	started  bool
	wantSync bool

	base     uint32
	haveBase bool
}

var _ Source = (*RTPSource)(nil)

func NewRTPSource(reader RTPReader, cfg RTPSourceConfig) *RTPSource {
	d := DefaultRTPSourceConfig()
	if cfg.Format.MIME == "" {
		cfg.Format.MIME = d.Format.MIME
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = d.ClockRate
	}
	if cfg.MaxLate == 0 {
		cfg.MaxLate = d.MaxLate
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L().Named("omx")
	}
	return &RTPSource{
		cfg:    cfg,
		reader: reader,
		log:    cfg.Logger.With(zap.String("source", "rtp"), zap.Uint32("ssrc", cfg.SSRC)),
	}
}

type trackReader struct{ track *webrtc.TrackRemote }

func (r trackReader) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}

// NewTrackSource reads a remote WebRTC track. Keyframe requests go through
// pc, usually the track's *webrtc.PeerConnection.
func NewTrackSource(track *webrtc.TrackRemote, pc RTCPWriter, cfg RTPSourceConfig) *RTPSource {
	codec := track.Codec()
	cfg.Format.MIME = mimeFromWebRTC(codec.MimeType)
	cfg.ClockRate = codec.ClockRate
	cfg.SSRC = uint32(track.SSRC())
	cfg.RTCP = pc
	return NewRTPSource(trackReader{track}, cfg)
}

func mimeFromWebRTC(m string) string {
	switch {
	case strings.EqualFold(m, webrtc.MimeTypeH264):
		return MIMEVideoAVC
	case strings.EqualFold(m, webrtc.MimeTypeVP8):
		return MIMEVideoVP8
	case strings.EqualFold(m, webrtc.MimeTypeVP9):
		return MIMEVideoVP9
	case strings.EqualFold(m, webrtc.MimeTypeAV1):
		return MIMEVideoAV1
	case strings.EqualFold(m, webrtc.MimeTypeOpus):
		return MIMEAudioOpus
	}
	return strings.ToLower(m)
}

func (s *RTPSource) depacketizer() (rtp.Depacketizer, error) {
	switch s.cfg.Format.MIME {
	case MIMEVideoAVC:
		return &codecs.H264Packet{}, nil
	case MIMEVideoVP8:
		return &codecs.VP8Packet{}, nil
	}
	return nil, fmt.Errorf("%w: rtp depacketizing %s", ErrNotSupported, s.cfg.Format.MIME)
}

func (s *RTPSource) Format() Format { return s.cfg.Format }

// Start launches the packet reader. It keeps running until the reader
// fails or Stop is called.
func (s *RTPSource) Start(_ context.Context, _ *SourceParams) error {
	dp, err := s.depacketizer()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.err = nil
	s.haveBase = false
	s.wantSync = true
	s.units = make(chan *SourceBuffer, s.cfg.QueueSize)
	s.stop = make(chan struct{})
	go s.readLoop(samplebuilder.New(s.cfg.MaxLate, dp, s.cfg.ClockRate), s.units, s.stop)
	return nil
}

func (s *RTPSource) readLoop(sb *samplebuilder.SampleBuilder, units chan<- *SourceBuffer, stop <-chan struct{}) {
	defer close(units)
	for {
		pkt, err := s.reader.ReadRTP()
		if err != nil {
			s.mu.Lock()
			if !errors.Is(err, io.EOF) {
				s.err = err
			}
			s.mu.Unlock()
			s.log.Debug("rtp reader finished", zap.Error(err))
			return
		}
		sb.Push(pkt)
		for smp := sb.Pop(); smp != nil; smp = sb.Pop() {
			select {
			case units <- s.unit(smp):
			case <-stop:
				return
			}
		}
	}
}

func (s *RTPSource) unit(smp *media.Sample) *SourceBuffer {
	s.mu.Lock()
	if !s.haveBase {
		s.base = smp.PacketTimestamp
		s.haveBase = true
	}
	delta := smp.PacketTimestamp - s.base
	s.mu.Unlock()

	ts := time.Duration(int64(delta) * int64(time.Second) / int64(s.cfg.ClockRate))
	b := NewSourceBuffer(smp.Data, ts, nil)
	switch s.cfg.Format.MIME {
	case MIMEVideoAVC:
		b.Sync = containsIDR(smp.Data)
	case MIMEVideoVP8:
		b.Sync = len(smp.Data) > 0 && smp.Data[0]&0x01 == 0
	default:
		b.Sync = true
	}
	return b
}

// Read returns the next assembled unit. A seek is served by resuming at
// the next sync unit.
func (s *RTPSource) Read(ctx context.Context, opts *ReadOptions) (*SourceBuffer, error) {
	s.mu.Lock()
	units := s.units
	if units == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: rtp source not started", ErrInvalidState)
	}
	if opts != nil && opts.Seek != nil {
		s.wantSync = true
		s.mu.Unlock()
		s.dropQueued(units)
		s.RequestKeyframe()
		s.mu.Lock()
	}
	s.mu.Unlock()

	for {
		select {
		case b, ok := <-units:
			if !ok {
				s.mu.Lock()
				err := s.err
				s.mu.Unlock()
				if err != nil {
					return nil, err
				}
				return nil, ErrEndOfStream
			}
			s.mu.Lock()
			skip := s.wantSync && !b.Sync
			if !skip {
				s.wantSync = false
			}
			s.mu.Unlock()
			if skip {
				continue
			}
			return b, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *RTPSource) dropQueued(units <-chan *SourceBuffer) {
	for {
		select {
		case _, ok := <-units:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// RequestKeyframe sends a picture loss indication to the sender.
func (s *RTPSource) RequestKeyframe() {
	if s.cfg.RTCP == nil {
		return
	}
	err := s.cfg.RTCP.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: s.cfg.SSRC},
	})
	if err != nil {
		s.log.Warn("keyframe request failed", zap.Error(err))
	}
}

// Stop ends delivery. The reader goroutine exits once its current
// ReadRTP returns.
func (s *RTPSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	close(s.stop)
	return nil
}
