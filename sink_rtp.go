package omx

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// DefaultMTU is the RTP packet size used when RTPSinkConfig.MTU is zero.
const DefaultMTU = 1200

// RTPPacketWriter accepts outgoing RTP packets. *webrtc.TrackLocalStaticRTP
// satisfies it.
type RTPPacketWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// RTPSinkConfig configures an RTPSink.
type RTPSinkConfig struct {
	MIME        string
	PayloadType uint8
	SSRC        uint32
	MTU         int
	ClockRate   uint32
}

// RTPSink packetizes encoder output and writes it as RTP. Codec config
// buffers are held back and sent in front of the next sync frame.
type RTPSink struct {
	w   RTPPacketWriter
	cfg RTPSinkConfig

	mu        sync.Mutex
	payloader rtp.Payloader
	sequencer rtp.Sequencer
	csd       []byte
	base      time.Duration
	started   bool

	packets uint64
	bytes   uint64
}

var _ Sink = (*RTPSink)(nil)

// NewRTPSink returns a sink writing to w.
func NewRTPSink(w RTPPacketWriter, cfg RTPSinkConfig) (*RTPSink, error) {
	if w == nil {
		return nil, fmt.Errorf("rtp writer is required")
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = 90000
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = 96
	}
	var pl rtp.Payloader
	switch cfg.MIME {
	case MIMEVideoAVC:
		pl = &codecs.H264Payloader{}
	case MIMEVideoVP8:
		pl = &codecs.VP8Payloader{}
	case MIMEVideoVP9:
		pl = &codecs.VP9Payloader{}
	case MIMEVideoAV1:
		pl = &codecs.AV1Payloader{}
	default:
		return nil, fmt.Errorf("%w: rtp payloader for %s", ErrNotSupported, cfg.MIME)
	}
	return &RTPSink{
		w:         w,
		cfg:       cfg,
		payloader: pl,
		sequencer: rtp.NewRandomSequencer(),
	}, nil
}

// WriteBuffer packetizes one output buffer.
func (s *RTPSink) WriteBuffer(b *Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := b.Bytes()
	if len(data) == 0 {
		return nil
	}
	if b.IsCodecConfig() {
		s.csd = append(s.csd, data...)
		return nil
	}
	if len(s.csd) > 0 && b.IsSync() {
		data = append(s.csd, data...)
		s.csd = nil
	}
	if !s.started {
		s.base = b.Timestamp()
		s.started = true
	}
	ts := uint32((b.Timestamp() - s.base) * time.Duration(s.cfg.ClockRate) / time.Second)

	payloads := s.payloader.Payload(uint16(s.cfg.MTU-12), data)
	for i, payload := range payloads {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    s.cfg.PayloadType,
				SequenceNumber: s.sequencer.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           s.cfg.SSRC,
			},
			Payload: payload,
		}
		if err := s.w.WriteRTP(pkt); err != nil {
			return fmt.Errorf("write rtp: %w", err)
		}
		s.packets++
		s.bytes += uint64(len(payload))
	}
	return nil
}

// Sent reports packets and payload bytes written so far.
func (s *RTPSink) Sent() (packets, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.bytes
}
