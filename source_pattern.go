package omx

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// PatternType selects what a PatternSource draws.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Box moving in a circle
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// PatternConfig configures a PatternSource.
type PatternConfig struct {
	Width   int         // default 640
	Height  int         // default 480
	FPS     int         // default 30
	Pattern PatternType // default ColorBars
	// Frames ends the stream after that many frames. Zero is unbounded.
	Frames int
	// Realtime paces Read to FPS instead of returning frames as fast as
	// the codec takes them.
	Realtime bool

	SolidR, SolidG, SolidB uint8
	CheckerSize            int // default 32
}

// PatternSource generates raw I420 frames for encoders. Every frame is a
// sync unit, so seeks land exactly.
type PatternSource struct {
	cfg   PatternConfig
	frame time.Duration
	pool  sync.Pool

	mu      sync.Mutex
	n       int
	started bool
	epoch   time.Time
	rng     uint64
}

var _ Source = (*PatternSource)(nil)

func NewPatternSource(cfg PatternConfig) *PatternSource {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	cfg.Width &^= 1
	cfg.Height &^= 1
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.CheckerSize <= 0 {
		cfg.CheckerSize = 32
	}
	s := &PatternSource{
		cfg:   cfg,
		frame: time.Second / time.Duration(cfg.FPS),
		rng:   0x2545f4914f6cdd1d,
	}
	size := cfg.Width * cfg.Height * 3 / 2
	s.pool.New = func() any { return make([]byte, size) }
	return s
}

func (s *PatternSource) Format() Format {
	f := Format{
		MIME:        MIMEVideoRaw,
		Width:       s.cfg.Width,
		Height:      s.cfg.Height,
		ColorFormat: ColorFormatYUV420Planar,
		FrameRate:   s.cfg.FPS,
	}
	if s.cfg.Frames > 0 {
		f.Duration = time.Duration(s.cfg.Frames) * s.frame
	}
	return f
}

func (s *PatternSource) Start(_ context.Context, params *SourceParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.n = 0
	if params != nil && params.StartTime > 0 {
		s.n = int(params.StartTime / s.frame)
	}
	s.epoch = time.Now().Add(-time.Duration(s.n) * s.frame)
	return nil
}

func (s *PatternSource) Stop() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

func (s *PatternSource) Read(ctx context.Context, opts *ReadOptions) (*SourceBuffer, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: pattern source not started", ErrInvalidState)
	}
	if opts != nil && opts.Seek != nil {
		s.n = s.frameAt(*opts.Seek)
		s.epoch = time.Now().Add(-time.Duration(s.n) * s.frame)
	}
	if s.cfg.Frames > 0 && s.n >= s.cfg.Frames {
		s.mu.Unlock()
		return nil, ErrEndOfStream
	}
	n := s.n
	s.n++
	due := s.epoch.Add(time.Duration(n) * s.frame)
	s.mu.Unlock()

	if s.cfg.Realtime {
		if d := time.Until(due); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	data := s.pool.Get().([]byte)
	s.draw(data, n)
	b := NewSourceBuffer(data, time.Duration(n)*s.frame, func() { s.pool.Put(data) })
	b.Sync = true
	b.EndOfStream = s.cfg.Frames > 0 && n == s.cfg.Frames-1
	return b, nil
}

// frameAt maps a seek to a frame index; every frame is a sync frame.
func (s *PatternSource) frameAt(req Seek) int {
	t := max(req.Time, 0)
	switch req.Mode {
	case SeekNextSync:
		return int((t + s.frame - 1) / s.frame)
	case SeekClosestSync:
		return int((t + s.frame/2) / s.frame)
	default:
		return int(t / s.frame)
	}
}

// planes splits an I420 frame.
func (s *PatternSource) planes(data []byte) (y, u, v []byte) {
	ySize := s.cfg.Width * s.cfg.Height
	uvSize := ySize / 4
	return data[:ySize], data[ySize : ySize+uvSize], data[ySize+uvSize:]
}

func (s *PatternSource) draw(data []byte, n int) {
	y, u, v := s.planes(data)
	switch s.cfg.Pattern {
	case PatternGradient:
		s.drawGradient(y, u, v)
	case PatternCheckerboard:
		s.drawCheckerboard(y, u, v)
	case PatternSolidColor:
		s.drawSolid(y, u, v, s.cfg.SolidR, s.cfg.SolidG, s.cfg.SolidB)
	case PatternNoise:
		s.drawNoise(y, u, v)
	case PatternMovingBox:
		s.drawMovingBox(y, u, v, n)
	default:
		s.drawColorBars(y, u, v)
	}
}

// SMPTE color bars, simplified to eight bars.
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (s *PatternSource) drawColorBars(yp, up, vp []byte) {
	w, h := s.cfg.Width, s.cfg.Height
	barWidth := max(w/8, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgb := colorBarsRGB[min(x/barWidth, 7)]
			yv, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])
			yp[y*w+x] = yv
			if x%2 == 0 && y%2 == 0 {
				i := (y/2)*(w/2) + x/2
				up[i], vp[i] = u, v
			}
		}
	}
}

func (s *PatternSource) drawGradient(yp, up, vp []byte) {
	w, h := s.cfg.Width, s.cfg.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yp[y*w+x] = uint8(x * 255 / w)
		}
	}
	fill(up, 128)
	fill(vp, 128)
}

func (s *PatternSource) drawCheckerboard(yp, up, vp []byte) {
	w, h, size := s.cfg.Width, s.cfg.Height, s.cfg.CheckerSize
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/size)+(y/size))%2 == 0 {
				yp[y*w+x] = 235
			} else {
				yp[y*w+x] = 16
			}
		}
	}
	fill(up, 128)
	fill(vp, 128)
}

func (s *PatternSource) drawSolid(yp, up, vp []byte, r, g, b uint8) {
	yv, u, v := rgbToYUV(r, g, b)
	fill(yp, yv)
	fill(up, u)
	fill(vp, v)
}

func (s *PatternSource) drawNoise(yp, up, vp []byte) {
	// xorshift64; Read runs one frame at a time per source.
	s.mu.Lock()
	r := s.rng
	for i := range yp {
		r ^= r << 13
		r ^= r >> 7
		r ^= r << 17
		yp[i] = uint8(r)
	}
	s.rng = r
	s.mu.Unlock()
	fill(up, 128)
	fill(vp, 128)
}

func (s *PatternSource) drawMovingBox(yp, up, vp []byte, n int) {
	w, h := s.cfg.Width, s.cfg.Height
	fill(yp, 16)
	fill(up, 128)
	fill(vp, 128)

	box := max(min(w, h)/5, 2)
	radius := float64(min(w, h)) / 4
	angle := float64(n) * 0.05
	bx := w/2 + int(radius*math.Cos(angle)) - box/2
	by := h/2 + int(radius*math.Sin(angle)) - box/2
	for y := max(by, 0); y < by+box && y < h; y++ {
		for x := max(bx, 0); x < bx+box && x < w; x++ {
			yp[y*w+x] = 235
		}
	}
}

func fill(p []byte, v byte) {
	for i := range p {
		p[i] = v
	}
}

// rgbToYUV converts with BT.601 studio range.
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0
	return uint8(clampFloat(yf, 16, 235)), uint8(clampFloat(uf, 16, 240)), uint8(clampFloat(vf, 16, 240))
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
