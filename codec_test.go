package omx

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const testComponent = "OMX.sim.test.decoder"

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	cfg.CommandTimeout = 2 * time.Second
	cfg.OutputTimeout = 2 * time.Second
	return cfg
}

func testSimConfig(t *testing.T) SimConfig {
	t.Helper()
	cfg := DefaultSimConfig()
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

// testUnits builds n units of size bytes, 33ms apart, with a sync unit
// every fifth.
func testUnits(n, size int) []MemoryUnit {
	units := make([]MemoryUnit, n)
	for i := range units {
		units[i] = MemoryUnit{
			Data: bytes.Repeat([]byte{byte(i + 1)}, size),
			Time: time.Duration(i) * 33 * time.Millisecond,
			Sync: i%5 == 0,
		}
	}
	return units
}

// newTestCodec builds a codec for comp the way Create does, bypassing
// the component table.
func newTestCodec(t *testing.T, host NodeHost, comp Component, src Source, cfg Config) *Codec {
	t.Helper()
	if comp.Name == "" {
		comp.Name = testComponent
	}
	if comp.MIME == "" {
		comp.MIME = MIMEVideoVP8
	}
	c := newCodec(host, comp, src, cfg)
	node, err := host.AllocateNode(comp.Name, c.mbox)
	if err != nil {
		c.shutdownDispatch()
		t.Fatalf("Failed to allocate node: %v", err)
	}
	c.node = node
	if err := c.configure(src.Format()); err != nil {
		_ = node.Free()
		c.shutdownDispatch()
		t.Fatalf("Failed to configure: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return c
}

func startCodec(t *testing.T, c *Codec) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if c.State() != StateExecuting {
		t.Fatalf("State = %v, want Executing", c.State())
	}
}

func stopCodec(t *testing.T, c *Codec) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if c.State() != StateLoaded {
		t.Fatalf("State after stop = %v, want Loaded", c.State())
	}
}

type readResult struct {
	ts            []time.Duration
	data          [][]byte
	formatChanges int
}

// readAll reads and releases buffers until Read fails.
func readAll(t *testing.T, c *Codec, opts *ReadOptions) (readResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var res readResult
	for {
		b, err := c.Read(ctx, opts)
		opts = nil
		if errors.Is(err, ErrFormatChanged) {
			res.formatChanges++
			continue
		}
		if err != nil {
			return res, err
		}
		res.ts = append(res.ts, b.Timestamp())
		res.data = append(res.data, bytes.Clone(b.Bytes()))
		if err := b.Release(); err != nil {
			t.Fatalf("Failed to release buffer: %v", err)
		}
	}
}

func simNode(t *testing.T, host *SimHost) *SimNode {
	t.Helper()
	nodes := host.Nodes()
	if len(nodes) == 0 {
		t.Fatal("no node allocated")
	}
	return nodes[len(nodes)-1]
}

func TestCodecEndToEnd(t *testing.T) {
	units := testUnits(10, 1000)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8, Width: 320, Height: 240}, units)
	src.MarkLastUnit(true)

	host := NewSimHost(testSimConfig(t))
	c := newTestCodec(t, host, Component{}, src, testConfig(t))
	startCodec(t, c)

	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v, want ErrEndOfStream", err)
	}
	if len(res.ts) != len(units) {
		t.Fatalf("Read %d buffers, want %d", len(res.ts), len(units))
	}
	for i, u := range units {
		if res.ts[i] != u.Time {
			t.Errorf("Buffer %d timestamp = %v, want %v", i, res.ts[i], u.Time)
		}
		if !bytes.Equal(res.data[i], u.Data) {
			t.Errorf("Buffer %d payload mismatch", i)
		}
	}

	// End of stream is sticky.
	if _, err := c.Read(context.Background(), nil); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("Read after EOS = %v, want ErrEndOfStream", err)
	}

	stopCodec(t, c)

	st := simNode(t, host).Stats()
	if st.Live != 0 {
		t.Errorf("Node holds %d live buffers after stop", st.Live)
	}
	if st.Violations != 0 || c.violations != 0 {
		t.Errorf("Ownership violations: node=%d codec=%d", st.Violations, c.violations)
	}
	if n := src.Outstanding(); n != 0 {
		t.Errorf("Source has %d unreleased units", n)
	}
	for _, p := range c.ports {
		if len(p.buffers) != 0 {
			t.Errorf("Port %v still has %d buffers", p.index, len(p.buffers))
		}
	}
}

func TestCodecSeparateEndOfStreamRead(t *testing.T) {
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(7, 500))
	c := newTestCodec(t, NewSimHost(testSimConfig(t)), Component{}, src, testConfig(t))
	startCodec(t, c)

	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v, want ErrEndOfStream", err)
	}
	if len(res.ts) != 7 {
		t.Errorf("Read %d buffers, want 7", len(res.ts))
	}
	stopCodec(t, c)
}

func TestCodecStartStopRandomDelays(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		simCfg := testSimConfig(t)
		simCfg.Seed = seed
		simCfg.MaxDelay = 3 * time.Millisecond
		host := NewSimHost(simCfg)

		src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(20, 800))
		c := newTestCodec(t, host, Component{}, src, testConfig(t))

		startCodec(t, c)
		if seed%2 == 0 {
			// Get some buffers in flight before stopping.
			b, err := c.Read(context.Background(), nil)
			if err != nil {
				t.Fatalf("seed %d: Read: %v", seed, err)
			}
			if err := b.Release(); err != nil {
				t.Fatalf("seed %d: Release: %v", seed, err)
			}
		}
		stopCodec(t, c)

		if st := simNode(t, host).Stats(); st.Live != 0 {
			t.Errorf("seed %d: node holds %d live buffers", seed, st.Live)
		}
	}
}

func TestCodecRestart(t *testing.T) {
	units := testUnits(10, 1000)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
	src.MarkLastUnit(true)
	c := newTestCodec(t, NewSimHost(testSimConfig(t)), Component{}, src, testConfig(t))

	for round := 0; round < 2; round++ {
		startCodec(t, c)
		res, err := readAll(t, c, nil)
		if !errors.Is(err, ErrEndOfStream) {
			t.Fatalf("round %d: Read error = %v", round, err)
		}
		if len(res.ts) != len(units) {
			t.Errorf("round %d: read %d buffers, want %d", round, len(res.ts), len(units))
		}
		stopCodec(t, c)
	}
}

func TestCodecStartFault(t *testing.T) {
	simCfg := testSimConfig(t)
	simCfg.FailTransition = NodeStateExecuting
	host := NewSimHost(simCfg)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(4, 100))
	c := newTestCodec(t, host, Component{}, src, testConfig(t))

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded, want error")
	}
	if !errors.Is(err, ErrUnknown) {
		t.Errorf("Start error = %v, want ErrUnknown", err)
	}
	var nerr *NodeError
	if !errors.As(err, &nerr) || nerr.Code != ErrorInsufficientResources {
		t.Errorf("Start error = %v, want node InsufficientResources", err)
	}
	if c.State() != StateError {
		t.Errorf("State = %v, want Error", c.State())
	}

	// Read reports the same failure.
	if _, err := c.Read(context.Background(), nil); !errors.Is(err, ErrUnknown) {
		t.Errorf("Read in error = %v, want ErrUnknown", err)
	}

	stopCodec(t, c)
	if st := simNode(t, host).Stats(); st.Live != 0 {
		t.Errorf("Node holds %d live buffers", st.Live)
	}
}

func TestCodecFaultWhileDecoding(t *testing.T) {
	simCfg := testSimConfig(t)
	simCfg.FaultAfterFills = 5
	host := NewSimHost(simCfg)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(20, 500))
	c := newTestCodec(t, host, Component{}, src, testConfig(t))
	startCodec(t, c)

	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrUnknown) {
		t.Fatalf("Read error = %v, want ErrUnknown", err)
	}
	if len(res.ts) > 5 {
		t.Errorf("Read %d buffers after fault at 5", len(res.ts))
	}
	if c.State() != StateError {
		t.Errorf("State = %v, want Error", c.State())
	}

	stopCodec(t, c)
	if st := simNode(t, host).Stats(); st.Live != 0 {
		t.Errorf("Node holds %d live buffers", st.Live)
	}
}

func TestCodecOperationsInWrongState(t *testing.T) {
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(2, 100))
	c := newTestCodec(t, NewSimHost(testSimConfig(t)), Component{}, src, testConfig(t))

	if _, err := c.Read(context.Background(), nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Read before start = %v, want ErrInvalidState", err)
	}
	if err := c.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Pause before start = %v, want ErrInvalidState", err)
	}
	// Stop from Loaded is a no-op.
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop before start = %v", err)
	}
}

func TestCodecReturnBufferTwice(t *testing.T) {
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(6, 100))
	c := newTestCodec(t, NewSimHost(testSimConfig(t)), Component{}, src, testConfig(t))
	startCodec(t, c)

	b, err := c.Read(context.Background(), nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := b.Release(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Second release = %v, want ErrInvalidState", err)
	}
	stopCodec(t, c)
}

func TestCodecBufferDetachedByStop(t *testing.T) {
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(6, 100))
	host := NewSimHost(testSimConfig(t))
	c := newTestCodec(t, host, Component{}, src, testConfig(t))
	startCodec(t, c)

	b, err := c.Read(context.Background(), nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	stopCodec(t, c)

	// The buffer was freed with the port; returning it is a no-op.
	if err := b.Release(); err != nil {
		t.Errorf("Release after stop = %v", err)
	}
	if st := simNode(t, host).Stats(); st.Live != 0 {
		t.Errorf("Node holds %d live buffers", st.Live)
	}
}

func TestCodecSeek(t *testing.T) {
	units := testUnits(40, 600)
	target := units[17].Time

	tests := []struct {
		name      string
		mode      SeekMode
		wantFirst time.Duration // lower bound on the first delivered timestamp
	}{
		{"closest", SeekClosest, target},
		{"previous-sync", SeekPreviousSync, units[15].Time},
		{"next-sync", SeekNextSync, units[20].Time},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			simCfg := testSimConfig(t)
			simCfg.ReorderDepth = 2
			simCfg.Seed = 7
			src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
			src.MarkLastUnit(true)
			c := newTestCodec(t, NewSimHost(simCfg), Component{}, src, testConfig(t))
			startCodec(t, c)

			ctx := context.Background()
			for i := 0; i < 3; i++ {
				b, err := c.Read(ctx, nil)
				if err != nil {
					t.Fatalf("Read %d: %v", i, err)
				}
				b.Release()
			}

			b, err := c.Read(ctx, &ReadOptions{Seek: &Seek{Time: target, Mode: tt.mode}})
			if err != nil {
				t.Fatalf("Read with seek: %v", err)
			}
			if b.Timestamp() < tt.wantFirst {
				t.Errorf("First buffer after seek at %v, want >= %v", b.Timestamp(), tt.wantFirst)
			}
			b.Release()

			if _, err := readAll(t, c, nil); !errors.Is(err, ErrEndOfStream) {
				t.Errorf("Read after seek ended with %v, want ErrEndOfStream", err)
			}
			stopCodec(t, c)
			if c.violations != 0 {
				t.Errorf("Codec saw %d ownership violations", c.violations)
			}
		})
	}
}

func TestCodecSeekBeforeFirstRead(t *testing.T) {
	units := testUnits(30, 400)
	target := units[12].Time
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
	c := newTestCodec(t, NewSimHost(testSimConfig(t)), Component{}, src, testConfig(t))
	startCodec(t, c)

	res, err := readAll(t, c, &ReadOptions{Seek: &Seek{Time: target, Mode: SeekClosest}})
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v", err)
	}
	if len(res.ts) == 0 || res.ts[0] != target {
		t.Fatalf("First timestamps %v, want to start at %v", res.ts, target)
	}
	// Units 10 and 11 were decoded from the sync point and dropped.
	if want := len(units) - 12; len(res.ts) != want {
		t.Errorf("Read %d buffers, want %d", len(res.ts), want)
	}
	stopCodec(t, c)
}

func TestCodecTargetTimeFromSource(t *testing.T) {
	units := testUnits(10, 200)
	src := &targetSource{MemorySource: NewMemorySource(Format{MIME: MIMEVideoVP8}, units), target: units[4].Time}
	c := newTestCodec(t, NewSimHost(testSimConfig(t)), Component{}, src, testConfig(t))
	startCodec(t, c)

	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v", err)
	}
	if len(res.ts) != 6 || res.ts[0] != units[4].Time {
		t.Errorf("Timestamps %v, want 6 starting at %v", res.ts, units[4].Time)
	}
	stopCodec(t, c)
}

// targetSource stamps its first unit with a target time.
type targetSource struct {
	*MemorySource
	target time.Duration
	sent   bool
}

func (s *targetSource) Read(ctx context.Context, opts *ReadOptions) (*SourceBuffer, error) {
	b, err := s.MemorySource.Read(ctx, opts)
	if err == nil && !s.sent {
		s.sent = true
		b.TargetTime, b.HasTargetTime = s.target, true
	}
	return b, err
}

func TestCodecReconfiguration(t *testing.T) {
	simCfg := testSimConfig(t)
	simCfg.PortSettingsChangeAfter = 3
	simCfg.ReconfigBufferCount = 6
	simCfg.ReconfigWidth, simCfg.ReconfigHeight = 640, 480
	host := NewSimHost(simCfg)

	units := testUnits(10, 1000)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8, Width: 320, Height: 240}, units)
	src.MarkLastUnit(true)
	c := newTestCodec(t, host, Component{}, src, testConfig(t))
	startCodec(t, c)

	if got := len(c.ports[PortOutput].buffers); got != 4 {
		t.Fatalf("Output port has %d buffers, want 4", got)
	}

	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v, want ErrEndOfStream", err)
	}
	if len(res.ts) != len(units) {
		t.Fatalf("Read %d buffers, want %d", len(res.ts), len(units))
	}
	for i, u := range units {
		if res.ts[i] != u.Time {
			t.Errorf("Buffer %d timestamp = %v, want %v", i, res.ts[i], u.Time)
		}
	}
	if res.formatChanges != 1 {
		t.Errorf("Saw %d format changes, want 1", res.formatChanges)
	}
	if f := c.Format(); f.Width != 640 || f.Height != 480 {
		t.Errorf("Format = %v, want 640x480", f)
	}

	c.mu.Lock()
	got := len(c.ports[PortOutput].buffers)
	c.mu.Unlock()
	if got != 6 {
		t.Errorf("Output port has %d buffers after reconfiguration, want 6", got)
	}

	stopCodec(t, c)
	st := simNode(t, host).Stats()
	// 4 input + 4 output, then 6 output after the port came back.
	if st.Allocated != 14 || st.Freed != 14 {
		t.Errorf("Allocated %d / freed %d buffers, want 14 / 14", st.Allocated, st.Freed)
	}
}

func TestCodecReconfigurationWithFlushQuirk(t *testing.T) {
	simCfg := testSimConfig(t)
	simCfg.PortSettingsChangeAfter = 2
	simCfg.ReconfigBufferCount = 5
	host := NewSimHost(simCfg)

	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(12, 300))
	src.MarkLastUnit(true)
	c := newTestCodec(t, host, Component{Quirks: NeedsFlushBeforeDisable}, src, testConfig(t))
	startCodec(t, c)

	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v", err)
	}
	if len(res.ts) != 12 {
		t.Errorf("Read %d buffers, want 12", len(res.ts))
	}
	// Only the size changed, so the format is not reported as changed.
	if res.formatChanges != 0 {
		t.Errorf("Saw %d format changes, want 0", res.formatChanges)
	}
	stopCodec(t, c)
	if st := simNode(t, host).Stats(); st.Flushes[PortOutput] == 0 {
		t.Error("Output port was not flushed before disable")
	}
}

func TestFlushCompletionEmulatedWhenNodeHoldsNothing(t *testing.T) {
	simCfg := testSimConfig(t)
	simCfg.WithholdFlushWhenEmpty = true
	host := NewSimHost(simCfg)

	units := testUnits(20, 300)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
	c := newTestCodec(t, host, Component{Quirks: RequiresFlushCompleteEmulation}, src, testConfig(t))
	startCodec(t, c)

	// Nothing was submitted yet, so every buffer is ours.
	c.mu.Lock()
	err := c.seekLocked(context.Background(), Seek{Time: units[10].Time, Mode: SeekClosest})
	in, out := c.ports[PortInput].state, c.ports[PortOutput].state
	c.mu.Unlock()
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if in != PortEnabled || out != PortEnabled {
		t.Errorf("Port states after seek = %v/%v, want Enabled/Enabled", in, out)
	}
	if st := simNode(t, host).Stats(); st.Flushes != [2]int{} {
		t.Errorf("Node saw flushes %v, want none", st.Flushes)
	}

	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v", err)
	}
	if len(res.ts) == 0 || res.ts[0] < units[10].Time {
		t.Errorf("First buffer after seek at %v, want >= %v", res.ts, units[10].Time)
	}
	stopCodec(t, c)
}

func TestFlushBeforeShutdownEmulated(t *testing.T) {
	simCfg := testSimConfig(t)
	simCfg.WithholdFlushWhenEmpty = true
	host := NewSimHost(simCfg)

	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(8, 300))
	src.MarkLastUnit(true)
	comp := Component{Quirks: RequiresFlushBeforeShutdown | RequiresFlushCompleteEmulation}
	cfg := testConfig(t)
	c := newTestCodec(t, host, comp, src, cfg)
	startCodec(t, c)

	if _, err := readAll(t, c, nil); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v", err)
	}

	start := time.Now()
	stopCodec(t, c)
	if d := time.Since(start); d >= cfg.CommandTimeout {
		t.Errorf("Stop took %v, flush completion was not emulated", d)
	}
	// The node still holds the output buffers it was never able to fill,
	// so only the input flush is emulated.
	if st := simNode(t, host).Stats(); st.Flushes[PortInput] != 0 {
		t.Errorf("Node saw %d input flushes, want none", st.Flushes[PortInput])
	}
}

func TestFlushBeforeShutdownWithBuffersAtNode(t *testing.T) {
	host := NewSimHost(testSimConfig(t))
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(30, 300))
	c := newTestCodec(t, host, Component{Quirks: RequiresFlushBeforeShutdown}, src, testConfig(t))
	startCodec(t, c)

	b, err := c.Read(context.Background(), nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	b.Release()
	stopCodec(t, c)

	st := simNode(t, host).Stats()
	if st.Flushes[PortInput] != 1 || st.Flushes[PortOutput] != 1 {
		t.Errorf("Node saw flushes %v, want one per port", st.Flushes)
	}
	if st.Live != 0 {
		t.Errorf("Node holds %d live buffers", st.Live)
	}
}

func TestCodecLoadedToIdleAfterAllocation(t *testing.T) {
	host := NewSimHost(testSimConfig(t))
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(5, 100))
	src.MarkLastUnit(true)
	c := newTestCodec(t, host, Component{Quirks: RequiresLoadedToIdleAfterAllocation}, src, testConfig(t))
	startCodec(t, c)
	if res, err := readAll(t, c, nil); !errors.Is(err, ErrEndOfStream) || len(res.ts) != 5 {
		t.Fatalf("Read %d buffers, err %v", len(res.ts), err)
	}
	stopCodec(t, c)

	states := simNode(t, host).Stats().States
	want := []NodeState{NodeStateIdle, NodeStateExecuting, NodeStateIdle, NodeStateLoaded}
	if len(states) != len(want) {
		t.Fatalf("Node states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("Node state %d = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestCodecPause(t *testing.T) {
	tests := []struct {
		name   string
		quirks Quirks
		want   State
	}{
		{"local", 0, StateExecuting},
		{"node", SupportsPauseState, StatePaused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units := testUnits(12, 200)
			src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
			src.MarkLastUnit(true)
			c := newTestCodec(t, NewSimHost(testSimConfig(t)), Component{Quirks: tt.quirks}, src, testConfig(t))
			startCodec(t, c)

			b, err := c.Read(context.Background(), nil)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			b.Release()

			if err := c.Pause(); err != nil {
				t.Fatalf("Pause: %v", err)
			}
			if c.State() != tt.want {
				t.Errorf("State after pause = %v, want %v", c.State(), tt.want)
			}
			if err := c.Start(context.Background()); err != nil {
				t.Fatalf("Resume: %v", err)
			}
			if c.State() != StateExecuting {
				t.Errorf("State after resume = %v, want Executing", c.State())
			}

			res, err := readAll(t, c, nil)
			if !errors.Is(err, ErrEndOfStream) {
				t.Fatalf("Read error = %v", err)
			}
			if len(res.ts) != len(units)-1 {
				t.Errorf("Read %d buffers after resume, want %d", len(res.ts), len(units)-1)
			}
			stopCodec(t, c)
		})
	}
}

func TestCodecCodecConfigSubmittedFirst(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1e}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	avcC := []byte{0x01, 0x42, 0x00, 0x1e, 0xff, 0xe1, 0x00, 0x04}
	avcC = append(avcC, sps...)
	avcC = append(avcC, 0x01, 0x00, 0x04)
	avcC = append(avcC, pps...)

	host := NewSimHost(testSimConfig(t))
	src := NewMemorySource(Format{MIME: MIMEVideoAVC, CSD: [][]byte{avcC}}, testUnits(3, 100))
	src.MarkLastUnit(true)
	c := newTestCodec(t, host, Component{MIME: MIMEVideoAVC}, src, testConfig(t))

	c.mu.Lock()
	csd := c.csd
	c.mu.Unlock()
	if len(csd) != 2 || !bytes.Equal(csd[0], sps) || !bytes.Equal(csd[1], pps) {
		t.Fatalf("Codec config = %x, want SPS and PPS", csd)
	}

	startCodec(t, c)
	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v", err)
	}
	// Config units are consumed by the node, not decoded.
	if len(res.ts) != 3 {
		t.Errorf("Read %d buffers, want 3", len(res.ts))
	}
	stopCodec(t, c)
	if st := simNode(t, host).Stats(); st.Consumed != 5 {
		t.Errorf("Node consumed %d input buffers, want 5", st.Consumed)
	}
}

func TestCodecUnitTooLarge(t *testing.T) {
	simCfg := testSimConfig(t)
	simCfg.InputBufferSize = 512
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(3, 1000))
	c := newTestCodec(t, NewSimHost(simCfg), Component{}, src, testConfig(t))
	startCodec(t, c)

	_, err := c.Read(context.Background(), nil)
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("Read error = %v, want ErrBufferTooSmall", err)
	}
	stopCodec(t, c)
}

func TestCodecCoalescesUnits(t *testing.T) {
	host := NewSimHost(testSimConfig(t))
	units := testUnits(12, 100)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
	src.MarkLastUnit(true)
	c := newTestCodec(t, host, Component{Quirks: SupportsMultipleFramesPerInputBuffer}, src, testConfig(t))
	startCodec(t, c)

	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v", err)
	}
	total := 0
	for _, d := range res.data {
		total += len(d)
	}
	if total != 12*100 {
		t.Errorf("Decoded %d bytes, want %d", total, 12*100)
	}
	if len(res.ts) >= len(units) {
		t.Errorf("Read %d buffers, want fewer than %d with coalescing", len(res.ts), len(units))
	}
	stopCodec(t, c)
}

func TestCodecCorruptUnitsAreRetried(t *testing.T) {
	units := testUnits(6, 100)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
	src.MarkLastUnit(true)
	src.InjectCorrupt(2, 3)
	c := newTestCodec(t, NewSimHost(testSimConfig(t)), Component{}, src, testConfig(t))
	startCodec(t, c)

	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v, want ErrEndOfStream", err)
	}
	if len(res.ts) != len(units) {
		t.Errorf("Read %d buffers, want %d", len(res.ts), len(units))
	}
	stopCodec(t, c)
}

func TestCodecSourceErrorEndsStream(t *testing.T) {
	src := &failingSource{MemorySource: NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(3, 100))}
	c := newTestCodec(t, NewSimHost(testSimConfig(t)), Component{}, src, testConfig(t))
	startCodec(t, c)

	res, err := readAll(t, c, nil)
	if !errors.Is(err, errSourceBroken) {
		t.Fatalf("Read error = %v, want the source error", err)
	}
	if len(res.ts) != 3 {
		t.Errorf("Read %d buffers, want 3", len(res.ts))
	}
	stopCodec(t, c)
}

var errSourceBroken = errors.New("source broken")

type failingSource struct {
	*MemorySource
}

func (s *failingSource) Read(ctx context.Context, opts *ReadOptions) (*SourceBuffer, error) {
	b, err := s.MemorySource.Read(ctx, opts)
	if errors.Is(err, ErrEndOfStream) {
		return nil, errSourceBroken
	}
	return b, err
}

func TestCodecAllocationStrategies(t *testing.T) {
	tests := []struct {
		name   string
		quirks Quirks
		remote bool
		defer_ bool
	}{
		{"use-buffer", 0, false, false},
		{"allocate-input", RequiresAllocateBufferOnInputPorts, false, false},
		{"allocate-output", RequiresAllocateBufferOnOutputPorts, false, false},
		{"remote-use-buffer", 0, true, false},
		{"remote-backup", RequiresAllocateBufferOnInputPorts | RequiresAllocateBufferOnOutputPorts, true, false},
		{"remote-no-memcpy-output", RequiresAllocateBufferOnOutputPorts | DoesNotRequireMemcpyOnOutputPort, true, false},
		{"deferred-output", RequiresAllocateBufferOnOutputPorts | DefersOutputBufferAllocation, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			simCfg := testSimConfig(t)
			simCfg.Remote = tt.remote
			simCfg.DeferOutputAllocation = tt.defer_
			units := testUnits(8, 700)
			src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
			src.MarkLastUnit(true)
			host := NewSimHost(simCfg)
			c := newTestCodec(t, host, Component{Quirks: tt.quirks}, src, testConfig(t))
			startCodec(t, c)

			res, err := readAll(t, c, nil)
			if !errors.Is(err, ErrEndOfStream) {
				t.Fatalf("Read error = %v", err)
			}
			if len(res.ts) != len(units) {
				t.Fatalf("Read %d buffers, want %d", len(res.ts), len(units))
			}
			for i, u := range units {
				if !bytes.Equal(res.data[i], u.Data) {
					t.Errorf("Buffer %d payload mismatch", i)
				}
			}
			stopCodec(t, c)
			if st := simNode(t, host).Stats(); st.Live != 0 {
				t.Errorf("Node holds %d live buffers", st.Live)
			}
		})
	}
}

func TestCodecUnreadableOutput(t *testing.T) {
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, testUnits(3, 100))
	src.MarkLastUnit(true)
	c := newTestCodec(t, NewSimHost(testSimConfig(t)), Component{Quirks: OutputBuffersAreUnreadable}, src, testConfig(t))
	startCodec(t, c)

	b, err := c.Read(context.Background(), nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !b.Unreadable() || b.Bytes() != nil {
		t.Errorf("Unreadable = %v, Bytes = %d bytes; want opaque output", b.Unreadable(), len(b.Bytes()))
	}
	if b.Len() != 100 {
		t.Errorf("Len = %d, want 100", b.Len())
	}
	b.Release()
	stopCodec(t, c)
}

func TestCodecEncoder(t *testing.T) {
	units := testUnits(6, 320*240*3/2)
	src := NewMemorySource(Format{MIME: MIMEVideoRaw, Width: 320, Height: 240}, units)
	src.MarkLastUnit(true)

	simCfg := testSimConfig(t)
	simCfg.Transform = func(in []byte) []byte { return in[:64] }
	host := NewSimHost(simCfg)
	comp := Component{Name: SimAVCEncoder, MIME: MIMEVideoAVC, Encoder: true, Quirks: StoreMetaDataInInputVideoBuffers}
	c := newCodec(host, comp, src, testConfig(t))
	node, err := host.AllocateNode(comp.Name, c.mbox)
	if err != nil {
		t.Fatalf("AllocateNode: %v", err)
	}
	c.node = node
	if err := c.configure(Format{MIME: MIMEVideoAVC, Width: 320, Height: 240}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	in := &PortDefinition{Port: PortInput}
	if err := node.GetParameter(in); err != nil {
		t.Fatalf("GetParameter: %v", err)
	}
	if in.Size < 320*240*3/2 || in.MIME != MIMEVideoRaw {
		t.Errorf("Input port = %+v, want raw frames of at least %d bytes", in, 320*240*3/2)
	}
	if f := c.Format(); f.MIME != MIMEVideoAVC {
		t.Errorf("Output format = %v, want %s", f, MIMEVideoAVC)
	}

	startCodec(t, c)
	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v", err)
	}
	if len(res.ts) != len(units) {
		t.Errorf("Encoded %d frames, want %d", len(res.ts), len(units))
	}
	stopCodec(t, c)
}

func TestCodecNativeWindow(t *testing.T) {
	window := NewBufferQueue(BufferQueueConfig{Logger: zaptest.NewLogger(t)})
	cfg := testConfig(t)
	cfg.Window = window

	units := testUnits(10, 1000)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8, Width: 320, Height: 240}, units)
	src.MarkLastUnit(true)
	host := NewSimHost(testSimConfig(t))
	c := newTestCodec(t, host, Component{}, src, cfg)
	startCodec(t, c)

	// 4 node buffers plus the 2 the consumer keeps.
	if n := len(c.ports[PortOutput].buffers); n != 6 {
		t.Errorf("Output port has %d buffers, want 6", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumed := make(chan int, 1)
	go func() {
		n := 0
		defer func() { consumed <- n }()
		for {
			gb, err := window.AcquireBuffer(ctx)
			if err != nil {
				return
			}
			n++
			window.ReleaseBuffer(gb)
		}
	}()

	rendered := 0
	for {
		b, err := c.Read(context.Background(), nil)
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if b.Graphic() == nil {
			t.Fatal("Buffer has no graphic buffer")
		}
		// Render every other frame, drop the rest.
		if rendered%2 == 0 {
			err = b.Render()
		} else {
			err = b.Release()
		}
		if err != nil {
			t.Fatalf("Return buffer: %v", err)
		}
		rendered++
	}
	if rendered != len(units) {
		t.Errorf("Read %d buffers, want %d", rendered, len(units))
	}

	stopCodec(t, c)
	cancel()
	if n := <-consumed; n != 5 {
		t.Errorf("Consumer displayed %d buffers, want 5", n)
	}
	if n := window.Dequeued(); n != 0 {
		t.Errorf("Window has %d buffers still dequeued", n)
	}
	if st := simNode(t, host).Stats(); st.Live != 0 {
		t.Errorf("Node holds %d live buffers", st.Live)
	}
}

// waitCodec polls cond under the codec lock.
func waitCodec(t *testing.T, c *Codec, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		ok := cond()
		c.mu.Unlock()
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCodecHeldFramesSurviveInputRefill(t *testing.T) {
	simCfg := testSimConfig(t)
	simCfg.ReorderDepth = 2
	// Hand back the input memory itself; the node must not keep it.
	simCfg.Transform = func(in []byte) []byte { return in }
	host := NewSimHost(simCfg)

	units := testUnits(12, 500)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
	src.MarkLastUnit(true)
	c := newTestCodec(t, host, Component{}, src, testConfig(t))
	startCodec(t, c)

	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v, want ErrEndOfStream", err)
	}
	if len(res.ts) != len(units) {
		t.Fatalf("Read %d buffers, want %d", len(res.ts), len(units))
	}
	byTime := make(map[time.Duration][]byte, len(units))
	for _, u := range units {
		byTime[u.Time] = u.Data
	}
	for i, ts := range res.ts {
		if !bytes.Equal(res.data[i], byTime[ts]) {
			t.Errorf("Buffer at %v carries another unit's payload", ts)
		}
	}
	stopCodec(t, c)
}

func TestCodecRestartWithPendingReconfiguration(t *testing.T) {
	simCfg := testSimConfig(t)
	simCfg.PortSettingsChangeAfter = 2
	host := NewSimHost(simCfg)

	units := testUnits(10, 400)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
	src.MarkLastUnit(true)
	c := newTestCodec(t, host, Component{}, src, testConfig(t))
	startCodec(t, c)

	var held []*Buffer
	for i := 0; i < 2; i++ {
		b, err := c.Read(context.Background(), nil)
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		held = append(held, b)
	}
	waitCodec(t, c, "deferred reconfiguration", func() bool { return c.pendingReconfig })
	stopCodec(t, c)
	for _, b := range held {
		if err := b.Release(); err != nil {
			t.Errorf("Release after stop: %v", err)
		}
	}

	startCodec(t, c)
	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read after restart = %v, want ErrEndOfStream", err)
	}
	if len(res.ts) != len(units) {
		t.Errorf("Read %d buffers after restart, want %d", len(res.ts), len(units))
	}
	stopCodec(t, c)
	if st := simNode(t, host).Stats(); st.Live != 0 || st.Violations != 0 {
		t.Errorf("Node live=%d violations=%d, want 0/0", st.Live, st.Violations)
	}
}

func TestCodecReconfigurationDeferredWhileClientHoldsBuffers(t *testing.T) {
	simCfg := testSimConfig(t)
	simCfg.PortSettingsChangeAfter = 3
	simCfg.ReconfigBufferCount = 6
	host := NewSimHost(simCfg)

	units := testUnits(10, 1000)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
	src.MarkLastUnit(true)
	c := newTestCodec(t, host, Component{}, src, testConfig(t))
	startCodec(t, c)

	var held []*Buffer
	for i := 0; i < 3; i++ {
		b, err := c.Read(context.Background(), nil)
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		held = append(held, b)
	}
	waitCodec(t, c, "deferred reconfiguration", func() bool { return c.pendingReconfig })

	c.mu.Lock()
	state, outState, n := c.state, c.ports[PortOutput].state, len(c.ports[PortOutput].buffers)
	c.mu.Unlock()
	if state != StateExecuting || outState != PortEnabled || n != 4 {
		t.Errorf("While held: state %v, port %v, %d buffers; want Executing, Enabled, 4", state, outState, n)
	}

	for i, b := range held {
		if err := b.Release(); err != nil {
			t.Fatalf("Release %d: %v", i, err)
		}
	}
	res, err := readAll(t, c, nil)
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v, want ErrEndOfStream", err)
	}
	if got := len(held) + len(res.ts); got != len(units) {
		t.Errorf("Delivered %d buffers, want %d", got, len(units))
	}
	for i, ts := range res.ts {
		if want := units[len(held)+i].Time; ts != want {
			t.Errorf("Buffer %d timestamp = %v, want %v", len(held)+i, ts, want)
		}
	}

	c.mu.Lock()
	pending, n := c.pendingReconfig, len(c.ports[PortOutput].buffers)
	c.mu.Unlock()
	if pending || n != 6 {
		t.Errorf("After release: pending=%v, %d output buffers; want false, 6", pending, n)
	}
	stopCodec(t, c)
}

func TestCodecSeekTargetSurvivesReconfiguration(t *testing.T) {
	simCfg := testSimConfig(t)
	// The first frame decoded after the seek lands before the target and
	// triggers the settings change while it is being skipped.
	simCfg.PortSettingsChangeAfter = 1
	simCfg.ReconfigBufferCount = 6
	simCfg.ReconfigWidth, simCfg.ReconfigHeight = 640, 480
	host := NewSimHost(simCfg)

	units := testUnits(40, 600)
	target := units[22].Time
	src := NewMemorySource(Format{MIME: MIMEVideoVP8, Width: 320, Height: 240}, units)
	src.MarkLastUnit(true)
	c := newTestCodec(t, host, Component{}, src, testConfig(t))
	startCodec(t, c)

	res, err := readAll(t, c, &ReadOptions{Seek: &Seek{Time: target, Mode: SeekClosest}})
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Read error = %v, want ErrEndOfStream", err)
	}
	if res.formatChanges != 1 {
		t.Errorf("Saw %d format changes, want 1", res.formatChanges)
	}
	if len(res.ts) != len(units)-22 {
		t.Fatalf("Read %d buffers, want %d", len(res.ts), len(units)-22)
	}
	if res.ts[0] != target {
		t.Errorf("First buffer at %v, want %v", res.ts[0], target)
	}
	for i, ts := range res.ts {
		if want := units[22+i].Time; ts != want {
			t.Errorf("Buffer %d timestamp = %v, want %v", i, ts, want)
		}
	}
	if st := simNode(t, host).Stats(); st.Filled < len(res.ts)+2 {
		t.Errorf("Node filled %d buffers, want the 2 skipped frames plus %d", st.Filled, len(res.ts))
	}
	stopCodec(t, c)
}

func TestCodecNativeWindowReconfiguration(t *testing.T) {
	window := NewBufferQueue(BufferQueueConfig{Logger: zaptest.NewLogger(t)})
	cfg := testConfig(t)
	cfg.Window = window

	simCfg := testSimConfig(t)
	simCfg.PortSettingsChangeAfter = 3
	simCfg.ReconfigBufferCount = 6
	host := NewSimHost(simCfg)

	units := testUnits(10, 1000)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8, Width: 320, Height: 240}, units)
	src.MarkLastUnit(true)
	c := newTestCodec(t, host, Component{}, src, cfg)
	startCodec(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			gb, err := window.AcquireBuffer(ctx)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			window.ReleaseBuffer(gb)
		}
	}()

	rendered := 0
	for {
		b, err := c.Read(context.Background(), nil)
		if errors.Is(err, ErrFormatChanged) {
			continue
		}
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if err := b.Render(); err != nil {
			t.Fatalf("Render: %v", err)
		}
		rendered++
	}
	if rendered != len(units) {
		t.Errorf("Rendered %d buffers, want %d", rendered, len(units))
	}

	c.mu.Lock()
	n := len(c.ports[PortOutput].buffers)
	c.mu.Unlock()
	// 6 node buffers plus the 2 the consumer keeps.
	if n != 8 {
		t.Errorf("Output port has %d buffers after reconfiguration, want 8", n)
	}

	stopCodec(t, c)
	cancel()
	if n := window.Dequeued(); n != 0 {
		t.Errorf("Window has %d buffers still dequeued", n)
	}
	st := simNode(t, host).Stats()
	if st.Live != 0 || st.Violations != 0 || c.violations != 0 {
		t.Errorf("live=%d violations node=%d codec=%d, want 0", st.Live, st.Violations, c.violations)
	}
}

func TestCodecSeekFlushNeverCompletes(t *testing.T) {
	simCfg := testSimConfig(t)
	simCfg.WithholdFlushWhenEmpty = true
	host := NewSimHost(simCfg)

	units := testUnits(20, 300)
	src := NewMemorySource(Format{MIME: MIMEVideoVP8}, units)
	cfg := testConfig(t)
	cfg.CommandTimeout = 200 * time.Millisecond
	// Without the emulation quirk the codec waits for a completion the
	// node never sends.
	c := newTestCodec(t, host, Component{}, src, cfg)
	startCodec(t, c)

	c.mu.Lock()
	err := c.seekLocked(context.Background(), Seek{Time: units[10].Time})
	c.mu.Unlock()
	if !errors.Is(err, ErrUnknown) {
		t.Fatalf("Seek = %v, want ErrUnknown", err)
	}
	if c.State() != StateError {
		t.Errorf("State = %v, want Error", c.State())
	}
	if _, err := c.Read(context.Background(), nil); !errors.Is(err, ErrUnknown) {
		t.Errorf("Read after failed seek = %v, want ErrUnknown", err)
	}

	stopCodec(t, c)
	if st := simNode(t, host).Stats(); st.Live != 0 {
		t.Errorf("Node holds %d live buffers", st.Live)
	}
}
