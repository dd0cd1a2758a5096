package omx

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SimConfig configures the in-process simulated node.
type SimConfig struct {
	InputBuffers     int // default 4
	OutputBuffers    int // default 4
	InputBufferSize  int // default 4096
	OutputBufferSize int // default 4096
	Width, Height    int // output picture size, default 320x240

	// Every batch of messages is delivered after a random delay in
	// [MinDelay, MaxDelay].
	MinDelay, MaxDelay time.Duration
	Seed               uint64

	// FailTransition makes the StateSet command for that state fail with
	// an error event. NodeStateInvalid disables it.
	FailTransition NodeState
	// FaultAfterFills raises a hardware error after that many filled
	// output buffers and stops processing.
	FaultAfterFills int
	// WithholdFlushWhenEmpty drops the completion of a flush on a port
	// that held no buffers.
	WithholdFlushWhenEmpty bool

	// PortSettingsChangeAfter announces new output settings after that
	// many filled buffers. Output stalls until the port is re-enabled.
	PortSettingsChangeAfter int
	ReconfigBufferCount     int
	ReconfigWidth           int
	ReconfigHeight          int

	// ReorderDepth holds that many decoded frames and releases them in
	// random order, like a decoder with B-frames.
	ReorderDepth int
	// DeferOutputAllocation makes AllocateBuffer on the output port return
	// no memory; it is attached to the first fill.
	DeferOutputAllocation bool
	// Transform maps an input unit to its decoded output. Default copies.
	Transform func(in []byte) []byte

	// Remote reports the host as not sharing memory with the codec.
	Remote bool
	// Reject lists component names AllocateNode refuses.
	Reject []string

	Logger *zap.Logger
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		InputBuffers:     4,
		OutputBuffers:    4,
		InputBufferSize:  4096,
		OutputBufferSize: 4096,
		Width:            320,
		Height:           240,
	}
}

func (c *SimConfig) setDefaults() {
	d := DefaultSimConfig()
	if c.InputBuffers <= 0 {
		c.InputBuffers = d.InputBuffers
	}
	if c.OutputBuffers <= 0 {
		c.OutputBuffers = d.OutputBuffers
	}
	if c.InputBufferSize <= 0 {
		c.InputBufferSize = d.InputBufferSize
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = d.OutputBufferSize
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = d.Width, d.Height
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.Transform == nil {
		c.Transform = func(in []byte) []byte { return slices.Clone(in) }
	}
	if c.Logger == nil {
		c.Logger = zap.L().Named("omx")
	}
}

// Simulated components registered at init.
const (
	SimAVCDecoder = "OMX.sim.avc.decoder"
	SimVP8Decoder = "OMX.sim.vp8.decoder"
	SimAVCEncoder = "OMX.sim.avc.encoder"
)

func init() {
	RegisterComponent(Component{Name: SimAVCDecoder, MIME: MIMEVideoAVC, Software: true})
	RegisterComponent(Component{Name: SimVP8Decoder, MIME: MIMEVideoVP8, Software: true})
	RegisterComponent(Component{Name: SimAVCEncoder, MIME: MIMEVideoAVC, Encoder: true, Software: true})
}

// SimHost allocates SimNodes.
type SimHost struct {
	cfg SimConfig

	mu    sync.Mutex
	nodes []*SimNode
	seq   uint64
}

var _ NodeHost = (*SimHost)(nil)

func NewSimHost(cfg SimConfig) *SimHost {
	cfg.setDefaults()
	return &SimHost{cfg: cfg}
}

func (h *SimHost) Name() string       { return "sim" }
func (h *SimHost) LivesLocally() bool { return !h.cfg.Remote }

func (h *SimHost) AllocateNode(component string, obs NodeObserver) (Node, error) {
	if slices.Contains(h.cfg.Reject, component) {
		return nil, fmt.Errorf("%w: %s rejected", ErrNodeUnavailable, component)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg := h.cfg
	cfg.Seed += h.seq
	h.seq++
	n := newSimNode(component, obs, cfg)
	h.nodes = append(h.nodes, n)
	return n, nil
}

// Nodes returns every node allocated so far.
func (h *SimHost) Nodes() []*SimNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.nodes)
}

// SimStats reports what a SimNode has seen.
type SimStats struct {
	Allocated  int
	Freed      int
	Live       int
	Flushes    [2]int
	Consumed   int
	Filled     int
	Violations int
	States     []NodeState
}

type simBuffer struct {
	id       BufferID
	port     PortIndex
	data     []byte
	zeroCopy []byte
	held     bool
}

type simPort struct {
	def     PortDefinition
	enabled bool
	buffers map[BufferID]*simBuffer
}

type simInput struct {
	id     BufferID
	offset int
	length int
	flags  BufferFlags
	ts     time.Duration
}

type simFrame struct {
	data []byte
	ts   time.Duration
	sync bool
}

type simCommand struct {
	cmd     Command
	param   uint32
	started bool
}

// SimNode is a node implemented in process. It follows the node command
// protocol: state changes complete once buffers are populated or freed,
// flushes and port disables hand back held buffers first, and every
// outcome arrives through the observer from a worker goroutine.
type SimNode struct {
	name string
	obs  NodeObserver
	cfg  SimConfig
	log  *zap.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	state    NodeState
	ports    [2]*simPort
	cmds     []*simCommand
	inputs   []simInput
	avail    []BufferID // output buffers the node may fill
	frames   []simFrame
	nextID   BufferID
	eosIn    bool
	eosOut   bool
	blocked  bool
	faulted  bool
	pscDone  bool
	metaData bool
	graphic  bool
	freed    bool
	stats    SimStats

	kick chan struct{}
	quit chan struct{}
	done chan struct{}
}

var (
	_ Node         = (*SimNode)(nil)
	_ ZeroCopyNode = (*SimNode)(nil)
)

func newSimNode(name string, obs NodeObserver, cfg SimConfig) *SimNode {
	n := &SimNode{
		name:   name,
		obs:    obs,
		cfg:    cfg,
		log:    cfg.Logger.With(zap.String("node", name)),
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		state:  NodeStateLoaded,
		nextID: 1,
		kick:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	mime := MIMEVideoAVC
	n.ports[PortInput] = &simPort{
		enabled: true,
		buffers: make(map[BufferID]*simBuffer),
		def: PortDefinition{
			Port:        PortInput,
			CountActual: cfg.InputBuffers,
			CountMin:    cfg.InputBuffers,
			Size:        cfg.InputBufferSize,
			Enabled:     true,
			MIME:        mime,
		},
	}
	n.ports[PortOutput] = &simPort{
		enabled: true,
		buffers: make(map[BufferID]*simBuffer),
		def: PortDefinition{
			Port:        PortOutput,
			CountActual: cfg.OutputBuffers,
			CountMin:    cfg.OutputBuffers,
			Size:        cfg.OutputBufferSize,
			Enabled:     true,
			MIME:        MIMEVideoRaw,
			Width:       cfg.Width,
			Height:      cfg.Height,
			Stride:      cfg.Width,
			SliceHeight: cfg.Height,
			ColorFormat: ColorFormatYUV420Planar,
		},
	}
	go n.run()
	return n
}

func (n *SimNode) Name() string { return n.name }

// Stats returns a snapshot of the node's counters.
func (n *SimNode) Stats() SimStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.stats
	s.States = slices.Clone(n.stats.States)
	return s
}

func (n *SimNode) wake() {
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

func (n *SimNode) Free() error {
	n.mu.Lock()
	if n.freed {
		n.mu.Unlock()
		return nil
	}
	n.freed = true
	live := n.stats.Live
	n.mu.Unlock()

	close(n.quit)
	<-n.done
	if live != 0 {
		n.log.Warn("node freed with live buffers", zap.Int("live", live))
	}
	return nil
}

func (n *SimNode) port(p PortIndex) (*simPort, error) {
	if p != PortInput && p != PortOutput {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidState, uint32(p))
	}
	return n.ports[p], nil
}

func (n *SimNode) SendCommand(cmd Command, param uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.freed {
		return ErrNodeUnavailable
	}
	switch cmd {
	case CommandStateSet:
	case CommandFlush, CommandPortDisable, CommandPortEnable:
		if PortIndex(param) != PortAll {
			if _, err := n.port(PortIndex(param)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: command %s", ErrNotSupported, cmd)
	}
	n.cmds = append(n.cmds, &simCommand{cmd: cmd, param: param})
	n.wake()
	return nil
}

func (n *SimNode) GetState() (NodeState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, nil
}

func (n *SimNode) GetParameter(p Param) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch v := p.(type) {
	case *PortDefinition:
		sp, err := n.port(v.Port)
		if err != nil {
			return err
		}
		*v = sp.def
		v.Enabled = sp.enabled
		return nil
	case *StoreMetaDataParam:
		v.Enable = n.metaData
		return nil
	}
	return fmt.Errorf("%w: parameter %d", ErrNotSupported, p.Index())
}

func (n *SimNode) SetParameter(p Param) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch v := p.(type) {
	case *PortDefinition:
		sp, err := n.port(v.Port)
		if err != nil {
			return err
		}
		if len(sp.buffers) != 0 {
			return fmt.Errorf("%w: port %s has buffers", ErrInvalidState, v.Port)
		}
		def := *v
		def.CountMin = sp.def.CountMin
		def.CountActual = max(def.CountActual, sp.def.CountMin)
		def.Size = max(def.Size, sp.def.Size)
		if v.Port == PortOutput && def.Width == 0 {
			def.Width, def.Height = sp.def.Width, sp.def.Height
		}
		sp.def = def
		return nil
	case *StoreMetaDataParam:
		n.metaData = v.Enable
		return nil
	}
	return fmt.Errorf("%w: parameter %d", ErrNotSupported, p.Index())
}

func (n *SimNode) register(p PortIndex, data []byte) (*simBuffer, error) {
	if n.freed {
		return nil, ErrNodeUnavailable
	}
	sp, err := n.port(p)
	if err != nil {
		return nil, err
	}
	if len(sp.buffers) >= sp.def.CountActual {
		return nil, fmt.Errorf("%w: %s port already has %d buffers", ErrInvalidState, p, len(sp.buffers))
	}
	b := &simBuffer{id: n.nextID, port: p, data: data}
	n.nextID++
	sp.buffers[b.id] = b
	n.stats.Allocated++
	n.stats.Live++
	n.wake()
	return b, nil
}

func (n *SimNode) UseBuffer(p PortIndex, data []byte) (BufferID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, err := n.register(p, data)
	if err != nil {
		return 0, err
	}
	return b.id, nil
}

func (n *SimNode) AllocateBuffer(p PortIndex, size int) (BufferID, []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var data []byte
	if p != PortOutput || !n.cfg.DeferOutputAllocation {
		data = make([]byte, size)
	}
	b, err := n.register(p, data)
	if err != nil {
		return 0, nil, err
	}
	return b.id, data, nil
}

func (n *SimNode) AllocateBufferWithBackup(p PortIndex, backup []byte) (BufferID, error) {
	return n.UseBuffer(p, backup)
}

func (n *SimNode) UseGraphicBuffer(p PortIndex, gb *GraphicBuffer) (BufferID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.graphic {
		return 0, fmt.Errorf("%w: graphic buffers not enabled", ErrInvalidState)
	}
	b, err := n.register(p, gb.Data)
	if err != nil {
		return 0, err
	}
	return b.id, nil
}

func (n *SimNode) EnableGraphicBuffers(p PortIndex, enable bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p != PortOutput {
		return fmt.Errorf("%w: graphic buffers on %s port", ErrNotSupported, p)
	}
	n.graphic = enable
	return nil
}

func (n *SimNode) GetGraphicBufferUsage(PortIndex) (uint32, error) { return 0x10, nil }

func (n *SimNode) FreeBuffer(p PortIndex, id BufferID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	sp, err := n.port(p)
	if err != nil {
		return err
	}
	b, ok := sp.buffers[id]
	if !ok {
		return fmt.Errorf("%w: no buffer %d on %s port", ErrInvalidState, id, p)
	}
	if b.held {
		n.log.Warn("freeing held buffer", zap.Uint32("id", uint32(id)))
		n.inputs = slices.DeleteFunc(n.inputs, func(in simInput) bool { return in.id == id })
		n.avail = slices.DeleteFunc(n.avail, func(x BufferID) bool { return x == id })
	}
	delete(sp.buffers, id)
	n.stats.Freed++
	n.stats.Live--
	n.wake()
	return nil
}

func (n *SimNode) SetBufferData(id BufferID, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.ports[PortInput].buffers[id]
	if !ok || b.held {
		return fmt.Errorf("%w: buffer %d not available for zero copy", ErrInvalidState, id)
	}
	b.zeroCopy = data
	return nil
}

func (n *SimNode) EmptyBuffer(id BufferID, offset, length int, flags BufferFlags, ts time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.ports[PortInput].buffers[id]
	if !ok {
		return fmt.Errorf("%w: no input buffer %d", ErrInvalidState, id)
	}
	if b.held {
		n.stats.Violations++
		return fmt.Errorf("%w: input buffer %d submitted twice", ErrOwnership, id)
	}
	src := b.data
	if b.zeroCopy != nil {
		src = b.zeroCopy
	}
	if offset < 0 || length < 0 || offset+length > len(src) {
		return fmt.Errorf("%w: range %d+%d of %d", ErrBufferTooSmall, offset, length, len(src))
	}
	b.held = true
	n.inputs = append(n.inputs, simInput{id: id, offset: offset, length: length, flags: flags, ts: ts})
	n.wake()
	return nil
}

func (n *SimNode) FillBuffer(id BufferID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.ports[PortOutput].buffers[id]
	if !ok {
		return fmt.Errorf("%w: no output buffer %d", ErrInvalidState, id)
	}
	if b.held {
		n.stats.Violations++
		return fmt.Errorf("%w: output buffer %d submitted twice", ErrOwnership, id)
	}
	b.held = true
	n.avail = append(n.avail, id)
	n.wake()
	return nil
}

func (n *SimNode) run() {
	defer close(n.done)
	for {
		select {
		case <-n.kick:
		case <-n.quit:
			return
		}
		for {
			n.mu.Lock()
			msgs, progress := n.step()
			delay := n.delay()
			n.mu.Unlock()
			if !progress {
				break
			}
			if len(msgs) == 0 {
				continue
			}
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-n.quit:
					t.Stop()
					return
				}
			}
			for _, m := range msgs {
				n.obs.OnMessage(m)
			}
		}
	}
}

func (n *SimNode) delay() time.Duration {
	span := n.cfg.MaxDelay - n.cfg.MinDelay
	if span <= 0 {
		return n.cfg.MinDelay
	}
	return n.cfg.MinDelay + time.Duration(n.rng.Int64N(int64(span)+1))
}

// step makes one unit of progress. Commands go first; media is processed
// only while executing.
func (n *SimNode) step() ([]Message, bool) {
	if n.freed {
		return nil, false
	}
	if msgs, ok := n.stepCommand(); ok {
		return msgs, true
	}
	if n.state == NodeStateExecuting && !n.faulted {
		return n.stepMedia()
	}
	return nil, false
}

func complete(cmd Command, param uint32) Message {
	return Message{Type: MessageEvent, Event: EventCmdComplete, Command: cmd, Param: param}
}

func errorEvent(code ErrorCode) Message {
	return Message{Type: MessageEvent, Event: EventError, Code: code}
}

func legalNodeTransition(from, to NodeState) bool {
	switch from {
	case NodeStateLoaded:
		return to == NodeStateIdle
	case NodeStateIdle:
		return to == NodeStateLoaded || to == NodeStateExecuting || to == NodeStatePause
	case NodeStateExecuting:
		return to == NodeStateIdle || to == NodeStatePause
	case NodeStatePause:
		return to == NodeStateIdle || to == NodeStateExecuting
	}
	return false
}

func (n *SimNode) stepCommand() ([]Message, bool) {
	if len(n.cmds) == 0 {
		return nil, false
	}
	c := n.cmds[0]
	first := !c.started
	c.started = true
	pop := func() { n.cmds = n.cmds[1:] }

	switch c.cmd {
	case CommandStateSet:
		to := NodeState(c.param)
		if first {
			switch {
			case n.cfg.FailTransition != NodeStateInvalid && to == n.cfg.FailTransition:
				pop()
				return []Message{errorEvent(ErrorInsufficientResources)}, true
			case to == n.state:
				pop()
				return []Message{errorEvent(ErrorSameState)}, true
			case !legalNodeTransition(n.state, to):
				pop()
				return []Message{errorEvent(ErrorIncorrectStateTransition)}, true
			}
			if to == NodeStateIdle && (n.state == NodeStateExecuting || n.state == NodeStatePause) {
				msgs := n.returnPort(PortInput)
				msgs = append(msgs, n.returnPort(PortOutput)...)
				n.frames = nil
				n.eosIn, n.eosOut = false, false
				if len(msgs) > 0 {
					return msgs, true
				}
			}
		}
		switch {
		case n.state == NodeStateLoaded && to == NodeStateIdle:
			if !n.populated(PortInput) || !n.populated(PortOutput) {
				return nil, false
			}
		case n.state == NodeStateIdle && to == NodeStateLoaded:
			if len(n.ports[PortInput].buffers)+len(n.ports[PortOutput].buffers) != 0 {
				return nil, false
			}
		}
		pop()
		if (n.state == NodeStateIdle && to == NodeStateLoaded) || (n.state == NodeStateLoaded && to == NodeStateIdle) {
			n.resetSession()
		}
		n.state = to
		n.stats.States = append(n.stats.States, to)
		return []Message{complete(CommandStateSet, uint32(to))}, true

	case CommandFlush:
		ports := []PortIndex{PortIndex(c.param)}
		if PortIndex(c.param) == PortAll {
			ports = []PortIndex{PortInput, PortOutput}
		}
		if first {
			var msgs []Message
			for _, p := range ports {
				msgs = append(msgs, n.returnPort(p)...)
				n.stats.Flushes[p]++
				if p == PortInput {
					n.eosIn, n.eosOut = false, false
					n.frames = nil
				}
			}
			if len(msgs) > 0 {
				return msgs, true
			}
			if n.cfg.WithholdFlushWhenEmpty {
				n.log.Debug("withholding flush completion", zap.Uint32("port", c.param))
				pop()
				return nil, true
			}
		}
		pop()
		var msgs []Message
		for _, p := range ports {
			msgs = append(msgs, complete(CommandFlush, uint32(p)))
		}
		return msgs, true

	case CommandPortDisable:
		p := PortIndex(c.param)
		sp := n.ports[p]
		if first {
			sp.enabled = false
			if msgs := n.returnPort(p); len(msgs) > 0 {
				return msgs, true
			}
		}
		if len(sp.buffers) != 0 {
			return nil, false
		}
		pop()
		return []Message{complete(CommandPortDisable, c.param)}, true

	case CommandPortEnable:
		p := PortIndex(c.param)
		if n.state != NodeStateLoaded && !n.populated(p) {
			return nil, false
		}
		n.ports[p].enabled = true
		if p == PortOutput {
			n.blocked = false
		}
		pop()
		return []Message{complete(CommandPortEnable, c.param)}, true
	}
	pop()
	return nil, true
}

// resetSession drops decode state left over from the previous run,
// including a settings change the client never reconfigured for.
func (n *SimNode) resetSession() {
	n.blocked = false
	n.frames = nil
	n.avail = nil
	n.inputs = nil
	n.eosIn, n.eosOut = false, false
}

func (n *SimNode) populated(p PortIndex) bool {
	sp := n.ports[p]
	return !sp.enabled || len(sp.buffers) >= sp.def.CountActual
}

// returnPort hands every buffer the node holds on p back to the client.
func (n *SimNode) returnPort(p PortIndex) []Message {
	var msgs []Message
	if p == PortInput {
		for _, in := range n.inputs {
			if b, ok := n.ports[PortInput].buffers[in.id]; ok {
				b.held = false
				b.zeroCopy = nil
			}
			msgs = append(msgs, Message{Type: MessageEmptyBufferDone, Buffer: in.id})
		}
		n.inputs = nil
		return msgs
	}
	for _, id := range n.avail {
		if b, ok := n.ports[PortOutput].buffers[id]; ok {
			b.held = false
		}
		msgs = append(msgs, Message{Type: MessageFillBufferDone, Buffer: id})
	}
	n.avail = nil
	return msgs
}

func (n *SimNode) stepMedia() ([]Message, bool) {
	out := n.ports[PortOutput]
	canEmit := out.enabled && !n.blocked && len(n.avail) > 0
	if canEmit {
		ready := len(n.frames) > n.cfg.ReorderDepth || (n.eosIn && len(n.frames) > 0)
		if ready {
			i := 0
			if n.cfg.ReorderDepth > 0 {
				i = n.rng.IntN(len(n.frames))
			}
			f := n.frames[i]
			n.frames = slices.Delete(n.frames, i, i+1)
			return n.emit(f, n.eosIn && len(n.frames) == 0), true
		}
		if n.eosIn && !n.eosOut && len(n.frames) == 0 && len(n.inputs) == 0 {
			return n.emit(simFrame{}, true), true
		}
	}

	if len(n.inputs) > 0 && !n.eosIn && len(n.frames) <= n.cfg.ReorderDepth {
		return n.consume(), true
	}
	return nil, false
}

func (n *SimNode) consume() []Message {
	in := n.inputs[0]
	n.inputs = n.inputs[1:]
	b := n.ports[PortInput].buffers[in.id]
	src := b.data
	if b.zeroCopy != nil {
		src = b.zeroCopy
	}
	data := src[in.offset : in.offset+in.length]
	if in.flags&FlagCodecConfig == 0 && len(data) > 0 {
		n.frames = append(n.frames, simFrame{
			data: slices.Clone(n.cfg.Transform(data)),
			ts:   in.ts,
			sync: in.flags&FlagSyncFrame != 0,
		})
	}
	if in.flags&FlagEOS != 0 {
		n.eosIn = true
	}
	b.held = false
	b.zeroCopy = nil
	n.stats.Consumed++
	return []Message{{Type: MessageEmptyBufferDone, Buffer: in.id}}
}

func (n *SimNode) emit(f simFrame, last bool) []Message {
	i := n.rng.IntN(len(n.avail))
	id := n.avail[i]
	n.avail = slices.Delete(n.avail, i, i+1)
	out := n.ports[PortOutput]
	b := out.buffers[id]
	b.held = false

	msg := Message{Type: MessageFillBufferDone, Buffer: id, Timestamp: f.ts}
	if b.data == nil {
		b.data = make([]byte, out.def.Size)
		msg.Data = b.data
	}
	if len(f.data) > len(b.data) {
		n.log.Warn("truncating frame to output buffer", zap.Int("frame", len(f.data)), zap.Int("buffer", len(b.data)))
	}
	msg.Length = copy(b.data, f.data)
	if msg.Length > 0 {
		msg.Flags |= FlagEndOfFrame
	}
	if f.sync {
		msg.Flags |= FlagSyncFrame
	}
	if last {
		msg.Flags |= FlagEOS
		n.eosOut = true
	}
	n.stats.Filled++
	msgs := []Message{msg}

	if k := n.cfg.PortSettingsChangeAfter; k > 0 && !n.pscDone && n.stats.Filled >= k && !last {
		n.pscDone = true
		n.blocked = true
		if n.cfg.ReconfigBufferCount > 0 {
			out.def.CountActual = n.cfg.ReconfigBufferCount
			out.def.CountMin = n.cfg.ReconfigBufferCount
		}
		if n.cfg.ReconfigWidth > 0 && n.cfg.ReconfigHeight > 0 {
			out.def.Width, out.def.Height = n.cfg.ReconfigWidth, n.cfg.ReconfigHeight
			out.def.Stride, out.def.SliceHeight = n.cfg.ReconfigWidth, n.cfg.ReconfigHeight
		}
		n.log.Debug("output settings changed", zap.Int("buffers", out.def.CountActual))
		msgs = append(msgs, Message{Type: MessageEvent, Event: EventPortSettingsChanged, Param: uint32(PortOutput)})
	}
	if k := n.cfg.FaultAfterFills; k > 0 && !n.faulted && n.stats.Filled >= k {
		n.faulted = true
		msgs = append(msgs, errorEvent(ErrorHardware))
	}
	return msgs
}
