//go:build (darwin || linux) && !nonative

// Native node host backed by libomx_node, loaded with purego.

package omx

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
)

var (
	omxNodeOnce    sync.Once
	omxNodeHandle  uintptr
	omxNodeInitErr error

	omxNodeCallback uintptr
	omxNodeCookies  sync.Map // uint64 -> *nativeNode
	omxNodeNextID   atomic.Uint64
)

// libomx_node function pointers
var (
	omxNodeAvailable      func() int32
	omxNodeGetError       func() uintptr
	omxNodeComponentCount func() int32
	omxNodeComponentInfo  func(index int32, name uintptr, nameCap int32, mime uintptr, mimeCap int32, encoder, quirks uintptr) int32

	omxNodeAllocate    func(component uintptr, callback uintptr, cookie uint64) uint64
	omxNodeFree        func(node uint64) int32
	omxNodeSendCommand func(node uint64, cmd int32, param uint32) int32
	omxNodeGetState    func(node uint64, state uintptr) int32
	omxNodeGetParam    func(node uint64, index int32, buf uintptr, size int32) int32
	omxNodeSetParam    func(node uint64, index int32, buf uintptr, size int32) int32

	omxNodeUseBuffer      func(node uint64, port uint32, size int32, id uintptr) int32
	omxNodeAllocateBuffer func(node uint64, port uint32, size int32, id uintptr, data uintptr) int32
	omxNodeFreeBuffer     func(node uint64, port uint32, id uint32) int32
	omxNodeEmptyBuffer    func(node uint64, id uint32, data uintptr, length int32, flags uint32, tsUs int64) int32
	omxNodeFillBuffer     func(node uint64, id uint32) int32
	omxNodeReadOutput     func(node uint64, id uint32, dst uintptr, capacity int32) int32

	omxNodeEnableGraphic    func(node uint64, port uint32, enable int32) int32
	omxNodeUseGraphicBuffer func(node uint64, port uint32, slot, width, height, format int32, usage uint32, size int32, id uintptr) int32
	omxNodeGraphicUsage     func(node uint64, port uint32, usage uintptr) int32
)

const omxNodeOK = 0

// nativeMessage mirrors struct omx_node_message.
type nativeMessage struct {
	Type   int32
	Event  int32
	Data1  uint32
	Data2  uint32
	Buffer uint32
	Offset int32
	Length int32
	Flags  uint32
	TsUs   int64
}

// nativeOut is a heap-allocated out parameter block; purego needs stable
// addresses for pointers handed to C.
type nativeOut struct {
	ID    uint32
	State int32
	Usage uint32
	Data  uintptr
}

func loadOMXNode() error {
	omxNodeOnce.Do(func() {
		omxNodeInitErr = loadOMXNodeLib()
	})
	return omxNodeInitErr
}

func loadOMXNodeLib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libomx_node", "OMX_NODE_LIB_PATH", "OMX_SDK_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		omxNodeHandle = handle
		loadOMXNodeSymbols()
		omxNodeCallback = purego.NewCallback(omxNodeTrampoline)
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: load libomx_node: %w", ErrNodeUnavailable, lastErr)
	}
	return fmt.Errorf("%w: libomx_node not found", ErrNodeUnavailable)
}

func loadOMXNodeSymbols() {
	h := omxNodeHandle
	purego.RegisterLibFunc(&omxNodeAvailable, h, "omx_node_available")
	purego.RegisterLibFunc(&omxNodeGetError, h, "omx_node_get_error")
	purego.RegisterLibFunc(&omxNodeComponentCount, h, "omx_node_component_count")
	purego.RegisterLibFunc(&omxNodeComponentInfo, h, "omx_node_component_info")

	purego.RegisterLibFunc(&omxNodeAllocate, h, "omx_node_allocate")
	purego.RegisterLibFunc(&omxNodeFree, h, "omx_node_free")
	purego.RegisterLibFunc(&omxNodeSendCommand, h, "omx_node_send_command")
	purego.RegisterLibFunc(&omxNodeGetState, h, "omx_node_get_state")
	purego.RegisterLibFunc(&omxNodeGetParam, h, "omx_node_get_parameter")
	purego.RegisterLibFunc(&omxNodeSetParam, h, "omx_node_set_parameter")

	purego.RegisterLibFunc(&omxNodeUseBuffer, h, "omx_node_use_buffer")
	purego.RegisterLibFunc(&omxNodeAllocateBuffer, h, "omx_node_allocate_buffer")
	purego.RegisterLibFunc(&omxNodeFreeBuffer, h, "omx_node_free_buffer")
	purego.RegisterLibFunc(&omxNodeEmptyBuffer, h, "omx_node_empty_buffer")
	purego.RegisterLibFunc(&omxNodeFillBuffer, h, "omx_node_fill_buffer")
	purego.RegisterLibFunc(&omxNodeReadOutput, h, "omx_node_read_output")

	purego.RegisterLibFunc(&omxNodeEnableGraphic, h, "omx_node_enable_graphic_buffers")
	purego.RegisterLibFunc(&omxNodeUseGraphicBuffer, h, "omx_node_use_graphic_buffer")
	purego.RegisterLibFunc(&omxNodeGraphicUsage, h, "omx_node_get_graphic_buffer_usage")
}

// IsNativeNodeAvailable reports whether libomx_node loads and has
// components.
func IsNativeNodeAvailable() bool {
	if err := loadOMXNode(); err != nil {
		return false
	}
	return omxNodeAvailable() != 0
}

func nativeErr(op string, rc int32) error {
	if rc == omxNodeOK {
		return nil
	}
	msg := goStringFromPtr(omxNodeGetError())
	if msg == "" {
		msg = fmt.Sprintf("code %d", rc)
	}
	return fmt.Errorf("%s: %s", op, msg)
}

// NativeHost allocates nodes from libomx_node. Node memory lives in the
// same process, but Go memory is never retained by the library: buffers
// registered with UseBuffer are copied in on EmptyBuffer and copied out
// before a fill is reported.
type NativeHost struct {
	log *zap.Logger
}

var _ NodeHost = (*NativeHost)(nil)

// NewNativeHost loads the library.
func NewNativeHost(log *zap.Logger) (*NativeHost, error) {
	if err := loadOMXNode(); err != nil {
		return nil, err
	}
	if omxNodeAvailable() == 0 {
		return nil, fmt.Errorf("%w: libomx_node has no components", ErrNodeUnavailable)
	}
	if log == nil {
		log = zap.L().Named("omx")
	}
	return &NativeHost{log: log.With(zap.String("host", "native"))}, nil
}

func (h *NativeHost) Name() string       { return "native" }
func (h *NativeHost) LivesLocally() bool { return true }

// RegisterComponents adds every component the library reports to the
// component table.
func (h *NativeHost) RegisterComponents() int {
	n := int(omxNodeComponentCount())
	name := make([]byte, 128)
	mime := make([]byte, 64)
	out := &nativeOut{}
	for i := 0; i < n; i++ {
		var quirks uint32
		rc := omxNodeComponentInfo(int32(i),
			uintptr(unsafe.Pointer(&name[0])), int32(len(name)),
			uintptr(unsafe.Pointer(&mime[0])), int32(len(mime)),
			uintptr(unsafe.Pointer(&out.State)), uintptr(unsafe.Pointer(&quirks)))
		runtime.KeepAlive(name)
		runtime.KeepAlive(mime)
		if rc != omxNodeOK {
			h.log.Warn("skipping native component", zap.Int("index", i), zap.Error(nativeErr("component info", rc)))
			continue
		}
		RegisterComponent(Component{
			Name:    cStringFrom(name),
			MIME:    cStringFrom(mime),
			Encoder: out.State != 0,
			Quirks:  Quirks(quirks),
		})
	}
	return n
}

func cStringFrom(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (h *NativeHost) AllocateNode(component string, obs NodeObserver) (Node, error) {
	cookie := omxNodeNextID.Add(1)
	n := &nativeNode{
		name:    component,
		obs:     obs,
		buffers: make(map[BufferID]*nativeBuffer),
		log:     h.log.With(zap.String("node", component)),
	}
	omxNodeCookies.Store(cookie, n)

	cname := cString(component)
	handle := omxNodeAllocate(uintptr(unsafe.Pointer(&cname[0])), omxNodeCallback, cookie)
	runtime.KeepAlive(cname)
	if handle == 0 {
		omxNodeCookies.Delete(cookie)
		return nil, fmt.Errorf("%w: allocate %s: %s", ErrNodeUnavailable, component, goStringFromPtr(omxNodeGetError()))
	}
	n.handle = handle
	n.cookie = cookie
	return n, nil
}

// omxNodeTrampoline runs on a library thread for every node message.
func omxNodeTrampoline(cookie uint64, msgPtr uintptr) uintptr {
	v, ok := omxNodeCookies.Load(cookie)
	if !ok || msgPtr == 0 {
		return 0
	}
	nm := *(*nativeMessage)(unsafe.Pointer(msgPtr))
	v.(*nativeNode).deliver(nm)
	return 0
}

type nativeBuffer struct {
	port PortIndex
	data []byte
	// nodeMemory is set when data aliases library memory.
	nodeMemory bool
}

type nativeNode struct {
	name   string
	handle uint64
	cookie uint64
	obs    NodeObserver
	log    *zap.Logger

	mu      sync.Mutex
	buffers map[BufferID]*nativeBuffer
	freed   bool
}

var _ Node = (*nativeNode)(nil)

func (n *nativeNode) Name() string { return n.name }

func (n *nativeNode) deliver(nm nativeMessage) {
	msg := Message{
		Type:      MessageType(nm.Type),
		Event:     EventType(nm.Event),
		Buffer:    BufferID(nm.Buffer),
		Offset:    int(nm.Offset),
		Length:    int(nm.Length),
		Flags:     BufferFlags(nm.Flags),
		Timestamp: time.Duration(nm.TsUs) * time.Microsecond,
	}
	switch msg.Event {
	case EventCmdComplete:
		msg.Command, msg.Param = Command(nm.Data1), nm.Data2
	case EventError:
		msg.Code = ErrorCode(nm.Data1)
	default:
		msg.Param = nm.Data1
	}

	if msg.Type == MessageFillBufferDone && msg.Length > 0 {
		n.mu.Lock()
		b := n.buffers[msg.Buffer]
		n.mu.Unlock()
		if b != nil && !b.nodeMemory {
			if msg.Offset+msg.Length > len(b.data) {
				n.log.Error("fill exceeds buffer", zap.Uint32("id", nm.Buffer), zap.Int("length", msg.Length))
				msg.Length = max(0, len(b.data)-msg.Offset)
			}
			dst := b.data[msg.Offset:]
			rc := omxNodeReadOutput(n.handle, nm.Buffer, uintptr(unsafe.Pointer(&dst[0])), int32(msg.Length))
			runtime.KeepAlive(dst)
			if rc != omxNodeOK {
				n.log.Error("copying output", zap.Error(nativeErr("read output", rc)))
			}
		}
	}
	n.obs.OnMessage(msg)
}

func (n *nativeNode) Free() error {
	n.mu.Lock()
	if n.freed {
		n.mu.Unlock()
		return nil
	}
	n.freed = true
	n.mu.Unlock()
	err := nativeErr("free", omxNodeFree(n.handle))
	omxNodeCookies.Delete(n.cookie)
	return err
}

func (n *nativeNode) SendCommand(cmd Command, param uint32) error {
	return nativeErr("send command", omxNodeSendCommand(n.handle, int32(cmd), param))
}

func (n *nativeNode) GetState() (NodeState, error) {
	out := &nativeOut{}
	rc := omxNodeGetState(n.handle, uintptr(unsafe.Pointer(&out.State)))
	if err := nativeErr("get state", rc); err != nil {
		return NodeStateInvalid, err
	}
	return NodeState(out.State), nil
}

func (n *nativeNode) GetParameter(p Param) error {
	buf, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	buf = append(buf, make([]byte, 256)...)
	rc := omxNodeGetParam(n.handle, int32(p.Index()), uintptr(unsafe.Pointer(&buf[0])), int32(len(buf)))
	runtime.KeepAlive(buf)
	if err := nativeErr("get parameter", rc); err != nil {
		return err
	}
	return p.UnmarshalBinary(buf)
}

func (n *nativeNode) SetParameter(p Param) error {
	buf, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	rc := omxNodeSetParam(n.handle, int32(p.Index()), uintptr(unsafe.Pointer(&buf[0])), int32(len(buf)))
	runtime.KeepAlive(buf)
	return nativeErr("set parameter", rc)
}

func (n *nativeNode) track(id uint32, b *nativeBuffer) BufferID {
	n.mu.Lock()
	n.buffers[BufferID(id)] = b
	n.mu.Unlock()
	return BufferID(id)
}

func (n *nativeNode) UseBuffer(port PortIndex, data []byte) (BufferID, error) {
	out := &nativeOut{}
	rc := omxNodeUseBuffer(n.handle, uint32(port), int32(len(data)), uintptr(unsafe.Pointer(&out.ID)))
	if err := nativeErr("use buffer", rc); err != nil {
		return 0, err
	}
	return n.track(out.ID, &nativeBuffer{port: port, data: data}), nil
}

func (n *nativeNode) AllocateBuffer(port PortIndex, size int) (BufferID, []byte, error) {
	out := &nativeOut{}
	rc := omxNodeAllocateBuffer(n.handle, uint32(port), int32(size),
		uintptr(unsafe.Pointer(&out.ID)), uintptr(unsafe.Pointer(&out.Data)))
	if err := nativeErr("allocate buffer", rc); err != nil {
		return 0, nil, err
	}
	var data []byte
	if out.Data != 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(out.Data)), size)
	}
	return n.track(out.ID, &nativeBuffer{port: port, data: data, nodeMemory: data != nil}), data, nil
}

func (n *nativeNode) AllocateBufferWithBackup(port PortIndex, backup []byte) (BufferID, error) {
	return n.UseBuffer(port, backup)
}

func (n *nativeNode) FreeBuffer(port PortIndex, id BufferID) error {
	n.mu.Lock()
	delete(n.buffers, id)
	n.mu.Unlock()
	return nativeErr("free buffer", omxNodeFreeBuffer(n.handle, uint32(port), uint32(id)))
}

func (n *nativeNode) EmptyBuffer(id BufferID, offset, length int, flags BufferFlags, ts time.Duration) error {
	n.mu.Lock()
	b := n.buffers[id]
	n.mu.Unlock()
	if b == nil {
		return fmt.Errorf("%w: unknown buffer %d", ErrInvalidState, id)
	}
	var ptr uintptr
	var src []byte
	if length > 0 {
		if offset+length > len(b.data) {
			return fmt.Errorf("%w: range %d+%d of %d", ErrBufferTooSmall, offset, length, len(b.data))
		}
		src = b.data[offset : offset+length]
		ptr = uintptr(unsafe.Pointer(&src[0]))
	}
	rc := omxNodeEmptyBuffer(n.handle, uint32(id), ptr, int32(length), uint32(flags), ts.Microseconds())
	runtime.KeepAlive(src)
	return nativeErr("empty buffer", rc)
}

func (n *nativeNode) FillBuffer(id BufferID) error {
	return nativeErr("fill buffer", omxNodeFillBuffer(n.handle, uint32(id)))
}

func (n *nativeNode) EnableGraphicBuffers(port PortIndex, enable bool) error {
	var v int32
	if enable {
		v = 1
	}
	return nativeErr("enable graphic buffers", omxNodeEnableGraphic(n.handle, uint32(port), v))
}

func (n *nativeNode) UseGraphicBuffer(port PortIndex, gb *GraphicBuffer) (BufferID, error) {
	if gb == nil {
		return 0, errors.New("omx: nil graphic buffer")
	}
	out := &nativeOut{}
	rc := omxNodeUseGraphicBuffer(n.handle, uint32(port), int32(gb.Slot), int32(gb.Width), int32(gb.Height),
		int32(gb.Format), gb.Usage, int32(len(gb.Data)), uintptr(unsafe.Pointer(&out.ID)))
	if err := nativeErr("use graphic buffer", rc); err != nil {
		return 0, err
	}
	return n.track(out.ID, &nativeBuffer{port: port, data: gb.Data}), nil
}

func (n *nativeNode) GetGraphicBufferUsage(port PortIndex) (uint32, error) {
	out := &nativeOut{}
	rc := omxNodeGraphicUsage(n.handle, uint32(port), uintptr(unsafe.Pointer(&out.Usage)))
	if err := nativeErr("graphic buffer usage", rc); err != nil {
		return 0, err
	}
	return out.Usage, nil
}
