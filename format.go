package omx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MIME types understood by the component registry.
const (
	MIMEVideoAVC  = "video/avc"
	MIMEVideoHEVC = "video/hevc"
	MIMEVideoVP8  = "video/x-vnd.on2.vp8"
	MIMEVideoVP9  = "video/x-vnd.on2.vp9"
	MIMEVideoAV1  = "video/av01"
	MIMEVideoRaw  = "video/raw"
	MIMEAudioAAC  = "audio/mp4a-latm"
	MIMEAudioOpus = "audio/opus"
	MIMEAudioRaw  = "audio/raw"
)

// IsVideo reports whether mime names a video type.
func IsVideo(mime string) bool { return strings.HasPrefix(mime, "video/") }

// ColorFormat is the pixel layout of raw video buffers.
type ColorFormat uint32

const (
	ColorFormatUnknown ColorFormat = iota
	ColorFormatYUV420Planar
	ColorFormatYUV420SemiPlanar
	// ColorFormatOpaque is used when output goes to a native window.
	ColorFormatOpaque
)

func (c ColorFormat) String() string {
	switch c {
	case ColorFormatYUV420Planar:
		return "yuv420p"
	case ColorFormatYUV420SemiPlanar:
		return "nv12"
	case ColorFormatOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Rect is a crop rectangle, inclusive on both ends.
type Rect struct {
	Left, Top, Right, Bottom int
}

// Format describes the data flowing through one side of a codec.
type Format struct {
	MIME        string
	Width       int
	Height      int
	Stride      int
	SliceHeight int
	Crop        Rect
	ColorFormat ColorFormat

	SampleRate int
	Channels   int

	BitRate      int
	FrameRate    int
	MaxInputSize int
	Duration     time.Duration

	// CSD holds codec specific data blobs in delivery order. For AVC an
	// avcC record may be given as a single blob; it is split into SPS and
	// PPS before delivery.
	CSD [][]byte

	// Component is set on output formats to the name of the decoding or
	// encoding component.
	Component string
}

func (f Format) String() string {
	if IsVideo(f.MIME) {
		return fmt.Sprintf("%s %dx%d %s", f.MIME, f.Width, f.Height, f.ColorFormat)
	}
	return fmt.Sprintf("%s %dHz %dch", f.MIME, f.SampleRate, f.Channels)
}

// formatNotablyChanged reports whether a client has to be told about the
// new output format.
func formatNotablyChanged(from, to Format) bool {
	if from.MIME != to.MIME {
		return true
	}
	if IsVideo(to.MIME) {
		return from.Width != to.Width ||
			from.Height != to.Height ||
			from.Stride != to.Stride ||
			from.SliceHeight != to.SliceHeight ||
			from.Crop != to.Crop ||
			from.ColorFormat != to.ColorFormat
	}
	return from.Channels != to.Channels || from.SampleRate != to.SampleRate
}

// ParamIndex identifies a node parameter blob.
type ParamIndex uint32

const (
	IndexParamPortDefinition ParamIndex = iota + 1
	IndexParamStoreMetaData
)

// Param is a typed node parameter. Native nodes exchange the binary form.
type Param interface {
	Index() ParamIndex
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

var errShortParam = errors.New("omx: short parameter blob")

// PortDefinition is the negotiated shape of one port.
type PortDefinition struct {
	Port        PortIndex
	CountActual int
	CountMin    int
	Size        int
	Enabled     bool

	MIME        string
	Width       int
	Height      int
	Stride      int
	SliceHeight int
	ColorFormat ColorFormat
	SampleRate  int
	Channels    int
}

func (*PortDefinition) Index() ParamIndex { return IndexParamPortDefinition }

const portDefFixedLen = 4 * 12

// MarshalBinary encodes the definition as little-endian uint32 fields
// followed by the MIME string.
func (d *PortDefinition) MarshalBinary() ([]byte, error) {
	buf := make([]byte, portDefFixedLen, portDefFixedLen+len(d.MIME))
	var enabled uint32
	if d.Enabled {
		enabled = 1
	}
	fields := [12]uint32{
		uint32(d.Port), uint32(d.CountActual), uint32(d.CountMin), uint32(d.Size), enabled,
		uint32(d.Width), uint32(d.Height), uint32(d.Stride), uint32(d.SliceHeight),
		uint32(d.ColorFormat), uint32(d.SampleRate), uint32(d.Channels),
	}
	for i, v := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return append(buf, d.MIME...), nil
}

func (d *PortDefinition) UnmarshalBinary(data []byte) error {
	if len(data) < portDefFixedLen {
		return errShortParam
	}
	u := func(i int) int { return int(binary.LittleEndian.Uint32(data[i*4:])) }
	d.Port = PortIndex(u(0))
	d.CountActual = u(1)
	d.CountMin = u(2)
	d.Size = u(3)
	d.Enabled = u(4) != 0
	d.Width = u(5)
	d.Height = u(6)
	d.Stride = u(7)
	d.SliceHeight = u(8)
	d.ColorFormat = ColorFormat(u(9))
	d.SampleRate = u(10)
	d.Channels = u(11)
	d.MIME = string(data[portDefFixedLen:])
	return nil
}

// StoreMetaDataParam asks an encoder to accept buffer metadata instead of
// pixel data on its input port.
type StoreMetaDataParam struct {
	Port   PortIndex
	Enable bool
}

func (*StoreMetaDataParam) Index() ParamIndex { return IndexParamStoreMetaData }

func (p *StoreMetaDataParam) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, uint32(p.Port))
	if p.Enable {
		binary.LittleEndian.PutUint32(buf[4:], 1)
	}
	return buf, nil
}

func (p *StoreMetaDataParam) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return errShortParam
	}
	p.Port = PortIndex(binary.LittleEndian.Uint32(data))
	p.Enable = binary.LittleEndian.Uint32(data[4:]) != 0
	return nil
}
