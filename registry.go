package omx

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Component describes one codec implementation a NodeHost can allocate.
type Component struct {
	Name     string
	MIME     string
	Encoder  bool
	Software bool
	Quirks   Quirks
}

// CreateFlags steer component selection in Create.
type CreateFlags uint32

const (
	// CreatePreferSoftware orders software components first.
	CreatePreferSoftware CreateFlags = 1 << iota
	// CreateSoftwareOnly skips hardware components.
	CreateSoftwareOnly
	// CreateClientNeedsFramebuffer skips components whose output the
	// client cannot read.
	CreateClientNeedsFramebuffer
	// CreateIgnoreCodecSpecificData skips submitting the format's codec
	// config ahead of the first input unit.
	CreateIgnoreCodecSpecificData
)

var registry struct {
	sync.RWMutex
	components []Component
}

// RegisterComponent adds c to the component table. A later registration
// with the same name replaces the earlier one.
func RegisterComponent(c Component) {
	registry.Lock()
	defer registry.Unlock()
	for i, x := range registry.components {
		if x.Name == c.Name {
			registry.components[i] = c
			return
		}
	}
	registry.components = append(registry.components, c)
}

// Components returns a copy of the component table.
func Components() []Component {
	registry.RLock()
	defer registry.RUnlock()
	return slices.Clone(registry.components)
}

// FindMatchingComponents lists registered components for mime in
// registration order, filtered and ordered by flags.
func FindMatchingComponents(mime string, encoder bool, flags CreateFlags) []Component {
	registry.RLock()
	defer registry.RUnlock()

	var out []Component
	for _, c := range registry.components {
		if c.Encoder != encoder || !strings.EqualFold(c.MIME, mime) {
			continue
		}
		if flags&CreateSoftwareOnly != 0 && !c.Software {
			continue
		}
		if flags&CreateClientNeedsFramebuffer != 0 && c.Quirks.Has(OutputBuffersAreUnreadable) {
			continue
		}
		out = append(out, c)
	}
	if flags&CreatePreferSoftware != 0 {
		slices.SortStableFunc(out, func(a, b Component) int {
			switch {
			case a.Software == b.Software:
				return 0
			case a.Software:
				return -1
			default:
				return 1
			}
		})
	}
	return out
}

// Create instantiates the first matching component that accepts format.
// For decoders format describes the compressed input; for encoders it is
// the compressed output and source supplies raw frames.
func Create(host NodeHost, format Format, encoder bool, source Source, cfg Config) (*Codec, error) {
	if host == nil {
		return nil, ErrNodeUnavailable
	}
	cfg.setDefaults()
	log := cfg.Logger.With(zap.String("host", host.Name()))

	comps := FindMatchingComponents(format.MIME, encoder, cfg.Flags)
	if len(comps) == 0 {
		return nil, fmt.Errorf("%w: %s (encoder=%t)", ErrComponentNotFound, format.MIME, encoder)
	}

	var errs []error
	for _, comp := range comps {
		c := newCodec(host, comp, source, cfg)
		node, err := host.AllocateNode(comp.Name, c.mbox)
		if err != nil {
			log.Debug("allocate node failed", zap.String("component", comp.Name), zap.Error(err))
			c.shutdownDispatch()
			errs = append(errs, fmt.Errorf("%s: %w", comp.Name, err))
			continue
		}
		c.node = node
		if err := c.configure(format); err != nil {
			log.Debug("configure failed", zap.String("component", comp.Name), zap.Error(err))
			_ = node.Free()
			c.shutdownDispatch()
			errs = append(errs, fmt.Errorf("%s: %w", comp.Name, err))
			continue
		}
		c.log.Info("codec created", zap.Stringer("quirks", c.quirks), zap.Stringer("input", c.inputFormat))
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrComponentNotFound, format.MIME, errors.Join(errs...))
}

func (c *Codec) shutdownDispatch() {
	c.mbox.close()
	<-c.done
}

// configure programs both port definitions for format before any buffer
// exists.
func (c *Codec) configure(format Format) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.encoder {
		c.inputFormat = format
		if c.cfg.Flags&CreateIgnoreCodecSpecificData == 0 {
			c.csd = splitCodecConfig(format)
		}
	}

	in := &PortDefinition{Port: PortInput}
	if err := c.node.GetParameter(in); err != nil {
		return fmt.Errorf("get input port definition: %w", err)
	}
	if c.encoder {
		src := c.inputFormat
		in.MIME = MIMEVideoRaw
		in.Width, in.Height = format.Width, format.Height
		in.Stride, in.SliceHeight = format.Width, format.Height
		in.ColorFormat = src.ColorFormat
		if in.ColorFormat == ColorFormatUnknown {
			in.ColorFormat = ColorFormatYUV420Planar
		}
		if n := format.Width * format.Height * 3 / 2; n > in.Size {
			in.Size = n
		}
	} else {
		in.MIME = format.MIME
		in.Width, in.Height = format.Width, format.Height
		in.SampleRate, in.Channels = format.SampleRate, format.Channels
		if format.MaxInputSize > 0 && (c.quirks.Has(InputBufferSizesAreBogus) || format.MaxInputSize > in.Size) {
			in.Size = format.MaxInputSize
		}
	}
	if err := c.node.SetParameter(in); err != nil {
		return fmt.Errorf("set input port definition: %w", err)
	}

	out := &PortDefinition{Port: PortOutput}
	if err := c.node.GetParameter(out); err != nil {
		return fmt.Errorf("get output port definition: %w", err)
	}
	switch {
	case c.encoder:
		out.MIME = format.MIME
		out.Width, out.Height = format.Width, format.Height
	case IsVideo(format.MIME):
		out.MIME = MIMEVideoRaw
		out.Width, out.Height = format.Width, format.Height
		if c.window != nil {
			out.ColorFormat = ColorFormatOpaque
		}
	default:
		out.MIME = MIMEAudioRaw
		out.SampleRate, out.Channels = format.SampleRate, format.Channels
	}
	if err := c.node.SetParameter(out); err != nil {
		return fmt.Errorf("set output port definition: %w", err)
	}

	if c.encoder && c.quirks.Has(StoreMetaDataInInputVideoBuffers) {
		if err := c.node.SetParameter(&StoreMetaDataParam{Port: PortInput, Enable: true}); err != nil {
			return fmt.Errorf("store metadata in input buffers: %w", err)
		}
	}
	return c.initOutputFormat()
}

// splitCodecConfig turns the format's codec config into the units
// submitted ahead of the stream. An avcC record is split into its
// parameter sets.
func splitCodecConfig(f Format) [][]byte {
	if f.MIME == MIMEVideoAVC && len(f.CSD) == 1 && len(f.CSD[0]) > 0 && f.CSD[0][0] == 1 {
		sps, pps, err := parseAVCDecoderConfig(f.CSD[0])
		if err == nil {
			return append(sps, pps...)
		}
	}
	return slices.Clone(f.CSD)
}
