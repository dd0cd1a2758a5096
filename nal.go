package omx

import (
	"errors"
	"fmt"
)

var annexBStartCode = []byte{0, 0, 0, 1}

var errBadAVCConfig = errors.New("omx: malformed avcC record")

// H.264 NAL unit types the sources care about.
const (
	nalTypeIDR = 5
	nalTypeSPS = 7
	nalTypePPS = 8
)

// splitAnnexB splits an Annex B stream at 3 and 4 byte start codes. The
// returned units alias data.
func splitAnnexB(data []byte) [][]byte {
	var units [][]byte
	start := -1
	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		var sc int
		switch {
		case data[i+2] == 1:
			sc = 3
		case i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1:
			sc = 4
		default:
			continue
		}
		if start >= 0 && i > start {
			units = append(units, data[start:i])
		}
		start = i + sc
		i += sc - 1
	}
	if start >= 0 && start < len(data) {
		units = append(units, data[start:])
	}
	return units
}

// parseAVCDecoderConfig extracts the parameter sets of an
// AVCDecoderConfigurationRecord. Each set is copied.
func parseAVCDecoderConfig(data []byte) (sps, pps [][]byte, err error) {
	if len(data) < 7 || data[0] != 1 {
		return nil, nil, errBadAVCConfig
	}
	off := 5
	read := func(n int) ([][]byte, error) {
		var sets [][]byte
		for i := 0; i < n; i++ {
			if off+2 > len(data) {
				return nil, fmt.Errorf("%w: truncated length", errBadAVCConfig)
			}
			l := int(data[off])<<8 | int(data[off+1])
			off += 2
			if off+l > len(data) {
				return nil, fmt.Errorf("%w: set of %d bytes overruns record", errBadAVCConfig, l)
			}
			sets = append(sets, append([]byte(nil), data[off:off+l]...))
			off += l
		}
		return sets, nil
	}

	numSPS := int(data[off] & 0x1f)
	off++
	if sps, err = read(numSPS); err != nil {
		return nil, nil, err
	}
	if off >= len(data) {
		return sps, nil, nil
	}
	numPPS := int(data[off])
	off++
	if pps, err = read(numPPS); err != nil {
		return nil, nil, err
	}
	return sps, pps, nil
}

// avccToAnnexB rewrites length-prefixed NAL units with start codes. The
// prefix units, when given, are emitted first.
func avccToAnnexB(data []byte, prefix ...[]byte) ([]byte, error) {
	var out []byte
	for _, p := range prefix {
		out = append(out, annexBStartCode...)
		out = append(out, p...)
	}
	n := 0
	for off := 0; off < len(data); {
		if off+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated NAL length at %d", ErrCorruptUnit, off)
		}
		l := int(data[off])<<24 | int(data[off+1])<<16 | int(data[off+2])<<8 | int(data[off+3])
		off += 4
		if l <= 0 || off+l > len(data) {
			return nil, fmt.Errorf("%w: NAL of %d bytes at %d overruns %d", ErrCorruptUnit, l, off, len(data))
		}
		out = append(out, annexBStartCode...)
		out = append(out, data[off:off+l]...)
		off += l
		n++
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no NAL units", ErrCorruptUnit)
	}
	return out, nil
}

// containsIDR reports whether an Annex B access unit carries an IDR slice.
func containsIDR(au []byte) bool {
	for _, u := range splitAnnexB(au) {
		if len(u) > 0 && u[0]&0x1f == nalTypeIDR {
			return true
		}
	}
	return false
}
