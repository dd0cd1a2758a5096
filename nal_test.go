package omx

import (
	"bytes"
	"errors"
	"testing"
)

func TestSplitAnnexB(t *testing.T) {
	data := []byte{
		0, 0, 0, 1, 0x67, 0xaa,
		0, 0, 1, 0x68, 0xbb,
		0, 0, 0, 1, 0x65, 0x01, 0x02,
	}
	units := splitAnnexB(data)
	want := [][]byte{{0x67, 0xaa}, {0x68, 0xbb}, {0x65, 0x01, 0x02}}
	if len(units) != len(want) {
		t.Fatalf("got %d units, want %d: %x", len(units), len(want), units)
	}
	for i := range want {
		if !bytes.Equal(units[i], want[i]) {
			t.Errorf("unit %d = %x, want %x", i, units[i], want[i])
		}
	}

	if units := splitAnnexB([]byte{0x65, 0x01}); units != nil {
		t.Errorf("no start code: got %x, want nil", units)
	}
}

func TestParseAVCDecoderConfig(t *testing.T) {
	record := []byte{0x01, 0x64, 0x00, 0x1f, 0xff, 0xe1, 0x00, 0x03, 0x67, 0x64, 0x00, 0x01, 0x00, 0x02, 0x68, 0xee}
	sps, pps, err := parseAVCDecoderConfig(record)
	if err != nil {
		t.Fatalf("parseAVCDecoderConfig: %v", err)
	}
	if len(sps) != 1 || !bytes.Equal(sps[0], []byte{0x67, 0x64, 0x00}) {
		t.Errorf("sps = %x", sps)
	}
	if len(pps) != 1 || !bytes.Equal(pps[0], []byte{0x68, 0xee}) {
		t.Errorf("pps = %x", pps)
	}

	// Parameter sets must not alias the record.
	record[8] = 0
	if sps[0][0] != 0x67 {
		t.Error("sps aliases the input record")
	}

	bad := [][]byte{
		nil,
		{0x02, 0x64, 0x00, 0x1f, 0xff, 0xe1, 0x00},
		{0x01, 0x64, 0x00, 0x1f, 0xff, 0xe1, 0x00, 0x09, 0x67},
		{0x01, 0x64, 0x00, 0x1f, 0xff, 0xe2, 0x00, 0x01, 0x67},
	}
	for i, b := range bad {
		if _, _, err := parseAVCDecoderConfig(b); !errors.Is(err, errBadAVCConfig) {
			t.Errorf("record %d: err = %v, want errBadAVCConfig", i, err)
		}
	}
}

func TestAVCCToAnnexB(t *testing.T) {
	sps := []byte{0x67, 0x42}
	out, err := avccToAnnexB([]byte{0, 0, 0, 2, 0x65, 0x88, 0, 0, 0, 1, 0x06}, sps)
	if err != nil {
		t.Fatalf("avccToAnnexB: %v", err)
	}
	want := []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x65, 0x88, 0, 0, 0, 1, 0x06}
	if !bytes.Equal(out, want) {
		t.Errorf("got %x, want %x", out, want)
	}
	if !containsIDR(out) {
		t.Error("containsIDR = false for an IDR access unit")
	}
	if containsIDR([]byte{0, 0, 0, 1, 0x41, 0x9a}) {
		t.Error("containsIDR = true for a non-IDR slice")
	}

	for _, bad := range [][]byte{
		nil,
		{0, 0, 0},
		{0, 0, 0, 5, 0x65},
		{0, 0, 0, 0},
	} {
		if _, err := avccToAnnexB(bad); !errors.Is(err, ErrCorruptUnit) {
			t.Errorf("avccToAnnexB(%x) = %v, want ErrCorruptUnit", bad, err)
		}
	}
}

func TestSplitCodecConfig(t *testing.T) {
	record := []byte{0x01, 0x64, 0x00, 0x1f, 0xff, 0xe1, 0x00, 0x01, 0x67, 0x01, 0x00, 0x01, 0x68}
	got := splitCodecConfig(Format{MIME: MIMEVideoAVC, CSD: [][]byte{record}})
	if len(got) != 2 || got[0][0] != 0x67 || got[1][0] != 0x68 {
		t.Errorf("avcC split = %x, want SPS and PPS", got)
	}

	// Anything else is submitted as given.
	raw := [][]byte{{0x00, 0x00, 0x00, 0x01, 0x67}}
	got = splitCodecConfig(Format{MIME: MIMEVideoAVC, CSD: raw})
	if len(got) != 1 || !bytes.Equal(got[0], raw[0]) {
		t.Errorf("Annex B config = %x, want it unchanged", got)
	}
	if got := splitCodecConfig(Format{MIME: MIMEVideoVP8}); len(got) != 0 {
		t.Errorf("VP8 without config = %x", got)
	}
}

// FuzzSplitAnnexB checks start code scanning on arbitrary input.
// Run with: go test -fuzz=FuzzSplitAnnexB -fuzztime=30s
func FuzzSplitAnnexB(f *testing.F) {
	seeds := [][]byte{
		{0x00, 0x00, 0x00, 0x01, 0x67},
		{0x00, 0x00, 0x01, 0x65, 0x00, 0x00, 0x01},
		{0x00, 0x00, 0x00, 0x00, 0x01},
		{0x00, 0x00},
		{},
	}
	for _, s := range seeds {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		total := 0
		for _, u := range splitAnnexB(data) {
			if len(u) == 0 {
				t.Fatalf("empty unit from %x", data)
			}
			total += len(u)
		}
		if total > len(data) {
			t.Fatalf("units cover %d bytes of %d", total, len(data))
		}
	})
}

// FuzzAVCDecoderConfig checks that malformed records fail cleanly.
func FuzzAVCDecoderConfig(f *testing.F) {
	f.Add([]byte{0x01, 0x64, 0x00, 0x1f, 0xff, 0xe1, 0x00, 0x01, 0x67, 0x01, 0x00, 0x01, 0x68})
	f.Add([]byte{0x01, 0x64, 0x00, 0x1f, 0xff, 0xe1, 0xff, 0xff})
	f.Add([]byte{0x00, 0x00, 0x00, 0x02, 0x65, 0x88})
	f.Fuzz(func(t *testing.T, data []byte) {
		if _, _, err := parseAVCDecoderConfig(data); err != nil && !errors.Is(err, errBadAVCConfig) {
			t.Fatalf("unexpected error type: %v", err)
		}
		out, err := avccToAnnexB(data)
		if err != nil {
			if !errors.Is(err, ErrCorruptUnit) {
				t.Fatalf("unexpected error type: %v", err)
			}
			return
		}
		if !bytes.HasPrefix(out, annexBStartCode) || len(out) != len(data) {
			t.Fatalf("rewrite of %d bytes gave %d bytes", len(data), len(out))
		}
	})
}
