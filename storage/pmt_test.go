package storage

import (
	"encoding/binary"
	"testing"
)

// buildPMTBlob lays out a single entry at the given stride, with the
// sentinel byte set at offset 0x48.
func buildPMTBlob(sentinel byte, stride int, sizeIs64 bool, name string, start, size uint64) []byte {
	data := make([]byte, stride+16)
	data[pmtSentinelOffset] = sentinel
	copy(data[:len(name)], name)
	if sizeIs64 {
		binary.LittleEndian.PutUint64(data[pmtNameFieldSize:], start)
		binary.LittleEndian.PutUint64(data[pmtNameFieldSize+8:], size)
	} else {
		binary.LittleEndian.PutUint32(data[pmtNameFieldSize:], uint32(start))
		binary.LittleEndian.PutUint32(data[pmtNameFieldSize+4:], uint32(size))
	}
	return data
}

// TestSelectPMTVariant exercises Testable Property 6 directly.
func TestSelectPMTVariant(t *testing.T) {
	cases := []struct {
		sentinel byte
		want     pmtVariant
	}{
		{0xFF, pmtVariantWide},
		{0x01, pmtVariant64},
		{0x09, pmtVariant64},
		{0x00, pmtVariant32},
		{0x0A, pmtVariant32},
	}
	for _, c := range cases {
		if got := selectPMTVariant(c.sentinel); got != c.want {
			t.Fatalf("sentinel %#02x: got %+v want %+v", c.sentinel, got, c.want)
		}
	}
}

func TestParsePMTWideVariant(t *testing.T) {
	blob := buildPMTBlob(0xFF, pmtVariantWide.stride, true, "userdata", 0x1000, 0x2000)
	entries, err := ParsePMT(blob, nil)
	if err != nil {
		t.Fatalf("ParsePMT: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "userdata" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].StartLBA != 0x1000 || entries[0].EndLBA != 0x1000+0x2000-1 {
		t.Fatalf("unexpected region: %+v", entries[0])
	}
}

func TestParsePMT32BitVariant(t *testing.T) {
	blob := buildPMTBlob(0x00, pmtVariant32.stride, false, "boot", 0x40000, 0x8000)
	entries, err := ParsePMT(blob, nil)
	if err != nil {
		t.Fatalf("ParsePMT: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "boot" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
