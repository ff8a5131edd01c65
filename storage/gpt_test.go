package storage

import (
	"context"
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/google/uuid"
)

const testPageSize = 512

// buildGPT synthesizes a minimal two-page GPT blob (protective MBR page +
// header page) plus a following entry table, for a single partition.
func buildGPT(name string, startLBA, endLBA uint64) []byte {
	const numEntries = 1
	const entrySize = 128
	const entryTableLBA = 2

	header := make([]byte, testPageSize)
	copy(header[0:8], gptSignature)
	binary.LittleEndian.PutUint64(header[40:48], entryTableLBA+1) // first_usable_lba
	binary.LittleEndian.PutUint64(header[48:56], 0xFFFF)
	binary.LittleEndian.PutUint64(header[72:80], entryTableLBA)
	binary.LittleEndian.PutUint32(header[80:84], numEntries)
	binary.LittleEndian.PutUint32(header[84:88], entrySize)

	total := make([]byte, (entryTableLBA+2)*testPageSize)
	copy(total[testPageSize:], header)

	entryOff := entryTableLBA * testPageSize
	entry := total[entryOff : entryOff+entrySize]
	typeGUID := uuid.New()
	gb, _ := typeGUID.MarshalBinary()
	// Store in GPT's mixed-endian wire order (reverse of the steps
	// ParseEntries undoes), matching guidFromMixedEndianBytes.
	mixed := toMixedEndian(gb)
	copy(entry[0:16], mixed)
	copy(entry[16:32], mixed) // unique guid, doesn't matter for this test
	binary.LittleEndian.PutUint64(entry[32:40], startLBA)
	binary.LittleEndian.PutUint64(entry[40:48], endLBA)
	units := utf16.Encode([]rune(name))
	for i, u := range units {
		binary.LittleEndian.PutUint16(entry[56+i*2:], u)
	}

	return total
}

func toMixedEndian(rfc4122 []byte) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint32(out[0:4], binary.BigEndian.Uint32(rfc4122[0:4]))
	binary.LittleEndian.PutUint16(out[4:6], binary.BigEndian.Uint16(rfc4122[4:6]))
	binary.LittleEndian.PutUint16(out[6:8], binary.BigEndian.Uint16(rfc4122[6:8]))
	copy(out[8:16], rfc4122[8:16])
	return out
}

func TestGetGPTParsesStandardLayout(t *testing.T) {
	blob := buildGPT("boot_a", 0x8000, 0x27FFF)

	read := func(ctx context.Context, addr, length uint64) ([]byte, error) {
		end := addr + length
		if end > uint64(len(blob)) {
			end = uint64(len(blob))
		}
		return blob[addr:end], nil
	}

	entries, err := GetGPT(context.Background(), read, testPageSize, nil, nil)
	if err != nil {
		t.Fatalf("GetGPT: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "boot_a" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].StartLBA != 0x8000 {
		t.Fatalf("unexpected start lba: %+v", entries[0])
	}
}

func TestGetGPTDelegatesToPMT(t *testing.T) {
	blob := append([]byte("EMMC_BOOT"), make([]byte, testPageSize*2-9)...)
	read := func(ctx context.Context, addr, length uint64) ([]byte, error) {
		return blob[addr : addr+length], nil
	}

	called := false
	readPMT := func(head []byte) ([]PartitionEntry, error) {
		called = true
		return []PartitionEntry{{Name: "pmt_part"}}, nil
	}

	entries, err := GetGPT(context.Background(), read, testPageSize, readPMT, nil)
	if err != nil {
		t.Fatalf("GetGPT: %v", err)
	}
	if !called {
		t.Fatalf("expected readPMT to be invoked for an EMMC_BOOT blob")
	}
	if len(entries) != 1 || entries[0].Name != "pmt_part" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestDetectPartitionCaseInsensitive(t *testing.T) {
	entries := []PartitionEntry{{Name: "Boot_A"}, {Name: "cache"}}

	found, _, ok := DetectPartition(entries, "boot_a")
	if !ok || found.Name != "Boot_A" {
		t.Fatalf("expected case-insensitive match, got %+v ok=%v", found, ok)
	}

	_, list, ok := DetectPartition(entries, "missing")
	if ok || len(list) != 2 {
		t.Fatalf("expected full list on miss, got %+v ok=%v", list, ok)
	}
}
