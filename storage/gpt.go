// Package storage implements the GPT/PMT partition-table layer (spec.md
// §4.8): read the first two device pages, pick GPT vs. the legacy
// MediaTek PMT format, and expose a uniform partition list.
package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/mtkerr"
)

const gptSignature = "EFI PART"

// Header holds the fields of a GPT header this layer actually needs.
type Header struct {
	DiskGUID          uuid.UUID
	FirstUsableLBA    uint64
	LastUsableLBA     uint64
	PartitionEntryLBA uint64
	NumPartEntries    uint32
	PartEntrySize     uint32
}

// PartitionEntry is one GPT or PMT partition record, normalized to a
// common shape regardless of which wire variant it came from.
type PartitionEntry struct {
	Name       string
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	StartLBA   uint64
	EndLBA     uint64
	Attributes uint64
}

// ParseHeader reads a GPT header from data, which must be at least
// 2*pageSize bytes (LBA0 is the protective MBR, LBA1 is the GPT header).
func ParseHeader(data []byte, pageSize int) (Header, error) {
	if len(data) < 2*pageSize {
		return Header{}, &mtkerr.Format{Msg: "GPT blob shorter than two pages"}
	}
	hdr := data[pageSize:]
	if len(hdr) < 92 {
		return Header{}, &mtkerr.Format{Msg: "GPT header truncated"}
	}
	if string(hdr[0:8]) != gptSignature {
		return Header{}, &mtkerr.Format{Msg: "GPT signature mismatch"}
	}

	diskGUID, err := guidFromMixedEndianBytes(hdr[56:72])
	if err != nil {
		return Header{}, &mtkerr.Format{Msg: "malformed disk GUID: " + err.Error()}
	}

	return Header{
		DiskGUID:          diskGUID,
		FirstUsableLBA:    binary.LittleEndian.Uint64(hdr[40:48]),
		LastUsableLBA:     binary.LittleEndian.Uint64(hdr[48:56]),
		PartitionEntryLBA: binary.LittleEndian.Uint64(hdr[72:80]),
		NumPartEntries:    binary.LittleEndian.Uint32(hdr[80:84]),
		PartEntrySize:     binary.LittleEndian.Uint32(hdr[84:88]),
	}, nil
}

// ParseEntries reads hdr.NumPartEntries entries of hdr.PartEntrySize bytes
// each, starting at hdr.PartitionEntryLBA*pageSize within data. Entries
// whose type GUID is all-zero (unused slots) are skipped.
func ParseEntries(data []byte, pageSize int, hdr Header) ([]PartitionEntry, error) {
	start := hdr.PartitionEntryLBA * uint64(pageSize)
	var entries []PartitionEntry
	for i := uint32(0); i < hdr.NumPartEntries; i++ {
		off := start + uint64(i)*uint64(hdr.PartEntrySize)
		if off+128 > uint64(len(data)) {
			return nil, &mtkerr.Format{Msg: "GPT entry table truncated"}
		}
		raw := data[off : off+128]

		typeGUID, err := guidFromMixedEndianBytes(raw[0:16])
		if err != nil {
			return nil, &mtkerr.Format{Msg: "malformed partition type GUID: " + err.Error()}
		}
		if typeGUID == uuid.Nil {
			continue
		}
		uniqueGUID, err := guidFromMixedEndianBytes(raw[16:32])
		if err != nil {
			return nil, &mtkerr.Format{Msg: "malformed partition unique GUID: " + err.Error()}
		}

		entries = append(entries, PartitionEntry{
			TypeGUID:   typeGUID,
			UniqueGUID: uniqueGUID,
			StartLBA:   binary.LittleEndian.Uint64(raw[32:40]),
			EndLBA:     binary.LittleEndian.Uint64(raw[40:48]),
			Attributes: binary.LittleEndian.Uint64(raw[48:56]),
			Name:       decodeUTF16Name(raw[56:128]),
		})
	}
	return entries, nil
}

func decodeUTF16Name(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	s := string(utf16.Decode(units))
	return strings.TrimRight(s, "\x00")
}

// guidFromMixedEndianBytes decodes a GPT on-wire GUID, whose first three
// fields are little-endian (unlike RFC 4122's big-endian wire format),
// into a standard uuid.UUID.
func guidFromMixedEndianBytes(b []byte) (uuid.UUID, error) {
	if len(b) != 16 {
		return uuid.Nil, errWrongGUIDLength
	}
	var swapped [16]byte
	binary.BigEndian.PutUint32(swapped[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(swapped[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(swapped[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(swapped[8:16], b[8:16])
	return uuid.FromBytes(swapped[:])
}

type wrongGUIDLengthErr struct{}

func (wrongGUIDLengthErr) Error() string { return "GUID must be exactly 16 bytes" }

var errWrongGUIDLength = wrongGUIDLengthErr{}

// ReadFlashFunc mirrors the active DA session's read path: addr and length
// are byte offsets/counts, not sectors.
type ReadFlashFunc func(ctx context.Context, addr, length uint64) ([]byte, error)

// GetGPT implements spec.md §4.8's get_gpt: read the first two pages, pick
// GPT vs. PMT, and return the full partition list. readPMT may be nil (it
// is only available for the Legacy DA dialect); when nil and the blob
// looks like a PMT, GPT parsing is attempted anyway and will fail.
func GetGPT(ctx context.Context, read ReadFlashFunc, pageSize int, readPMT func([]byte) ([]PartitionEntry, error), log logx.Logger) ([]PartitionEntry, error) {
	if log == nil {
		log = logx.Nop
	}

	head, err := read(ctx, 0, uint64(2*pageSize))
	if err != nil {
		return nil, err
	}
	if len(head) < 9 {
		return nil, &mtkerr.Format{Msg: "partition blob too short to identify"}
	}

	if bytes.HasPrefix(head, []byte("EMMC_BOOT")) && readPMT != nil {
		log.Debugf("EMMC_BOOT signature detected, parsing legacy PMT")
		return readPMT(head)
	}

	hdr, err := ParseHeader(head, pageSize)
	if err != nil {
		return nil, err
	}
	if hdr.FirstUsableLBA == 0 {
		return nil, &mtkerr.Format{Msg: "GPT header reports first_usable_lba=0"}
	}

	full, err := read(ctx, 0, hdr.FirstUsableLBA*uint64(pageSize))
	if err != nil {
		return nil, err
	}
	return ParseEntries(full, pageSize, hdr)
}

// DetectPartition returns the first entry whose name matches name
// case-insensitively, or the full list if none match (spec.md §4.8:
// "the caller decides how to present that").
func DetectPartition(entries []PartitionEntry, name string) (PartitionEntry, []PartitionEntry, bool) {
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return e, nil, true
		}
	}
	return PartitionEntry{}, entries, false
}
