package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/mtkerr"
)

// PMT wire variants, selected by the sentinel byte at offset 0x48 (spec.md
// §4.8, Testable Property 6; the source comments suggest this was
// reverse-engineered empirically, so the detected variant and the bytes
// around the sentinel are worth logging at debug level).
const pmtSentinelOffset = 0x48

type pmtVariant struct {
	stride   int
	sizeIs64 bool
}

var (
	pmtVariantWide   = pmtVariant{stride: 0x60, sizeIs64: true}
	pmtVariant64     = pmtVariant{stride: 0x58, sizeIs64: true}
	pmtVariant32     = pmtVariant{stride: 0x4C, sizeIs64: false}
	pmtNameFieldSize = 64
)

func selectPMTVariant(sentinel byte) pmtVariant {
	switch {
	case sentinel == 0xFF:
		return pmtVariantWide
	case sentinel >= 1 && sentinel <= 9:
		return pmtVariant64
	default:
		return pmtVariant32
	}
}

// ParsePMT parses the legacy MediaTek partition map out of data, choosing
// one of the three wire variants by the byte at offset 0x48.
func ParsePMT(data []byte, log logx.Logger) ([]PartitionEntry, error) {
	if log == nil {
		log = logx.Nop
	}
	if len(data) <= pmtSentinelOffset {
		return nil, &mtkerr.Format{Msg: "PMT blob too short to contain sentinel byte"}
	}

	sentinel := data[pmtSentinelOffset]
	variant := selectPMTVariant(sentinel)
	log.Debugf("PMT sentinel=0x%02x stride=0x%x bytes around 0x48=% x",
		sentinel, variant.stride, surrounding(data, pmtSentinelOffset, 4))

	var entries []PartitionEntry
	for off := 0; off+variant.stride <= len(data); off += variant.stride {
		raw := data[off : off+variant.stride]
		if raw[0] == 0 {
			break
		}
		name := string(bytes.TrimRight(raw[:pmtNameFieldSize], "\x00"))

		var start, size uint64
		if variant.sizeIs64 {
			start = binary.LittleEndian.Uint64(raw[pmtNameFieldSize : pmtNameFieldSize+8])
			size = binary.LittleEndian.Uint64(raw[pmtNameFieldSize+8 : pmtNameFieldSize+16])
		} else {
			start = uint64(binary.LittleEndian.Uint32(raw[pmtNameFieldSize : pmtNameFieldSize+4]))
			size = uint64(binary.LittleEndian.Uint32(raw[pmtNameFieldSize+4 : pmtNameFieldSize+8]))
		}

		end := start
		if size > 0 {
			end = start + size - 1
		}
		entries = append(entries, PartitionEntry{
			Name:     name,
			StartLBA: start,
			EndLBA:   end,
		})
	}
	return entries, nil
}

func surrounding(data []byte, offset, radius int) []byte {
	lo := offset - radius
	if lo < 0 {
		lo = 0
	}
	hi := offset + radius
	if hi > len(data) {
		hi = len(data)
	}
	return data[lo:hi]
}
