// Package daloader parses the vendor Download Agent catalog binary and
// selects the entry matching a device's hardware/software version (spec.md
// §4.6 "Download Agent loader"). It does not upload or boot the selected
// entry.
package daloader

import (
	"encoding/binary"

	"github.com/satyamisme/mtkclient/mtkerr"
)

const (
	catalogCountOffset = 0x68
	entryTableOffset   = 0x6C
	entryStride        = 0xDC
	entryHeaderSize    = 0x14
	loadRegionSize     = 20
)

// LoadRegion is one load-region record trailing a header in the catalog
// (spec.md: "count x {buf_offset, length, start_addr, file_offset, sig_len}
// 20-byte records").
type LoadRegion struct {
	BufOffset  uint32
	Length     uint32
	StartAddr  uint32
	FileOffset uint32
	SigLen     uint32
}

// Entry is one parsed DA catalog record: a header plus its load regions.
type Entry struct {
	Magic            uint16
	HWCode           uint16
	HWSubCode        uint16
	HWVersion        uint16
	SWVersion        uint16
	PageSize         uint16
	EntryRegionIndex uint16
	EntryRegionCount uint16
	Regions          []LoadRegion
}

// Catalog is a parsed DA binary: every entry the file describes, in file
// order.
type Catalog struct {
	Raw     []byte
	Entries []Entry
}

// Parse reads a DA catalog from raw loader bytes (spec.md §4.6: "count_da
// u32 LE at 0x68, 0xDC-byte-stride entries starting at 0x6C").
func Parse(raw []byte) (*Catalog, error) {
	if len(raw) < catalogCountOffset+4 {
		return nil, &mtkerr.Format{Msg: "DA catalog too short for count_da header"}
	}
	count := binary.LittleEndian.Uint32(raw[catalogCountOffset : catalogCountOffset+4])

	cat := &Catalog{Raw: raw}
	for i := uint32(0); i < count; i++ {
		base := entryTableOffset + int(i)*entryStride
		if base+entryHeaderSize > len(raw) {
			return nil, &mtkerr.Format{Msg: "DA catalog truncated at entry header"}
		}
		hdr := raw[base : base+entryHeaderSize]
		e := Entry{
			Magic:            binary.LittleEndian.Uint16(hdr[0:2]),
			HWCode:           binary.LittleEndian.Uint16(hdr[2:4]),
			HWSubCode:        binary.LittleEndian.Uint16(hdr[4:6]),
			HWVersion:        binary.LittleEndian.Uint16(hdr[6:8]),
			SWVersion:        binary.LittleEndian.Uint16(hdr[8:10]),
			PageSize:         binary.LittleEndian.Uint16(hdr[12:14]),
			EntryRegionIndex: binary.LittleEndian.Uint16(hdr[16:18]),
			EntryRegionCount: binary.LittleEndian.Uint16(hdr[18:20]),
		}

		regionBase := base + entryHeaderSize
		for r := uint16(0); r < e.EntryRegionCount; r++ {
			off := regionBase + int(r)*loadRegionSize
			if off+loadRegionSize > len(raw) {
				return nil, &mtkerr.Format{Msg: "DA catalog truncated at load region"}
			}
			rb := raw[off : off+loadRegionSize]
			e.Regions = append(e.Regions, LoadRegion{
				BufOffset:  binary.LittleEndian.Uint32(rb[0:4]),
				Length:     binary.LittleEndian.Uint32(rb[4:8]),
				StartAddr:  binary.LittleEndian.Uint32(rb[8:12]),
				FileOffset: binary.LittleEndian.Uint32(rb[12:16]),
				SigLen:     binary.LittleEndian.Uint32(rb[16:20]),
			})
		}
		cat.Entries = append(cat.Entries, e)
	}
	return cat, nil
}

// Select picks the entry matching hwCode whose hw_version and sw_version
// are both at most the device's reported versions, breaking ties by the
// highest matching (hw_version, sw_version) pair (Testable Property 3: no
// match at all is a hard failure before any exploit attempt).
func (c *Catalog) Select(hwCode, deviceHWVer, deviceSWVer uint16) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range c.Entries {
		if e.HWCode != hwCode {
			continue
		}
		if e.HWVersion > deviceHWVer || e.SWVersion > deviceSWVer {
			continue
		}
		if !found || higherVersion(e, best) {
			best = e
			found = true
		}
	}
	return best, found
}

func higherVersion(a, b Entry) bool {
	if a.HWVersion != b.HWVersion {
		return a.HWVersion > b.HWVersion
	}
	return a.SWVersion > b.SWVersion
}
