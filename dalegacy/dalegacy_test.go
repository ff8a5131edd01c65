package dalegacy

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/satyamisme/mtkclient/mtkio/mtkiotest"
)

// TestChecksumIsRunningXOR exercises Testable Property 4 directly.
func TestChecksumIsRunningXOR(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	padded := append(append([]byte(nil), data...), 0)

	var want uint16
	for i := 0; i+1 < len(padded); i += 2 {
		want ^= binary.LittleEndian.Uint16(padded[i : i+2])
	}

	if got := checksum(data); got != want {
		t.Fatalf("checksum mismatch: got %#04x want %#04x", got, want)
	}
}

// TestWritePartitionLegacy exercises Scenario S3: a 0x200000-byte file
// written to "cache" at start_lba=0x40000 (addr=0x08000000) in two 1 MiB
// chunks, each framed as ACK + data + checksum, ACKed by the device with
// CONT.
func TestWritePartitionLegacy(t *testing.T) {
	const (
		addr   = 0x08000000
		length = 0x00200000
	)

	f := mtkiotest.NewFake()
	f.Push([]byte{Ack}) // header ack
	f.Push([]byte{Cont})
	f.Push([]byte{Cont})

	s := New(f, StorageEMMC, nil)

	chunks := [][]byte{
		make([]byte, writePacketSize),
		make([]byte, writePacketSize),
	}
	for i := range chunks[0] {
		chunks[0][i] = byte(i)
	}
	idx := 0
	source := func([]byte) ([]byte, error) {
		c := chunks[idx]
		idx++
		return c, nil
	}

	if err := s.WritePartition(context.Background(), "cache", addr, length, source); err != nil {
		t.Fatalf("WritePartition: %v", err)
	}

	written := f.Written.Bytes()
	if written[0] != OpSDMMCWriteData {
		t.Fatalf("expected opcode %#02x first, got %#02x", OpSDMMCWriteData, written[0])
	}
	if got := binary.BigEndian.Uint64(written[3:11]); got != addr {
		t.Fatalf("expected addr %#x in header, got %#x", addr, got)
	}
	if got := binary.BigEndian.Uint64(written[11:19]); got != length {
		t.Fatalf("expected length %#x in header, got %#x", length, got)
	}
	if got := binary.BigEndian.Uint32(written[19:23]); got != writePacketSize {
		t.Fatalf("expected packet size %#x in header, got %#x", writePacketSize, got)
	}
	if idx != 2 {
		t.Fatalf("expected exactly 2 chunks read from source, got %d", idx)
	}
}

// TestReadFlashInfoReparsesNandInfoOnZeroCount exercises the design note at
// spec.md line 208: a NAND geometry blob whose 64-bit shape reports a zero
// device-ID count must be reparsed under the 32-bit shape instead.
func TestReadFlashInfoReparsesNandInfoOnZeroCount(t *testing.T) {
	f := mtkiotest.NewFake()

	var blob []byte
	blob = append(blob, make([]byte, 0x1C)...) // norinfo

	nand := make([]byte, 0x11)
	nand[11], nand[12] = 0x00, 0x02 // 32-bit m_nand_flash_id_count = 2
	nand[15], nand[16] = 0x00, 0x00 // 64-bit m_nand_flash_id_count = 0
	blob = append(blob, nand...)
	// nandcount*2-4 == 0 extra bytes to read for the device-code array.

	blob = append(blob, make([]byte, 9)...)    // nandinfo2
	blob = append(blob, make([]byte, 0x5C)...) // emmcinfo
	blob = append(blob, make([]byte, 0x1C)...) // sdcinfo
	blob = append(blob, make([]byte, 0x26)...) // configinfo

	pass := make([]byte, 0xA)
	pass[0] = Ack
	blob = append(blob, pass...)

	f.Push(blob)

	fi, err := ReadFlashInfo(f)
	if err != nil {
		t.Fatalf("ReadFlashInfo: %v", err)
	}
	if fi.Nand.Is64Bit {
		t.Fatalf("expected reparse to the 32-bit NAND shape")
	}
	if fi.Nand.FlashIDCount != 2 {
		t.Fatalf("expected reparsed nand count 2, got %d", fi.Nand.FlashIDCount)
	}
	if len(fi.Nand.DevCode) != 2 {
		t.Fatalf("expected 2 device codes, got %d", len(fi.Nand.DevCode))
	}
	if fi.Pass.Ack != Ack {
		t.Fatalf("expected pass ack, got %#02x", fi.Pass.Ack)
	}
}
