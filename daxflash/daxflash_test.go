package daxflash

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/satyamisme/mtkclient/mtkio/mtkiotest"
)

func statusOK() []byte {
	return []byte{0x00, 0x00, 0x00, 0x00}
}

// TestFrameRoundTrip exercises Testable Property 5's happy path: a frame
// written by Encode parses back into the same (type, payload) via
// ReadFrame.
func TestFrameRoundTrip(t *testing.T) {
	f := mtkiotest.NewFake()
	orig := Frame{Type: Message, Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	f.Push(orig.Encode())

	got, err := ReadFrame(f)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != orig.Type || string(got.Payload) != string(orig.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, orig)
	}
}

// TestReadFrameBadMagicIsFraming exercises Testable Property 5's magic
// mismatch case.
func TestReadFrameBadMagicIsFraming(t *testing.T) {
	f := mtkiotest.NewFake()
	bad := make([]byte, 12)
	binary.LittleEndian.PutUint32(bad[0:4], 0x12345678)
	f.Push(bad)

	_, err := ReadFrame(f)
	if err == nil {
		t.Fatalf("expected a framing error on bad magic")
	}
}

// TestReadFrameOversizedLengthIsFraming exercises the oversized-length half
// of Testable Property 5.
func TestReadFrameOversizedLengthIsFraming(t *testing.T) {
	f := mtkiotest.NewFake()
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(Message))
	binary.LittleEndian.PutUint32(hdr[8:12], maxFrameLength+1)
	f.Push(hdr)

	_, err := ReadFrame(f)
	if err == nil {
		t.Fatalf("expected a framing error on oversized length")
	}
}

// TestReadPartitionXFlash exercises Scenario S2: reading "boot_a"
// (start_lba=0x8000, sector_count=0x20000, block_size=0x200) produces one
// READ_DATA op with addr=0x01000000, size=0x04000000, and exactly that many
// bytes delivered to the sink.
func TestReadPartitionXFlash(t *testing.T) {
	const (
		addr = 0x01000000
		size = 0x04000000
	)

	f := mtkiotest.NewFake()
	f.Push(statusOK())          // verb status
	f.Push(statusOK())          // parameter block status
	for off := 0; off < size; off += 0x100000 {
		f.Push(make([]byte, 0x100000))
	}
	f.Push(statusOK()) // terminating status

	s := New(f, StorageEMMC, nil)

	var total uint64
	err := s.ReadPartition(context.Background(), "boot_a", addr, size, func(b []byte) error {
		total += uint64(len(b))
		return nil
	})
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if total != size {
		t.Fatalf("expected %#x bytes delivered, got %#x", size, total)
	}

	written := f.Written.Bytes()
	verb := binary.LittleEndian.Uint32(written[12:16])
	if Verb(verb) != VerbReadData {
		t.Fatalf("expected READ_DATA verb, got %#x", verb)
	}

	paramFrameOff := 12 + 4 // after the verb's own frame header + payload
	paramHdr := written[paramFrameOff : paramFrameOff+12]
	if binary.LittleEndian.Uint32(paramHdr[0:4]) != Magic {
		t.Fatalf("expected parameter block frame magic")
	}
	param := written[paramFrameOff+12 : paramFrameOff+12+40]
	if got := binary.LittleEndian.Uint32(param[0:4]); got != uint32(StorageEMMC) {
		t.Fatalf("expected storage=EMMC, got %d", got)
	}
	if got := binary.LittleEndian.Uint64(param[8:16]); got != addr {
		t.Fatalf("expected addr %#x, got %#x", addr, got)
	}
	if got := binary.LittleEndian.Uint64(param[16:24]); got != size {
		t.Fatalf("expected size %#x, got %#x", size, got)
	}
}
