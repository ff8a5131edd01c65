package stage2

import (
	"encoding/binary"
	"testing"

	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio/mtkiotest"
)

// TestAwaitReady exercises Scenario S6's success path.
func TestAwaitReady(t *testing.T) {
	f := mtkiotest.NewFake()
	marker := make([]byte, 4)
	binary.BigEndian.PutUint32(marker, ReadyMarker)
	f.Push(marker)

	if err := AwaitReady(f); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
}

// TestAwaitReadyWrongMarkerIsExploitError exercises Scenario S6's failure
// path: any value other than 0xB1B2B3B4 is an ExploitError.
func TestAwaitReadyWrongMarkerIsExploitError(t *testing.T) {
	f := mtkiotest.NewFake()
	f.Push([]byte{0, 0, 0, 0})

	err := AwaitReady(f)
	if _, ok := err.(*mtkerr.Exploit); !ok {
		t.Fatalf("expected *mtkerr.Exploit, got %T: %v", err, err)
	}
}

func statusOK() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, TerminatingStatus)
	return b
}

func TestEMMCReadFramesRequestAndReturnsSector(t *testing.T) {
	f := mtkiotest.NewFake()
	sectorData := make([]byte, emmcSectorSize)
	for i := range sectorData {
		sectorData[i] = byte(i)
	}
	f.Push(sectorData)
	f.Push(statusOK())

	s := New(f, nil)
	data, err := s.EMMCRead(0x10)
	if err != nil {
		t.Fatalf("EMMCRead: %v", err)
	}
	if len(data) != emmcSectorSize {
		t.Fatalf("expected %#x bytes, got %#x", emmcSectorSize, len(data))
	}

	written := f.Written.Bytes()
	if binary.BigEndian.Uint32(written[0:4]) != RequestMagic {
		t.Fatalf("expected request magic first")
	}
	if binary.BigEndian.Uint32(written[4:8]) != uint32(CmdEMMCRead) {
		t.Fatalf("expected EMMC_READ opcode")
	}
	if binary.BigEndian.Uint32(written[8:12]) != 0x10 {
		t.Fatalf("expected sector argument 0x10")
	}
}

func TestRPMBReadByteReverses(t *testing.T) {
	f := mtkiotest.NewFake()
	data := make([]byte, rpmbSectorSize)
	for i := range data {
		data[i] = byte(i)
	}
	f.Push(data)
	f.Push(statusOK())

	s := New(f, nil)
	got, err := s.RPMBRead(0x5)
	if err != nil {
		t.Fatalf("RPMBRead: %v", err)
	}
	if got[0] != data[len(data)-1] {
		t.Fatalf("expected byte-reversed output, got first byte %#x", got[0])
	}
}

func TestMemJumpDoesNotWaitForStatus(t *testing.T) {
	f := mtkiotest.NewFake() // no status queued
	s := New(f, nil)
	if err := s.MemJump(0x40000000); err != nil {
		t.Fatalf("MemJump: %v", err)
	}
}
