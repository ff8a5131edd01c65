package exploit

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/satyamisme/mtkclient/chipconfig"
	"github.com/satyamisme/mtkclient/mtkio/mtkiotest"
	"github.com/satyamisme/mtkclient/preloader"
)

func TestFixPayload(t *testing.T) {
	cfg := chipconfig.Entry{WatchdogAddr: 0xAAAA0000, UARTAddr: 0xBBBB0000}

	payload := make([]byte, 9)
	binary.LittleEndian.PutUint32(payload[1:5], 0x11002000)
	binary.LittleEndian.PutUint32(payload[5:9], 0x10007000)

	out := FixPayload(payload, cfg, true)

	if got := binary.LittleEndian.Uint32(out[5:9]); got != cfg.WatchdogAddr {
		t.Fatalf("watchdog word not rewritten: got %#x", got)
	}
	if got := binary.LittleEndian.Uint32(out[1:5]); got != cfg.UARTAddr {
		t.Fatalf("uart word not rewritten: got %#x", got)
	}
	if len(out)%4 != 0 {
		t.Fatalf("payload not 4-byte padded: len=%d", len(out))
	}
	if len(out) < 0x100 {
		t.Fatalf("DA payload missing signature placeholder")
	}
}

// TestDumpBROMViaKamakiri exercises Scenario S1: after a successful
// exploit, the host reads 0x20000 bytes in 16-byte chunks and the output is
// exactly that size.
func TestDumpBROMViaKamakiri(t *testing.T) {
	const dumpSize = 0x20000

	f := mtkiotest.NewFake()

	// Arming WRITE32 of the BROM payload address: a status and a trailer
	// status.
	f.Push([]byte{0x00, 0x00})
	f.Push([]byte{0x00, 0x00})

	// 0xF cache-flush READ32 readbacks: each is an op+addr+count echo
	// (synthesized directly by Fake.Echo) followed by a status and a
	// payload and a trailer status.
	for i := 0; i < 0xF; i++ {
		count := 0xF - i + 1
		f.Push([]byte{0x00, 0x00})
		f.Push(make([]byte, count*4))
		f.Push([]byte{0x00, 0x00})
	}

	// Staging status (0 = accepted) and two ack words.
	f.Push([]byte{0x00, 0x00})
	f.Push([]byte{0x00, 0x00})
	f.Push([]byte{0x00, 0x00})

	// The dump itself.
	for off := 0; off < dumpSize; off += 16 {
		f.Push(make([]byte, 16))
	}

	pl := preloader.New(f, nil)
	k := New(pl, f, nil)

	payload := make([]byte, 0x40)
	if err := k.Exploit(payload, 0x100A00, 0x10007000, 0x25); err != nil {
		t.Fatalf("Exploit: %v", err)
	}

	var progressed int
	dump, err := k.DumpBROM(dumpSize, func(done int) { progressed = done })
	if err != nil {
		t.Fatalf("DumpBROM: %v", err)
	}
	if len(dump) != dumpSize {
		t.Fatalf("expected %#x bytes, got %#x", dumpSize, len(dump))
	}
	if progressed != dumpSize {
		t.Fatalf("progress callback did not reach total: %d", progressed)
	}
}

func TestBruteforceFindsVar1(t *testing.T) {
	target := byte(0x42)
	v1, found, err := Bruteforce(context.Background(), func(v byte) (bool, error) {
		return v == target, nil
	})
	if err != nil {
		t.Fatalf("Bruteforce: %v", err)
	}
	if !found || v1 != target {
		t.Fatalf("expected to find var1=%#x, got %#x found=%v", target, v1, found)
	}
}
