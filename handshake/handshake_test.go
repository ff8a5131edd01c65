package handshake

import (
	"testing"

	"github.com/satyamisme/mtkclient/mtkio/mtkiotest"
)

// TestRunCleanSequence exercises a device that echoes every complement on
// the first try.
func TestRunCleanSequence(t *testing.T) {
	f := mtkiotest.NewFake()
	for _, c := range challenge {
		f.Push([]byte{^c & 0xFF})
	}

	if err := Run(f, Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.BreakCount != 0 {
		t.Fatalf("expected no BREAKs on a clean sequence, got %d", f.BreakCount)
	}
}

// TestRunIdempotent exercises Testable Property 2: running the handshake
// twice in a row against a device that is already synchronized succeeds
// both times with no special-casing.
func TestRunIdempotent(t *testing.T) {
	f := mtkiotest.NewFake()
	for n := 0; n < 2; n++ {
		for _, c := range challenge {
			f.Push([]byte{^c & 0xFF})
		}
	}

	if err := Run(f, Options{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := Run(f, Options{}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
}

// TestRunRecoversFromMismatch verifies a single bad byte resets the state
// machine, issues a BREAK, reprograms the line coding, and the handshake
// still completes once the device starts echoing correctly.
func TestRunRecoversFromMismatch(t *testing.T) {
	f := mtkiotest.NewFake()
	// First attempt at byte 0: wrong reply.
	f.Push([]byte{0x00})
	// Restart from byte 0, now correct all the way through.
	for _, c := range challenge {
		f.Push([]byte{^c & 0xFF})
	}

	if err := Run(f, Options{Baud: 921600}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.BreakCount != 1 {
		t.Fatalf("expected exactly one BREAK, got %d", f.BreakCount)
	}
	if f.LineCodingHz != 921600 {
		t.Fatalf("expected line coding reprogrammed to 921600, got %d", f.LineCodingHz)
	}
}

// TestRunExhaustsRetries verifies a device that never echoes correctly
// eventually fails rather than looping forever.
func TestRunExhaustsRetries(t *testing.T) {
	f := mtkiotest.NewFake()
	for i := 0; i < 5; i++ {
		f.Push([]byte{0x00})
	}

	err := Run(f, Options{MaxTries: 3})
	if err == nil {
		t.Fatalf("expected retry budget exhaustion to fail")
	}
}
