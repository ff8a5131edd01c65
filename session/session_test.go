package session

import (
	"testing"

	"github.com/satyamisme/mtkclient/chipconfig"
	"github.com/satyamisme/mtkclient/mtkio/mtkiotest"
	"github.com/satyamisme/mtkclient/preloader"
)

func TestNewSessionDetectsBROM(t *testing.T) {
	f := mtkiotest.NewFake()
	// Handshake: 4 correct complements.
	for _, c := range []byte{0xA0, 0x0A, 0x50, 0x05} {
		f.Push([]byte{^c & 0xFF})
	}
	// GetBLVer: opcode echoed back identifies BROM.
	f.Push([]byte{byte(preloader.OpGetBLVer)})

	s, err := newSession(f, chipconfig.Builtin, nil)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	if s.State() != StateBROM {
		t.Fatalf("expected StateBROM, got %v", s.State())
	}
}

func TestIdentifyChipUnknownHWCodeFails(t *testing.T) {
	f := mtkiotest.NewFake()
	for _, c := range []byte{0xA0, 0x0A, 0x50, 0x05} {
		f.Push([]byte{^c & 0xFF})
	}
	f.Push([]byte{byte(preloader.OpGetBLVer)})

	s, err := newSession(f, chipconfig.Builtin, nil)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	// GetHWCode: 4 bytes, two big-endian u16 fields; 0xABCD is absent from
	// the built-in table (Scenario S4).
	f.Push([]byte{0xAB, 0xCD, 0x00, 0x01})

	if _, err := s.IdentifyChip(); err == nil {
		t.Fatalf("expected unknown hw_code to fail")
	}
}

func TestCloseIsIdempotentSafe(t *testing.T) {
	f := mtkiotest.NewFake()
	for _, c := range []byte{0xA0, 0x0A, 0x50, 0x05} {
		f.Push([]byte{^c & 0xFF})
	}
	f.Push([]byte{byte(preloader.OpGetBLVer)})

	s, err := newSession(f, chipconfig.Builtin, nil)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected StateClosed after Close, got %v", s.State())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
