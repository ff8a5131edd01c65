package preloader

import (
	"encoding/binary"
	"testing"

	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio/mtkiotest"
)

// scriptRead32 pre-loads a Fake so that a Read32(addr, count) call
// succeeds: echo(op), echo(addr), echo(count), status, payload, status.
func scriptRead32(f *mtkiotest.Fake, words []uint32) {
	// Read32's three echoes (opcode, address, count) are synthesized
	// directly by Fake.Echo and never touch ReadQueue; only the two status
	// words and the payload need scripting here, in call order.
	statusOK := []byte{0x00, 0x00}
	f.Push(statusOK)
	payload := make([]byte, len(words)*4)
	for i, w := range words {
		binary.BigEndian.PutUint32(payload[i*4:], w)
	}
	f.Push(payload)
	f.Push(statusOK)
}

func TestRead32RoundTrip(t *testing.T) {
	f := mtkiotest.NewFake()
	scriptRead32(f, []uint32{0xDEADBEEF, 0x11223344})

	p := New(f, nil)
	got, err := p.Read32(0x10007000, 2)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if len(got) != 2 || got[0] != 0xDEADBEEF || got[1] != 0x11223344 {
		t.Fatalf("unexpected words: %#x", got)
	}
	if f.Closed {
		t.Fatalf("device should not be closed after a clean exchange")
	}
}

// TestRead32EchoMismatchIsFraming exercises Testable Property 1: flipping a
// byte on the simulated device side's echo must raise FramingError.
func TestRead32EchoMismatchIsFraming(t *testing.T) {
	f := mtkiotest.NewFake()
	flipped := false
	f.MutateEcho = func(b []byte) []byte {
		// Corrupt only the address echo (the second 4-byte echo).
		if len(b) == 4 && !flipped {
			flipped = true
			out := append([]byte(nil), b...)
			out[0] ^= 0xFF
			return out
		}
		return b
	}

	p := New(f, nil)
	_, err := p.Read32(0x10007000, 1)
	if err == nil {
		t.Fatalf("expected error on corrupted echo")
	}
	var fe *mtkerr.Framing
	if !asFraming(err, &fe) {
		t.Fatalf("expected *mtkerr.Framing, got %T: %v", err, err)
	}
}

// TestEchoMismatchClosesPort exercises Scenario S5: after a corrupted echo,
// the next operation on the same port fails with a port-closed transport
// error rather than silently proceeding.
func TestEchoMismatchClosesPort(t *testing.T) {
	f := mtkiotest.NewFake()
	f.MutateEcho = func(b []byte) []byte {
		out := append([]byte(nil), b...)
		if len(out) > 0 {
			out[0] ^= 0xFF
		}
		return out
	}

	p := New(f, nil)
	if _, err := p.Read32(0x0, 1); err == nil {
		t.Fatalf("expected first call to fail")
	}
	if !f.Closed {
		t.Fatalf("device should be closed after a framing failure")
	}

	f.MutateEcho = nil
	scriptRead32(f, []uint32{0x1})
	if _, err := p.Read32(0x0, 1); err == nil {
		t.Fatalf("expected second call on closed port to fail")
	} else if _, ok := err.(*mtkerr.Transport); !ok {
		t.Fatalf("expected *mtkerr.Transport on closed port, got %T: %v", err, err)
	}
}

func TestGetTargetConfigBits(t *testing.T) {
	f := mtkiotest.NewFake()
	raw := make([]byte, 6)
	binary.BigEndian.PutUint32(raw[:4], 0x17) // sbc|sla|daa|cert
	binary.BigEndian.PutUint16(raw[4:], 0)
	f.Push(raw)

	p := New(f, nil)
	cfg, err := p.GetTargetConfig()
	if err != nil {
		t.Fatalf("GetTargetConfig: %v", err)
	}
	if !cfg.SBC || !cfg.SLA || !cfg.DAA || !cfg.Cert {
		t.Fatalf("unexpected decode: %+v", cfg)
	}
	if cfg.MemRead || cfg.MemWrite {
		t.Fatalf("unexpected bits set: %+v", cfg)
	}
	if !cfg.NeedsExploit() {
		t.Fatalf("sla|daa set should require Kamakiri")
	}
}

func TestGetBLVerDetectsBROM(t *testing.T) {
	f := mtkiotest.NewFake()
	f.Push([]byte{byte(OpGetBLVer)})

	p := New(f, nil)
	_, mode, err := p.GetBLVer()
	if err != nil {
		t.Fatalf("GetBLVer: %v", err)
	}
	if mode != ModeBROM {
		t.Fatalf("expected ModeBROM, got %v", mode)
	}
}

func TestGetBLVerDetectsPL(t *testing.T) {
	f := mtkiotest.NewFake()
	f.Push([]byte{0x03})

	p := New(f, nil)
	_, mode, err := p.GetBLVer()
	if err != nil {
		t.Fatalf("GetBLVer: %v", err)
	}
	if mode != ModePL {
		t.Fatalf("expected ModePL, got %v", mode)
	}
}

func asFraming(err error, target **mtkerr.Framing) bool {
	if fe, ok := err.(*mtkerr.Framing); ok {
		*target = fe
		return true
	}
	return false
}
