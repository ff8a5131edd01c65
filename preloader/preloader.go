// Package preloader implements the command set spoken while the chip is in
// BROM or PL mode (spec.md §4.3): single-opcode-byte commands, big-endian
// arguments and results, every opcode and argument echoed before the
// device replies with a status word.
package preloader

import (
	"encoding/binary"

	"github.com/satyamisme/mtkclient/chipconfig"
	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio"
	"github.com/satyamisme/mtkclient/wire"
)

// Opcode is one of the single-byte Preloader command identifiers.
type Opcode byte

const (
	OpRead16          Opcode = 0xD0
	OpRead32          Opcode = 0xD1
	OpWrite16         Opcode = 0xD2
	OpWrite32         Opcode = 0xD4
	OpJumpDA          Opcode = 0xD5
	OpSendDA          Opcode = 0xD7
	OpGetTargetConfig Opcode = 0xD8
	OpGetMEID         Opcode = 0xE1
	OpGetSoCID        Opcode = 0xE7
	OpGetHWSWVer      Opcode = 0xFC
	OpGetHWCode       Opcode = 0xFD
	OpGetBLVer        Opcode = 0xFE
)

// Mode distinguishes BROM from PL; GET_BL_VER doubles as the detection
// primitive (spec §4.3): in BROM the opcode itself is echoed back, in PL a
// distinct loader version byte is returned.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeBROM
	ModePL
)

func (m Mode) String() string {
	switch m {
	case ModeBROM:
		return "brom"
	case ModePL:
		return "preloader"
	default:
		return "unknown"
	}
}

// TargetConfig is the bitfield returned by GET_TARGET_CONFIG (spec.md §3),
// with exact bit positions carried over from the original implementation's
// get_target_config (Library/mtk_preloader.py).
type TargetConfig struct {
	Raw uint32

	SBC           bool
	SLA           bool
	DAA           bool
	SWJTAG        bool
	EPP           bool
	Cert          bool
	MemRead       bool
	MemWrite      bool
	CmdC8Blocked  bool
}

func decodeTargetConfig(raw uint32) TargetConfig {
	return TargetConfig{
		Raw:          raw,
		SBC:          raw&0x1 != 0,
		SLA:          raw&0x2 != 0,
		DAA:          raw&0x4 != 0,
		SWJTAG:       raw&0x6 != 0,
		EPP:          raw&0x8 != 0,
		Cert:         raw&0x10 != 0,
		MemRead:      raw&0x20 != 0,
		MemWrite:     raw&0x40 != 0,
		CmdC8Blocked: raw&0x80 != 0,
	}
}

// NeedsExploit reports whether Kamakiri is required before SEND_DA can
// succeed (spec §4.4: "used when target_config.sla || target_config.daa").
func (t TargetConfig) NeedsExploit() bool { return t.SLA || t.DAA }

var statusCodec = wire.BigEndianU16{}

// Preloader drives the BROM/PL command protocol over a single mtkio.Device.
// Per spec §3's invariant, every read/write must consume its status word or
// the channel desynchronizes permanently; once a framing or transport error
// occurs the Preloader closes its device and refuses further operations.
type Preloader struct {
	dev    mtkio.Device
	log    logx.Logger
	closed bool
}

// New wraps dev. log defaults to logx.Nop if nil.
func New(dev mtkio.Device, log logx.Logger) *Preloader {
	if log == nil {
		log = logx.Nop
	}
	return &Preloader{dev: dev, log: log}
}

func (p *Preloader) fatal(err error) error {
	if err != nil && !p.closed {
		p.closed = true
		p.dev.Close()
	}
	return err
}

func (p *Preloader) guard() error {
	if p.closed {
		return &mtkerr.Transport{Op: "preloader", Err: errPortClosed}
	}
	return nil
}

var errPortClosed = portClosedErr{}

type portClosedErr struct{}

func (portClosedErr) Error() string { return "port closed after prior desync" }

func (p *Preloader) echoOp(op Opcode) error {
	if err := p.guard(); err != nil {
		return err
	}
	return p.fatal(wire.EchoExact(p.dev, []byte{byte(op)}))
}

func (p *Preloader) echoBE32(v uint32) error {
	if err := p.guard(); err != nil {
		return err
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return p.fatal(wire.EchoExact(p.dev, b))
}

func (p *Preloader) status(op string) (uint32, error) {
	if err := p.guard(); err != nil {
		return 0, err
	}
	s, err := wire.ReadStatus(p.dev, op, statusCodec)
	if _, isTransport := err.(*mtkerr.Transport); isTransport {
		return s, p.fatal(err)
	}
	return s, err
}

// Read32 issues READ32, returning count big-endian 32-bit words.
func (p *Preloader) Read32(addr uint32, count int) ([]uint32, error) {
	if err := p.echoOp(OpRead32); err != nil {
		return nil, err
	}
	if err := p.echoBE32(addr); err != nil {
		return nil, err
	}
	if err := p.echoBE32(uint32(count)); err != nil {
		return nil, err
	}
	if _, err := p.status("READ32"); err != nil {
		return nil, err
	}

	raw, err := p.dev.Read(count*4, 64)
	if err != nil {
		return nil, p.fatal(err)
	}
	if len(raw) != count*4 {
		return nil, p.fatal(&mtkerr.Framing{Msg: "short READ32 payload"})
	}

	words := make([]uint32, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(raw[i*4:])
	}

	if _, err := p.status("READ32 trailer"); err != nil {
		return nil, err
	}
	return words, nil
}

// Read16 is READ32's 16-bit sibling.
func (p *Preloader) Read16(addr uint32, count int) ([]uint16, error) {
	if err := p.echoOp(OpRead16); err != nil {
		return nil, err
	}
	if err := p.echoBE32(addr); err != nil {
		return nil, err
	}
	if err := p.echoBE32(uint32(count)); err != nil {
		return nil, err
	}
	if _, err := p.status("READ16"); err != nil {
		return nil, err
	}

	raw, err := p.dev.Read(count*2, 64)
	if err != nil {
		return nil, p.fatal(err)
	}
	if len(raw) != count*2 {
		return nil, p.fatal(&mtkerr.Framing{Msg: "short READ16 payload"})
	}

	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(raw[i*2:])
	}

	if _, err := p.status("READ16 trailer"); err != nil {
		return nil, err
	}
	return words, nil
}

// Write32 issues WRITE32 for the given words.
func (p *Preloader) Write32(addr uint32, words []uint32) error {
	if err := p.echoOp(OpWrite32); err != nil {
		return err
	}
	if err := p.echoBE32(addr); err != nil {
		return err
	}
	if err := p.echoBE32(uint32(len(words))); err != nil {
		return err
	}
	if _, err := p.status("WRITE32"); err != nil {
		return err
	}
	for _, w := range words {
		if err := p.echoBE32(w); err != nil {
			return err
		}
	}
	_, err := p.status("WRITE32 trailer")
	return err
}

// Write16 is WRITE32's 16-bit sibling.
func (p *Preloader) Write16(addr uint32, words []uint16) error {
	if err := p.echoOp(OpWrite16); err != nil {
		return err
	}
	if err := p.echoBE32(addr); err != nil {
		return err
	}
	if err := p.echoBE32(uint32(len(words))); err != nil {
		return err
	}
	if _, err := p.status("WRITE16"); err != nil {
		return err
	}
	for _, w := range words {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, w)
		if err := p.fatal(wire.EchoExact(p.dev, b)); err != nil {
			return err
		}
	}
	_, err := p.status("WRITE16 trailer")
	return err
}

// ReadWord/WriteWord dispatch a single 32-bit register access through the
// same READ32/WRITE32 commands, for callers that want one word at a time.
func (p *Preloader) ReadWord(addr uint32) (uint32, error) {
	words, err := p.Read32(addr, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

func (p *Preloader) WriteWord(addr, val uint32) error {
	return p.Write32(addr, []uint32{val})
}

// DisableWatchdog issues the unconditional watchdog-disable write (spec
// §4.3), a single WRITE32 to the chipconfig watchdog register. The
// original implementation additionally pokes a couple of hardcoded
// secondary registers for two legacy hw_codes; preserved here.
func (p *Preloader) DisableWatchdog(cfg chipconfig.Entry) error {
	const disableWord = 0x22000000
	if err := p.Write32(cfg.WatchdogAddr, []uint32{disableWord}); err != nil {
		return err
	}

	switch cfg.HWCode {
	case 0x6592:
		return p.Write32(0x10000500, []uint32{0x22000000})
	case 0x6575, 0x6577:
		return p.Write32(0x2200, []uint32{0xC0000000})
	}
	return nil
}

// JumpDA transfers control to addr; the device echoes addr back, then a
// status word (spec.md §4.3).
func (p *Preloader) JumpDA(addr uint32) error {
	if err := p.echoOp(OpJumpDA); err != nil {
		return err
	}
	if err := p.guard(); err != nil {
		return err
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, addr)
	if _, err := p.dev.Write(b); err != nil {
		return p.fatal(err)
	}

	raw, err := p.dev.Read(4, 64)
	if err != nil {
		return p.fatal(err)
	}
	if len(raw) != 4 {
		return p.fatal(&mtkerr.Framing{Msg: "short JUMP_DA address echo"})
	}
	if got := binary.BigEndian.Uint32(raw); got != addr {
		return p.fatal(&mtkerr.Framing{Msg: "JUMP_DA echoed wrong address"})
	}

	_, err = p.status("JUMP_DA")
	return err
}

// SendDA uploads a DA blob: opcode echo, address echo, length echo, sig_len
// echo, status, then the payload in 64-byte chunks with a trailing 16-bit
// running XOR checksum and final status (spec.md §4.3).
func (p *Preloader) SendDA(addr, length, sigLen uint32, data []byte) error {
	if err := p.echoOp(OpSendDA); err != nil {
		return err
	}
	if err := p.echoBE32(addr); err != nil {
		return err
	}
	if err := p.echoBE32(length); err != nil {
		return err
	}
	if err := p.echoBE32(sigLen); err != nil {
		return err
	}
	if _, err := p.status("SEND_DA"); err != nil {
		return authWrap(err)
	}

	payload := append([]byte(nil), data...)
	if len(payload)%2 != 0 {
		payload = append(payload, 0)
	}

	var checksum uint16
	for i := 0; i+1 < len(payload); i += 2 {
		checksum ^= binary.LittleEndian.Uint16(payload[i:])
	}

	for off := 0; off < len(payload); off += 64 {
		end := off + 64
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := p.dev.Write(payload[off:end]); err != nil {
			return p.fatal(err)
		}
	}

	cb := make([]byte, 2)
	binary.LittleEndian.PutUint16(cb, checksum)
	if _, err := p.dev.Write(cb); err != nil {
		return p.fatal(err)
	}

	_, err := p.status("SEND_DA trailer")
	return authWrap(err)
}

// authWrap reraises a rejected-status Protocol error from SEND_DA as Auth:
// the device only refuses a DA upload this way when SLA/DAA or signature
// verification blocks it (spec.md §7).
func authWrap(err error) error {
	if pe, ok := err.(*mtkerr.Protocol); ok {
		return &mtkerr.Auth{Msg: pe.Error()}
	}
	return err
}

// GetTargetConfig returns the decoded target_config bitfield; a failing
// status word is returned as an error.
func (p *Preloader) GetTargetConfig() (TargetConfig, error) {
	if err := p.echoOp(OpGetTargetConfig); err != nil {
		return TargetConfig{}, err
	}
	if err := p.guard(); err != nil {
		return TargetConfig{}, err
	}

	raw, err := p.dev.Read(6, 64)
	if err != nil {
		return TargetConfig{}, p.fatal(err)
	}
	if len(raw) != 6 {
		return TargetConfig{}, p.fatal(&mtkerr.Framing{Msg: "short GET_TARGET_CONFIG reply"})
	}

	cfg := decodeTargetConfig(binary.BigEndian.Uint32(raw[:4]))
	status := binary.BigEndian.Uint16(raw[4:6])
	if status > 0xff {
		return cfg, &mtkerr.Protocol{Op: "GET_TARGET_CONFIG", Code: uint32(status)}
	}
	return cfg, nil
}

// GetMEID reads BROM's length-prefixed device MEID (spec.md §4.3), which
// the original gates behind a GET_BL_VER probe first.
func (p *Preloader) GetMEID() ([]byte, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	if _, err := p.dev.Write([]byte{byte(OpGetBLVer)}); err != nil {
		return nil, p.fatal(err)
	}
	blver, err := p.dev.Read(1, 64)
	if err != nil {
		return nil, p.fatal(err)
	}
	if len(blver) != 1 {
		return nil, p.fatal(&mtkerr.Framing{Msg: "short GET_BL_VER reply"})
	}

	if _, err := p.dev.Write([]byte{byte(OpGetMEID)}); err != nil {
		return nil, p.fatal(err)
	}
	echoOp, err := p.dev.Read(1, 64)
	if err != nil {
		return nil, p.fatal(err)
	}
	if len(echoOp) != 1 || echoOp[0] != byte(OpGetMEID) {
		return nil, p.fatal(&mtkerr.Framing{Msg: "GET_ME_ID not echoed"})
	}

	lenBuf, err := p.dev.Read(4, 64)
	if err != nil || len(lenBuf) != 4 {
		return nil, p.fatal(&mtkerr.Framing{Msg: "short GET_ME_ID length"})
	}
	n := binary.BigEndian.Uint32(lenBuf)

	meid, err := p.dev.Read(int(n), 64)
	if err != nil || len(meid) != int(n) {
		return nil, p.fatal(&mtkerr.Framing{Msg: "short GET_ME_ID payload"})
	}

	statusBuf, err := p.dev.Read(2, 64)
	if err != nil || len(statusBuf) != 2 {
		return nil, p.fatal(&mtkerr.Framing{Msg: "short GET_ME_ID status"})
	}
	if status := binary.LittleEndian.Uint16(statusBuf); status != 0 {
		return meid, &mtkerr.Protocol{Op: "GET_ME_ID", Code: uint32(status)}
	}
	return meid, nil
}

// GetSoCID reads the length-prefixed SoC ID the same way GetMEID does.
func (p *Preloader) GetSoCID() ([]byte, error) {
	if err := p.echoOp(OpGetSoCID); err != nil {
		return nil, err
	}
	if err := p.guard(); err != nil {
		return nil, err
	}

	lenBuf, err := p.dev.Read(4, 64)
	if err != nil || len(lenBuf) != 4 {
		return nil, p.fatal(&mtkerr.Framing{Msg: "short GET_SOC_ID length"})
	}
	n := binary.BigEndian.Uint32(lenBuf)

	id, err := p.dev.Read(int(n), 64)
	if err != nil || len(id) != int(n) {
		return nil, p.fatal(&mtkerr.Framing{Msg: "short GET_SOC_ID payload"})
	}

	statusBuf, err := p.dev.Read(2, 64)
	if err != nil || len(statusBuf) != 2 {
		return nil, p.fatal(&mtkerr.Framing{Msg: "short GET_SOC_ID status"})
	}
	if status := binary.BigEndian.Uint16(statusBuf); status >= 3 {
		return id, &mtkerr.Protocol{Op: "GET_SOC_ID", Code: uint32(status)}
	}
	return id, nil
}

// HWSWVersion is the 4x16-bit reply of GET_HW_SW_VER.
type HWSWVersion struct {
	HWSubcode  uint16
	HWVersion  uint16
	SWVersion  uint16
	Reserved   uint16
}

// GetHWSWVer issues GET_HW_SW_VER.
func (p *Preloader) GetHWSWVer() (HWSWVersion, error) {
	if err := p.echoOp(OpGetHWSWVer); err != nil {
		return HWSWVersion{}, err
	}
	if err := p.guard(); err != nil {
		return HWSWVersion{}, err
	}

	raw, err := p.dev.Read(8, 64)
	if err != nil || len(raw) != 8 {
		return HWSWVersion{}, p.fatal(&mtkerr.Framing{Msg: "short GET_HW_SW_VER reply"})
	}

	return HWSWVersion{
		HWSubcode: binary.BigEndian.Uint16(raw[0:2]),
		HWVersion: binary.BigEndian.Uint16(raw[2:4]),
		SWVersion: binary.BigEndian.Uint16(raw[4:6]),
		Reserved:  binary.BigEndian.Uint16(raw[6:8]),
	}, nil
}

// GetHWCode issues GET_HW_CODE, returning (hw_code, hw_version).
func (p *Preloader) GetHWCode() (hwCode, hwVer uint16, err error) {
	if err := p.echoOp(OpGetHWCode); err != nil {
		return 0, 0, err
	}
	if err := p.guard(); err != nil {
		return 0, 0, err
	}

	raw, rerr := p.dev.Read(4, 64)
	if rerr != nil || len(raw) != 4 {
		return 0, 0, p.fatal(&mtkerr.Framing{Msg: "short GET_HW_CODE reply"})
	}
	return binary.BigEndian.Uint16(raw[0:2]), binary.BigEndian.Uint16(raw[2:4]), nil
}

// GetBLVer issues GET_BL_VER and reports the detected Mode: BROM echoes the
// opcode itself back; PL returns a distinct loader version byte (spec §4.3).
func (p *Preloader) GetBLVer() (byte, Mode, error) {
	if err := p.guard(); err != nil {
		return 0, ModeUnknown, err
	}
	if _, err := p.dev.Write([]byte{byte(OpGetBLVer)}); err != nil {
		return 0, ModeUnknown, p.fatal(err)
	}

	raw, err := p.dev.Read(1, 64)
	if err != nil || len(raw) != 1 {
		return 0, ModeUnknown, p.fatal(&mtkerr.Framing{Msg: "short GET_BL_VER reply"})
	}

	if raw[0] == byte(OpGetBLVer) {
		return raw[0], ModeBROM, nil
	}
	return raw[0], ModePL, nil
}

// Closed reports whether a prior framing/transport failure has closed the
// underlying device.
func (p *Preloader) Closed() bool { return p.closed }
