// Package stage2 implements the post-exploit side channel a Kamakiri
// payload can expose (spec.md §4.9): a readiness marker followed by a
// fixed big-endian command/status protocol for direct memory and eMMC/RPMB
// access, bypassing the Preloader/DA protocols entirely.
package stage2

import (
	"encoding/binary"

	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio"
)

// ReadyMarker is emitted once on the bulk-in endpoint the moment a
// stage-2 payload starts running (Scenario S6).
const ReadyMarker uint32 = 0xB1B2B3B4

// RequestMagic and TerminatingStatus frame every command/response pair.
const (
	RequestMagic      uint32 = 0xF00DD00D
	TerminatingStatus uint32 = 0xD0D0D0D0
)

// Cmd is a stage-2 opcode.
type Cmd uint32

const (
	CmdEMMCSwitch Cmd = 0x1002
	CmdEMMCRead   Cmd = 0x1000
	CmdRPMBRead   Cmd = 0x2000
	CmdKickWDT    Cmd = 0x3001
	CmdMemWrite   Cmd = 0x4000
	CmdMemJump    Cmd = 0x4001
	CmdMemRead    Cmd = 0x4002
)

const (
	emmcSectorSize = 0x200
	rpmbSectorSize = 0x100
)

// Session drives a stage-2 side channel over a raw device connection.
type Session struct {
	dev mtkio.Device
	log logx.Logger
}

// New wraps dev. Callers must have already observed ReadyMarker via
// AwaitReady before issuing any command.
func New(dev mtkio.Device, log logx.Logger) *Session {
	if log == nil {
		log = logx.Nop
	}
	return &Session{dev: dev, log: log}
}

// AwaitReady reads the first four bytes from the bulk-in endpoint after
// JUMP_DA to a stage-2 payload and verifies they equal ReadyMarker
// (Scenario S6): any other value is an ExploitError.
func AwaitReady(dev mtkio.Device) error {
	buf, err := dev.Read(4, 64)
	if err != nil {
		return &mtkerr.Transport{Op: "stage2 ready", Err: err}
	}
	if len(buf) != 4 {
		return &mtkerr.Exploit{Msg: "stage2 ready marker short read"}
	}
	if got := binary.BigEndian.Uint32(buf); got != ReadyMarker {
		return &mtkerr.Exploit{Msg: "stage2 did not announce readiness"}
	}
	return nil
}

func (s *Session) sendCmd(cmd Cmd, args ...uint32) error {
	buf := make([]byte, 8+4*len(args))
	binary.BigEndian.PutUint32(buf[0:4], RequestMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(cmd))
	for i, a := range args {
		binary.BigEndian.PutUint32(buf[8+i*4:], a)
	}
	if _, err := s.dev.Write(buf); err != nil {
		return &mtkerr.Transport{Op: "stage2 cmd", Err: err}
	}
	return nil
}

func (s *Session) readStatus() error {
	buf, err := s.dev.Read(4, 64)
	if err != nil {
		return &mtkerr.Transport{Op: "stage2 status", Err: err}
	}
	if len(buf) != 4 || binary.BigEndian.Uint32(buf) != TerminatingStatus {
		return &mtkerr.Protocol{Op: "stage2", Code: uint32(firstOr(buf))}
	}
	return nil
}

func firstOr(b []byte) uint32 {
	if len(b) < 4 {
		return 0xFFFFFFFF
	}
	return binary.BigEndian.Uint32(b)
}

// EMMCSwitch switches the active eMMC partition.
func (s *Session) EMMCSwitch(part uint32) error {
	if err := s.sendCmd(CmdEMMCSwitch, part); err != nil {
		return err
	}
	return s.readStatus()
}

// EMMCRead reads one 0x200-byte eMMC sector.
func (s *Session) EMMCRead(sector uint32) ([]byte, error) {
	if err := s.sendCmd(CmdEMMCRead, sector); err != nil {
		return nil, err
	}
	data, err := s.dev.Read(emmcSectorSize, 64)
	if err != nil {
		return nil, &mtkerr.Transport{Op: "stage2 emmc read", Err: err}
	}
	if len(data) != emmcSectorSize {
		return nil, &mtkerr.Framing{Msg: "short eMMC sector read"}
	}
	return data, s.readStatus()
}

// RPMBRead reads one 0x100-byte RPMB sector; the returned bytes are
// byte-reversed as the device delivers them (spec.md §4.9).
func (s *Session) RPMBRead(sector uint16) ([]byte, error) {
	if err := s.sendCmd(CmdRPMBRead, uint32(sector)); err != nil {
		return nil, err
	}
	data, err := s.dev.Read(rpmbSectorSize, 64)
	if err != nil {
		return nil, &mtkerr.Transport{Op: "stage2 rpmb read", Err: err}
	}
	if len(data) != rpmbSectorSize {
		return nil, &mtkerr.Framing{Msg: "short RPMB sector read"}
	}
	reverse(data)
	return data, s.readStatus()
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// KickWDT pets the watchdog so a long stage-2 session doesn't reset the
// device mid-operation.
func (s *Session) KickWDT() error {
	if err := s.sendCmd(CmdKickWDT); err != nil {
		return err
	}
	return s.readStatus()
}

// MemWrite writes data to addr.
func (s *Session) MemWrite(addr uint32, data []byte) error {
	if err := s.sendCmd(CmdMemWrite, addr, uint32(len(data))); err != nil {
		return err
	}
	if _, err := s.dev.Write(data); err != nil {
		return &mtkerr.Transport{Op: "stage2 mem write", Err: err}
	}
	return s.readStatus()
}

// MemJump transfers execution to addr; it does not wait for a status word
// since control leaves the stage-2 monitor.
func (s *Session) MemJump(addr uint32) error {
	return s.sendCmd(CmdMemJump, addr)
}

// MemRead reads length bytes from addr.
func (s *Session) MemRead(addr uint32, length uint32) ([]byte, error) {
	if err := s.sendCmd(CmdMemRead, addr, length); err != nil {
		return nil, err
	}
	data, err := s.dev.Read(int(length), 64)
	if err != nil {
		return nil, &mtkerr.Transport{Op: "stage2 mem read", Err: err}
	}
	if uint32(len(data)) != length {
		return nil, &mtkerr.Framing{Msg: "short MEM_READ"}
	}
	return data, s.readStatus()
}
