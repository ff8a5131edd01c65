// Package session ties the transport, handshake, Preloader, exploit, DA
// session, and storage layers together into the top-level state machine a
// CLI command drives (spec.md §5 "strictly single-threaded and fully
// synchronous").
package session

import (
	"context"

	"github.com/satyamisme/mtkclient/chipconfig"
	"github.com/satyamisme/mtkclient/dalegacy"
	"github.com/satyamisme/mtkclient/dasession"
	"github.com/satyamisme/mtkclient/daxflash"
	"github.com/satyamisme/mtkclient/exploit"
	"github.com/satyamisme/mtkclient/handshake"
	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio"
	"github.com/satyamisme/mtkclient/preloader"
	"github.com/satyamisme/mtkclient/storage"
	"github.com/satyamisme/mtkclient/transport"
)

// State is the session's top-level phase.
type State int

const (
	StateClosed State = iota
	StateBROM
	StatePL
	StateDAReady
)

func (s State) String() string {
	switch s {
	case StateBROM:
		return "brom"
	case StatePL:
		return "preloader"
	case StateDAReady:
		return "da"
	default:
		return "closed"
	}
}

// Session is the live connection to one device, from handshake through an
// optional booted DA.
type Session struct {
	dev   mtkio.Device
	log   logx.Logger
	table chipconfig.Table

	state State
	pl    *preloader.Preloader
	cfg   chipconfig.Entry
	da    dasession.Session

	flashInfo dalegacy.FlashInfo
}

// Options configures Open.
type Options struct {
	VID, PID uint16
	Table    chipconfig.Table
	Log      logx.Logger
}

// Open claims the USB device, runs the handshake, and leaves the session
// in StateBROM or StatePL depending on what GET_BL_VER reports.
func Open(opts Options) (*Session, error) {
	log := opts.Log
	if log == nil {
		log = logx.Nop
	}
	table := opts.Table
	if table == nil {
		table = chipconfig.Builtin
	}

	var transportOpts []transport.Option
	if opts.VID != 0 || opts.PID != 0 {
		vid, pid := opts.VID, opts.PID
		if vid == 0 {
			vid = transport.VID
		}
		if pid == 0 {
			pid = transport.PID
		}
		transportOpts = append(transportOpts, transport.WithVIDPID(vid, pid))
	}
	transportOpts = append(transportOpts, transport.WithLogger(log))

	dev, err := transport.Open(transportOpts...)
	if err != nil {
		return nil, err
	}
	return newSession(dev, table, log)
}

// newSession runs the handshake against an already-opened device. Split
// out from Open so tests can supply an mtkio.Device fake.
func newSession(dev mtkio.Device, table chipconfig.Table, log logx.Logger) (*Session, error) {
	if err := handshake.Run(dev, handshake.Options{Log: log}); err != nil {
		_ = dev.Close()
		return nil, err
	}

	pl := preloader.New(dev, log)
	_, mode, err := pl.GetBLVer()
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	s := &Session{dev: dev, log: log, table: table, pl: pl}
	if mode == preloader.ModeBROM {
		s.state = StateBROM
	} else {
		s.state = StatePL
	}
	return s, nil
}

// IdentifyChip reads the hardware code off the device and looks it up in
// the session's chipconfig table. Unknown chipconfig is a hard failure
// before any further I/O (spec.md §7).
func (s *Session) IdentifyChip() (chipconfig.Entry, error) {
	hwCode, _, err := s.pl.GetHWCode()
	if err != nil {
		return chipconfig.Entry{}, err
	}
	cfg, ok := s.table.Lookup(hwCode)
	if !ok {
		return chipconfig.Entry{}, &mtkerr.Format{Msg: "unknown chipconfig for hw_code"}
	}
	s.cfg = cfg
	return cfg, nil
}

// NeedsExploit reports whether the target's SLA or DAA fuse requires
// running Kamakiri before SEND_DA will be accepted.
func (s *Session) NeedsExploit() (bool, error) {
	tc, err := s.pl.GetTargetConfig()
	if err != nil {
		return false, err
	}
	return tc.NeedsExploit(), nil
}

// RunExploit fixes up payload for s.cfg and runs Kamakiri against the live
// Preloader connection.
func (s *Session) RunExploit(payload []byte, var1 byte) error {
	fixed := exploit.FixPayload(payload, s.cfg, false)
	k := exploit.New(s.pl, s.dev, s.log)
	return k.Exploit(fixed, s.cfg.BROMPayloadAddr, s.cfg.WatchdogAddr, var1)
}

// BootDA uploads and boots the DA dialect named by s.cfg.DaMode, leaving
// the session in StateDAReady.
func (s *Session) BootDA(ctx context.Context, stage1, stage2Payload []byte, sigLen uint32, storageCode byte) error {
	switch s.cfg.DaMode {
	case chipconfig.XFlash:
		if err := daxflash.UploadStage1(s.pl, s.cfg.DAPayloadAddr, uint32(len(stage1)), sigLen, stage1); err != nil {
			return err
		}
		if _, err := daxflash.UploadChoreography(s.dev, nil, s.log); err != nil {
			return err
		}
		if err := daxflash.BootTo(s.dev, uint64(s.cfg.DAPayloadAddr), stage2Payload); err != nil {
			return err
		}
		s.da = daxflash.New(s.dev, daxflash.StorageType(storageCode), s.log)
	default:
		if err := dalegacy.UploadStage1(s.pl, s.dev, s.cfg.DAPayloadAddr, uint32(len(stage1)), sigLen, stage1); err != nil {
			return err
		}
		if err := dalegacy.UploadStage2(s.dev, stage2Payload); err != nil {
			return err
		}
		fi, err := dalegacy.ReadFlashInfo(s.dev)
		if err != nil {
			return err
		}
		s.flashInfo = fi
		s.da = dalegacy.New(s.dev, dalegacy.StorageCode(storageCode), s.log)
	}
	s.state = StateDAReady
	return nil
}

// ReadRaw adapts the active DA session's ReadPartition into
// storage.ReadFlashFunc's random-access shape, for GPT/PMT discovery.
func (s *Session) ReadRaw(ctx context.Context, addr, length uint64) ([]byte, error) {
	if s.da == nil {
		return nil, &mtkerr.Storage{Msg: "no DA session booted"}
	}
	buf := make([]byte, 0, length)
	err := s.da.ReadPartition(ctx, "", addr, length, func(b []byte) error {
		buf = append(buf, b...)
		return nil
	})
	return buf, err
}

// writeChunkSize matches dalegacy's packet size so WriteRaw's source
// closure returns exactly the chunk sizes that dialect validates;
// daxflash's WritePartition accepts any chunk size so the same closure
// works unmodified against either dialect.
const writeChunkSize = 0x100000

// WriteRaw streams data into the active DA session starting at addr.
func (s *Session) WriteRaw(ctx context.Context, addr uint64, data []byte) error {
	if s.da == nil {
		return &mtkerr.Storage{Msg: "no DA session booted"}
	}
	remaining := data
	return s.da.WritePartition(ctx, "", addr, uint64(len(data)), func([]byte) ([]byte, error) {
		n := writeChunkSize
		if n > len(remaining) {
			n = len(remaining)
		}
		chunk := remaining[:n]
		remaining = remaining[n:]
		return chunk, nil
	})
}

// FormatRaw erases length bytes starting at addr via the active DA session.
func (s *Session) FormatRaw(ctx context.Context, addr, length uint64) error {
	if s.da == nil {
		return &mtkerr.Storage{Msg: "no DA session booted"}
	}
	return s.da.FormatPartition(ctx, "", addr, length)
}

// DumpBROM runs Kamakiri's post-exploit BROM dump. It must be called only
// after RunExploit has succeeded against a payload that echoes memory back
// on the bulk endpoint (spec Scenario S1).
func (s *Session) DumpBROM(n int, onProgress func(done int)) ([]byte, error) {
	k := exploit.New(s.pl, s.dev, s.log)
	return k.DumpBROM(n, onProgress)
}

// FlashInfo returns the Legacy DA's flash-geometry readback (spec.md §4.5),
// populated once BootDA has booted a Legacy dialect DA. Zero value for
// XFlash sessions; BootDA reads no flash geometry from an XFlash DA.
func (s *Session) FlashInfo() dalegacy.FlashInfo { return s.flashInfo }

// GetGPT reads the partition table via the active DA session. For a booted
// Legacy DA, the legacy PMT path (spec.md §4.8, Testable Property 6) is
// wired in so an EMMC_BOOT-signature blob is parsed as a PMT instead of
// falling through to GPT parsing and failing.
func (s *Session) GetGPT(ctx context.Context, pageSize int) ([]storage.PartitionEntry, error) {
	var readPMT func([]byte) ([]storage.PartitionEntry, error)
	if s.cfg.DaMode != chipconfig.XFlash {
		readPMT = func(b []byte) ([]storage.PartitionEntry, error) {
			return storage.ParsePMT(b, s.log)
		}
	}
	return storage.GetGPT(ctx, s.ReadRaw, pageSize, readPMT, s.log)
}

// State reports the session's current phase.
func (s *Session) State() State { return s.state }

// Close releases the underlying device. Safe to call more than once.
func (s *Session) Close() error {
	if s.da != nil {
		_ = s.da.Close()
	}
	s.state = StateClosed
	return s.dev.Close()
}
