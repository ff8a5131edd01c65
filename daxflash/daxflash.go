package daxflash

import (
	"context"
	"encoding/binary"

	"github.com/satyamisme/mtkclient/dasession"
	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio"
	"github.com/satyamisme/mtkclient/wire"
)

// Verb is a top-level XFlash opcode.
type Verb uint32

const (
	VerbDownload          Verb = 0x010001
	VerbFormat            Verb = 0x010003
	VerbWriteData         Verb = 0x010004
	VerbReadData          Verb = 0x010005
	VerbShutdown          Verb = 0x010007
	VerbBootTo            Verb = 0x010008
	VerbDeviceCtrl        Verb = 0x010009
	VerbInitExtRAM        Verb = 0x01000A
	VerbSetupEnvironment  Verb = 0x010100
	VerbSetupHWInitParams Verb = 0x010101
	VerbSyncSignal        Verb = 0x434E5953 // "SYNC"
)

// DeviceCtrl sub-opcodes (selected; spec.md §4.6).
type CtrlCode uint32

const (
	CtrlGetEMMCInfo  CtrlCode = 0x040001
	CtrlGetChipID    CtrlCode = 0x04000D
	CtrlGetConnAgent CtrlCode = 0x040018
)

// StorageType identifies the medium a storage op addresses.
type StorageType uint32

const (
	StorageEMMC  StorageType = 1
	StorageSDMMC StorageType = 2
	StorageNAND  StorageType = 3
	StorageNOR   StorageType = 4
	StorageUFS   StorageType = 5
)

// PartitionType is the on-wire partition-type word for storage ops.
type PartitionType uint32

const (
	PartBoot1 PartitionType = 1
	PartBoot2 PartitionType = 2
	PartRPMB  PartitionType = 3
	PartGP1   PartitionType = 4
	PartGP2   PartitionType = 5
	PartGP3   PartitionType = 6
	PartGP4   PartitionType = 7
	PartUser  PartitionType = 8
)

var statusCodec = wire.LittleEndianU32{}

func sendVerb(dev mtkio.Device, verb Verb) (uint32, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(verb))
	if err := WriteFrame(dev, Frame{Type: ProtocolFlow, Payload: buf}); err != nil {
		return 0, err
	}
	return readStatus(dev)
}

func readStatus(dev mtkio.Device) (uint32, error) {
	status, err := wire.ReadStatus(dev, "daxflash status", statusCodec)
	return status, err
}

// storageParamBlock builds the fixed 40-byte parameter block storage ops
// use: {storage u32, partition u32, addr u64, size u64} followed by 16
// bytes of NAND extension space. The NAND extension bytes are always zero;
// nothing fills them, NAND included.
func storageParamBlock(storage StorageType, partition PartitionType, addr, size uint64) []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(storage))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(partition))
	binary.LittleEndian.PutUint64(buf[8:16], addr)
	binary.LittleEndian.PutUint64(buf[16:24], size)
	return buf
}

// Session drives a booted XFlash DA. It implements dasession.Session.
type Session struct {
	dev     mtkio.Device
	log     logx.Logger
	storage StorageType
}

// New wraps dev, already past boot-to, as an XFlash DA session for the
// given storage medium.
func New(dev mtkio.Device, storage StorageType, log logx.Logger) *Session {
	if log == nil {
		log = logx.Nop
	}
	return &Session{dev: dev, storage: storage, log: log}
}

var _ dasession.Session = (*Session)(nil)

// ReadPartition implements Scenario S2: one READ_DATA op with the
// {storage, partition, addr, size} parameter block, followed by the raw
// data stream.
func (s *Session) ReadPartition(ctx context.Context, partition string, addr, length uint64, w func([]byte) error) error {
	if _, err := sendVerb(s.dev, VerbReadData); err != nil {
		return err
	}

	param := storageParamBlock(s.storage, PartUser, addr, length)
	if err := WriteFrame(s.dev, Frame{Type: Message, Payload: param}); err != nil {
		return err
	}
	if _, err := readStatus(s.dev); err != nil {
		return err
	}

	var done uint64
	const chunkSize = 0x100000
	for done < length {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		size := length - done
		if size > chunkSize {
			size = chunkSize
		}
		chunk, err := s.dev.Read(int(size), 64)
		if err != nil {
			return &mtkerr.Transport{Op: "daxflash read data", Err: err}
		}
		if uint64(len(chunk)) != size {
			return &mtkerr.Framing{Msg: "short READ_DATA chunk"}
		}
		if err := w(chunk); err != nil {
			return err
		}
		done += size
	}

	_, err := readStatus(s.dev)
	return err
}

// WritePartition implements the XFlash write path symmetric to
// ReadPartition: WRITE_DATA verb, parameter block, then the data stream
// followed by a terminating status.
func (s *Session) WritePartition(ctx context.Context, partition string, addr, length uint64, r func([]byte) ([]byte, error)) error {
	if _, err := sendVerb(s.dev, VerbWriteData); err != nil {
		return err
	}

	param := storageParamBlock(s.storage, PartUser, addr, length)
	if err := WriteFrame(s.dev, Frame{Type: Message, Payload: param}); err != nil {
		return err
	}
	if _, err := readStatus(s.dev); err != nil {
		return err
	}

	var done uint64
	for done < length {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		chunk, err := r(nil)
		if err != nil {
			return err
		}
		if _, err := s.dev.Write(chunk); err != nil {
			return &mtkerr.Transport{Op: "daxflash write data", Err: err}
		}
		done += uint64(len(chunk))
	}

	_, err := readStatus(s.dev)
	return err
}

// FormatPartition sends FORMAT with the same parameter block shape.
func (s *Session) FormatPartition(ctx context.Context, partition string, addr, length uint64) error {
	if _, err := sendVerb(s.dev, VerbFormat); err != nil {
		return err
	}
	param := storageParamBlock(s.storage, PartUser, addr, length)
	if err := WriteFrame(s.dev, Frame{Type: Message, Payload: param}); err != nil {
		return err
	}
	_, err := readStatus(s.dev)
	return err
}

func (s *Session) Close() error {
	_, err := sendVerb(s.dev, VerbShutdown)
	return err
}

// DeviceCtrl sends the DEVICE_CTRL verb followed by a sub-opcode, returning
// the sub-command's response frame payload.
func DeviceCtrl(dev mtkio.Device, code CtrlCode) ([]byte, error) {
	if _, err := sendVerb(dev, VerbDeviceCtrl); err != nil {
		return nil, err
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(code))
	if err := WriteFrame(dev, Frame{Type: ProtocolFlow, Payload: buf}); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(dev)
	if err != nil {
		return nil, err
	}
	return frame.Payload, nil
}
