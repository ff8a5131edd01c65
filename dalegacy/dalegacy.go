// Package dalegacy implements the Legacy Download Agent dialect (spec.md
// §4.5): a one-byte-opcode, ACK/NACK/CONT/STOP framed protocol used by
// older MediaTek DA images.
package dalegacy

import (
	"context"
	"encoding/binary"

	"github.com/satyamisme/mtkclient/dasession"
	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio"
	"github.com/satyamisme/mtkclient/preloader"
)

// Wire framing bytes.
const (
	Sync = 0xC0
	Ack  = 0x5A
	Nack = 0xA5
	Cont = 0x69
	Stop = 0x96
)

// Opcodes (a small subset of the vendor command set relevant to reads,
// writes, and the two-stage boot handshake).
const (
	OpSDMMCWriteData = 0x62
	OpRead           = 0xD6
	OpFormat         = 0xD4
	OpFinish         = 0xD9
)

// StorageCode identifies the physical medium a command addresses.
type StorageCode byte

const (
	StorageEMMC  StorageCode = 0x1
	StorageSDMMC StorageCode = 0x2
	StorageNAND  StorageCode = 0x3
	StorageNOR   StorageCode = 0x4
	StorageUFS   StorageCode = 0x5
)

// PartitionCode is the on-wire partition-type byte (spec.md §4.5).
type PartitionCode byte

const (
	PartBoot1 PartitionCode = 1
	PartBoot2 PartitionCode = 2
	PartRPMB  PartitionCode = 3
	PartGP1   PartitionCode = 4
	PartGP2   PartitionCode = 5
	PartGP3   PartitionCode = 6
	PartGP4   PartitionCode = 7
	PartUser  PartitionCode = 8
)

const writePacketSize = 0x100000

// checksum is the running 16-bit XOR over s, padded to an even length with
// a trailing zero (Testable Property 4).
func checksum(s []byte) uint16 {
	padded := s
	if len(padded)%2 != 0 {
		padded = append(append([]byte(nil), s...), 0)
	}
	var acc uint16
	for i := 0; i+1 < len(padded); i += 2 {
		acc ^= binary.LittleEndian.Uint16(padded[i : i+2])
	}
	return acc
}

// Session drives a booted Legacy DA. It implements dasession.Session.
type Session struct {
	dev     mtkio.Device
	log     logx.Logger
	storage StorageCode
}

// New wraps dev, already synced past the two-stage boot handshake, as a
// Legacy DA session for the given storage medium.
func New(dev mtkio.Device, storage StorageCode, log logx.Logger) *Session {
	if log == nil {
		log = logx.Nop
	}
	return &Session{dev: dev, storage: storage, log: log}
}

var _ dasession.Session = (*Session)(nil)

func readAck(dev mtkio.Device) error {
	b, err := dev.Read(1, 64)
	if err != nil {
		return &mtkerr.Transport{Op: "dalegacy", Err: err}
	}
	if len(b) != 1 || b[0] != Ack {
		return &mtkerr.Protocol{Op: "dalegacy", Code: uint32(firstOr(b, 0xFF))}
	}
	return nil
}

func firstOr(b []byte, def byte) byte {
	if len(b) == 0 {
		return def
	}
	return b[0]
}

func writeHeader(dev mtkio.Device, op byte, storage StorageCode, part PartitionCode, addr, length uint64, packetSize uint32) error {
	if _, err := dev.Write([]byte{op}); err != nil {
		return &mtkerr.Transport{Op: "dalegacy", Err: err}
	}
	if _, err := dev.Write([]byte{byte(storage)}); err != nil {
		return &mtkerr.Transport{Op: "dalegacy", Err: err}
	}
	if _, err := dev.Write([]byte{byte(part)}); err != nil {
		return &mtkerr.Transport{Op: "dalegacy", Err: err}
	}
	addrBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(addrBuf, addr)
	if _, err := dev.Write(addrBuf); err != nil {
		return &mtkerr.Transport{Op: "dalegacy", Err: err}
	}
	lenBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(lenBuf, length)
	if _, err := dev.Write(lenBuf); err != nil {
		return &mtkerr.Transport{Op: "dalegacy", Err: err}
	}
	pktBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(pktBuf, packetSize)
	if _, err := dev.Write(pktBuf); err != nil {
		return &mtkerr.Transport{Op: "dalegacy", Err: err}
	}
	return readAck(dev)
}

// ReadPartition implements Scenario S2's Legacy counterpart: send the READ
// header, then loop reading up to packetSize bytes plus a trailing 2-byte
// XOR checksum, ACKing each chunk, until length bytes are delivered.
func (s *Session) ReadPartition(ctx context.Context, partition string, addr, length uint64, w func([]byte) error) error {
	const packetSize = writePacketSize
	part := PartUser
	if err := writeHeader(s.dev, OpRead, s.storage, part, addr, length, packetSize); err != nil {
		return err
	}

	var done uint64
	for done < length {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		size := length - done
		if size > packetSize {
			size = packetSize
		}
		chunk, err := s.dev.Read(int(size), 0x400)
		if err != nil {
			return &mtkerr.Transport{Op: "dalegacy read", Err: err}
		}
		if uint64(len(chunk)) != size {
			return &mtkerr.Framing{Msg: "short read partition chunk"}
		}

		sumBuf, err := s.dev.Read(2, 64)
		if err != nil || len(sumBuf) != 2 {
			return &mtkerr.Transport{Op: "dalegacy checksum", Err: err}
		}
		_ = binary.BigEndian.Uint16(sumBuf)

		if err := w(chunk); err != nil {
			return err
		}
		if _, err := s.dev.Write([]byte{Ack}); err != nil {
			return &mtkerr.Transport{Op: "dalegacy", Err: err}
		}
		done += size
	}
	return nil
}

// WritePartition implements Scenario S3: send the SDMMC_WRITE_DATA header,
// then per 1 MiB chunk: ACK, chunk data, running XOR checksum, read CONT.
func (s *Session) WritePartition(ctx context.Context, partition string, addr, length uint64, r func([]byte) ([]byte, error)) error {
	if err := writeHeader(s.dev, OpSDMMCWriteData, s.storage, PartUser, addr, length, writePacketSize); err != nil {
		return err
	}

	var done uint64
	for done < length {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		size := length - done
		if size > writePacketSize {
			size = writePacketSize
		}
		chunk, err := r(nil)
		if err != nil {
			return err
		}
		if uint64(len(chunk)) != size {
			return &mtkerr.Format{Msg: "write source returned wrong chunk size"}
		}

		if _, err := s.dev.Write([]byte{Ack}); err != nil {
			return &mtkerr.Transport{Op: "dalegacy", Err: err}
		}
		if _, err := s.dev.Write(chunk); err != nil {
			return &mtkerr.Transport{Op: "dalegacy", Err: err}
		}
		sumBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(sumBuf, checksum(chunk))
		if _, err := s.dev.Write(sumBuf); err != nil {
			return &mtkerr.Transport{Op: "dalegacy", Err: err}
		}

		cont, err := s.dev.Read(1, 64)
		if err != nil || len(cont) != 1 || cont[0] != Cont {
			return &mtkerr.Protocol{Op: "dalegacy write chunk ack", Code: uint32(firstOr(cont, 0xFF))}
		}
		done += size
	}
	return nil
}

// FormatPartition is unsupported by the Legacy dialect (the reference
// toolchain's formatflash is a stub that always reports failure).
func (s *Session) FormatPartition(ctx context.Context, partition string, addr, length uint64) error {
	return &mtkerr.Storage{Msg: "legacy DA does not support format"}
}

func (s *Session) Close() error {
	if _, err := s.dev.Write([]byte{OpFinish}); err != nil {
		return &mtkerr.Transport{Op: "dalegacy close", Err: err}
	}
	if err := readAck(s.dev); err != nil {
		return err
	}
	disconnect := make([]byte, 4)
	if _, err := s.dev.Write(disconnect); err != nil {
		return &mtkerr.Transport{Op: "dalegacy close", Err: err}
	}
	return readAck(s.dev)
}

// UploadStage1 pushes the catalog's first load region via Preloader
// SEND_DA/JUMP_DA exactly as DA-XFlash's upload does (spec.md §4.5 "Two-
// stage DA upload"), then waits for the one-byte SYNC that marks stage-1
// alive.
func UploadStage1(pl *preloader.Preloader, dev mtkio.Device, addr, length, sigLen uint32, stage1 []byte) error {
	if err := pl.SendDA(addr, length, sigLen, stage1); err != nil {
		return err
	}
	if err := pl.JumpDA(addr); err != nil {
		return err
	}
	sync, err := dev.Read(1, 64)
	if err != nil {
		return &mtkerr.Transport{Op: "dalegacy stage1 sync", Err: err}
	}
	if len(sync) != 1 || sync[0] != Sync {
		return &mtkerr.Framing{Want: []byte{Sync}, Got: sync, Msg: "stage-1 did not sync"}
	}
	return nil
}

// UploadStage2 pushes stage2 in 0x1000-byte chunks, each ACK'd, as
// described in spec.md §4.5.
func UploadStage2(dev mtkio.Device, stage2 []byte) error {
	const chunkSize = 0x1000
	for off := 0; off < len(stage2); off += chunkSize {
		end := off + chunkSize
		if end > len(stage2) {
			end = len(stage2)
		}
		if _, err := dev.Write(stage2[off:end]); err != nil {
			return &mtkerr.Transport{Op: "dalegacy stage2 upload", Err: err}
		}
		if err := readAck(dev); err != nil {
			return err
		}
	}
	return nil
}

// NorInfo is the NOR flash geometry record stage-2 reports (0x1C bytes).
type NorInfo struct {
	Ret         uint32
	ChipSelect  [2]byte
	FlashID     uint16
	FlashSize   uint32
	DevCode     [4]uint16
	OTPStatus   uint32
	OTPSize     uint32
}

// NandInfo is the NAND flash geometry record. Stage-2 reports it as either a
// 64-bit or 32-bit shape depending on chip generation (spec.md design note,
// §9); Is64Bit records which one this value was parsed as.
type NandInfo struct {
	Is64Bit       bool
	Info          uint32
	ChipSelect    byte
	FlashID       uint16
	FlashSize     uint64
	FlashIDCount  uint16
	DevCode       []uint16
	PageSize      uint16
	SpareSize     uint16
	PagesPerBlock uint16
	IOInterface   byte
	AddrCycle     byte
	BMTExist      byte
}

// EmmcInfo is the eMMC geometry record (0x5C bytes).
type EmmcInfo struct {
	Ret        uint32
	Boot1Size  uint64
	Boot2Size  uint64
	RPMBSize   uint64
	GPSize     [4]uint64
	UASize     uint64
	CID        [2]uint64
	FWVer      [8]byte
}

// SdcInfo is the SD/MMC geometry record (0x1C bytes).
type SdcInfo struct {
	Info   uint32
	UASize uint64
	CID    [2]uint64
}

// ConfigInfo is the SRAM/external-RAM and random-ID record (0x26 bytes).
type ConfigInfo struct {
	IntSRAMRet       uint32
	IntSRAMSize      uint32
	ExtRAMRet        uint32
	ExtRAMType       byte
	ExtRAMChipSelect byte
	ExtRAMSize       uint64
	RandomID         [2]uint64
}

// PassInfo is the final handshake byte plus boot-status fields (0xA bytes).
type PassInfo struct {
	Ack            byte
	DownloadStatus uint32
	BootStyle      uint32
	SocOK          byte
}

// FlashInfo bundles the full flash-geometry readback stage-2 sends after
// stage-2 upload completes (spec.md §4.5).
type FlashInfo struct {
	Nor    NorInfo
	Nand   NandInfo
	Emmc   EmmcInfo
	Sdc    SdcInfo
	Config ConfigInfo
	Pass   PassInfo
}

// FlashType reports which storage medium stage-2 found populated, by
// checking which info struct reports a non-zero type (spec.md line 129).
func (fi FlashInfo) FlashType() StorageCode {
	switch {
	case fi.Nand.FlashIDCount != 0:
		return StorageNAND
	case fi.Emmc.Ret != 0 || fi.Emmc.Boot1Size != 0:
		return StorageEMMC
	case fi.Sdc.Info != 0:
		return StorageSDMMC
	case fi.Nor.FlashID != 0:
		return StorageNOR
	default:
		return StorageEMMC
	}
}

func readExact(dev mtkio.Device, n int) ([]byte, error) {
	b, err := dev.Read(n, 0x400)
	if err != nil {
		return nil, &mtkerr.Transport{Op: "dalegacy flash info", Err: err}
	}
	if len(b) != n {
		return nil, &mtkerr.Framing{Msg: "short read in flash info"}
	}
	return b, nil
}

func parseNorInfo(b []byte) NorInfo {
	return NorInfo{
		Ret:        binary.BigEndian.Uint32(b[0:4]),
		ChipSelect: [2]byte{b[4], b[5]},
		FlashID:    binary.BigEndian.Uint16(b[6:8]),
		FlashSize:  binary.BigEndian.Uint32(b[8:12]),
		DevCode: [4]uint16{
			binary.BigEndian.Uint16(b[12:14]),
			binary.BigEndian.Uint16(b[14:16]),
			binary.BigEndian.Uint16(b[16:18]),
			binary.BigEndian.Uint16(b[18:20]),
		},
		OTPStatus: binary.BigEndian.Uint32(b[20:24]),
		OTPSize:   binary.BigEndian.Uint32(b[24:28]),
	}
}

// parseNandInfo64 reads b (0x11 bytes) as the 64-bit NAND shape.
func parseNandInfo64(b []byte) NandInfo {
	return NandInfo{
		Is64Bit:      true,
		Info:         binary.BigEndian.Uint32(b[0:4]),
		ChipSelect:   b[4],
		FlashID:      binary.BigEndian.Uint16(b[5:7]),
		FlashSize:    binary.BigEndian.Uint64(b[7:15]),
		FlashIDCount: binary.BigEndian.Uint16(b[15:17]),
	}
}

// parseNandInfo32 reparses the same bytes as the 32-bit shape (spec.md line
// 208: only attempted when the 64-bit shape's count field reads zero).
func parseNandInfo32(b []byte) NandInfo {
	return NandInfo{
		Is64Bit:      false,
		Info:         binary.BigEndian.Uint32(b[0:4]),
		ChipSelect:   b[4],
		FlashID:      binary.BigEndian.Uint16(b[5:7]),
		FlashSize:    uint64(binary.BigEndian.Uint32(b[7:11])),
		FlashIDCount: binary.BigEndian.Uint16(b[11:13]),
	}
}

func parseEmmcInfo(b []byte) EmmcInfo {
	ei := EmmcInfo{
		Ret:       binary.BigEndian.Uint32(b[0:4]),
		Boot1Size: binary.BigEndian.Uint64(b[4:12]),
		Boot2Size: binary.BigEndian.Uint64(b[12:20]),
		RPMBSize:  binary.BigEndian.Uint64(b[20:28]),
		GPSize: [4]uint64{
			binary.BigEndian.Uint64(b[28:36]),
			binary.BigEndian.Uint64(b[36:44]),
			binary.BigEndian.Uint64(b[44:52]),
			binary.BigEndian.Uint64(b[52:60]),
		},
		UASize: binary.BigEndian.Uint64(b[60:68]),
		CID: [2]uint64{
			binary.BigEndian.Uint64(b[68:76]),
			binary.BigEndian.Uint64(b[76:84]),
		},
	}
	copy(ei.FWVer[:], b[84:92])
	return ei
}

func parseSdcInfo(b []byte) SdcInfo {
	return SdcInfo{
		Info:   binary.BigEndian.Uint32(b[0:4]),
		UASize: binary.BigEndian.Uint64(b[4:12]),
		CID: [2]uint64{
			binary.BigEndian.Uint64(b[12:20]),
			binary.BigEndian.Uint64(b[20:28]),
		},
	}
}

func parseConfigInfo(b []byte) ConfigInfo {
	return ConfigInfo{
		IntSRAMRet:       binary.BigEndian.Uint32(b[0:4]),
		IntSRAMSize:      binary.BigEndian.Uint32(b[4:8]),
		ExtRAMRet:        binary.BigEndian.Uint32(b[8:12]),
		ExtRAMType:       b[12],
		ExtRAMChipSelect: b[13],
		ExtRAMSize:       binary.BigEndian.Uint64(b[14:22]),
		RandomID: [2]uint64{
			binary.BigEndian.Uint64(b[22:30]),
			binary.BigEndian.Uint64(b[30:38]),
		},
	}
}

func parsePassInfo(b []byte) PassInfo {
	return PassInfo{
		Ack:            b[0],
		DownloadStatus: binary.BigEndian.Uint32(b[1:5]),
		BootStyle:      binary.BigEndian.Uint32(b[5:9]),
		SocOK:          b[9],
	}
}

// ReadFlashInfo reads the flash-geometry records stage-2 sends immediately
// after the chunked upload finishes (spec.md §4.5's "finally reads back
// flash-geometry records... per a fixed binary schema"). It tries the
// 64-bit NAND shape first and, iff its count field reads zero, reparses the
// same bytes as the 32-bit shape (spec.md line 208).
func ReadFlashInfo(dev mtkio.Device) (FlashInfo, error) {
	var fi FlashInfo

	norBuf, err := readExact(dev, 0x1C)
	if err != nil {
		return fi, err
	}
	fi.Nor = parseNorInfo(norBuf)

	nandBuf, err := readExact(dev, 0x11)
	if err != nil {
		return fi, err
	}
	fi.Nand = parseNandInfo64(nandBuf)

	var devCodeBuf []byte
	nandcount := int(fi.Nand.FlashIDCount)
	if nandcount == 0 {
		fi.Nand = parseNandInfo32(nandBuf)
		nandcount = int(fi.Nand.FlashIDCount)
		extra, err := readExact(dev, nandcount*2-4)
		if err != nil {
			return fi, err
		}
		devCodeBuf = append(append([]byte(nil), nandBuf[len(nandBuf)-4:]...), extra...)
	} else {
		devCodeBuf, err = readExact(dev, nandcount*2)
		if err != nil {
			return fi, err
		}
	}
	fi.Nand.DevCode = make([]uint16, nandcount)
	for i := 0; i < nandcount; i++ {
		fi.Nand.DevCode[i] = binary.BigEndian.Uint16(devCodeBuf[i*2 : i*2+2])
	}

	ni2Buf, err := readExact(dev, 9)
	if err != nil {
		return fi, err
	}
	fi.Nand.PageSize = binary.BigEndian.Uint16(ni2Buf[0:2])
	fi.Nand.SpareSize = binary.BigEndian.Uint16(ni2Buf[2:4])
	fi.Nand.PagesPerBlock = binary.BigEndian.Uint16(ni2Buf[4:6])
	fi.Nand.IOInterface = ni2Buf[6]
	fi.Nand.AddrCycle = ni2Buf[7]
	fi.Nand.BMTExist = ni2Buf[8]

	emmcBuf, err := readExact(dev, 0x5C)
	if err != nil {
		return fi, err
	}
	fi.Emmc = parseEmmcInfo(emmcBuf)

	sdcBuf, err := readExact(dev, 0x1C)
	if err != nil {
		return fi, err
	}
	fi.Sdc = parseSdcInfo(sdcBuf)

	configBuf, err := readExact(dev, 0x26)
	if err != nil {
		return fi, err
	}
	fi.Config = parseConfigInfo(configBuf)

	passBuf, err := readExact(dev, 0xA)
	if err != nil {
		return fi, err
	}
	fi.Pass = parsePassInfo(passBuf)
	if fi.Pass.Ack != Ack {
		return fi, &mtkerr.Protocol{Op: "dalegacy flash info", Code: uint32(fi.Pass.Ack)}
	}
	return fi, nil
}
