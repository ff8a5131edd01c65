package daxflash

import (
	"bytes"
	"encoding/binary"

	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio"
	"github.com/satyamisme/mtkclient/preloader"
)

// ConnectionAgent distinguishes which stage handed control to the DA,
// since a brom connection still needs DRAM initialized via INIT_EXT_RAM
// before storage ops work (spec.md §4.6 step 5).
type ConnectionAgent string

const (
	AgentBROM      ConnectionAgent = "brom"
	AgentPreloader ConnectionAgent = "preloader"
)

const bloaderInfoMarker = "MTK_BLOADER_INFO_v"
const emiCountOffset = 0x6C
const emiRecordSize = 0xB0
const emiHeaderSize = 0x70

// ExtractEMI locates the "MTK_BLOADER_INFO_v" marker in a preloader image
// and returns the DRAM-init blob INIT_EXT_RAM expects: the EMI count at
// marker+0x6C determines emi_size = count*0xB0 + 0x70 bytes starting at the
// marker.
func ExtractEMI(preloaderImage []byte) ([]byte, error) {
	idx := bytes.Index(preloaderImage, []byte(bloaderInfoMarker))
	if idx < 0 {
		return nil, &mtkerr.Format{Msg: "preloader image missing MTK_BLOADER_INFO_v marker"}
	}
	countOff := idx + emiCountOffset
	if countOff+4 > len(preloaderImage) {
		return nil, &mtkerr.Format{Msg: "preloader image truncated at EMI count"}
	}
	count := binary.LittleEndian.Uint32(preloaderImage[countOff : countOff+4])
	emiSize := int(count)*emiRecordSize + emiHeaderSize
	if idx+emiSize > len(preloaderImage) {
		return nil, &mtkerr.Format{Msg: "preloader image truncated at EMI blob"}
	}
	return preloaderImage[idx : idx+emiSize], nil
}

// UploadChoreography drives spec.md §4.6's upload sequence after stage-1
// has already been sent via Preloader SEND_DA/JUMP_DA (identical to
// dalegacy.UploadStage1): read the one-byte sync, announce environment
// setup, confirm the device echoes SYNC_SIGNAL back, then resolve which
// stage handed off control and initialize DRAM if it was BROM.
func UploadChoreography(dev mtkio.Device, preloaderImage []byte, log logx.Logger) (ConnectionAgent, error) {
	if log == nil {
		log = logx.Nop
	}

	sync, err := dev.Read(1, 64)
	if err != nil {
		return "", &mtkerr.Transport{Op: "daxflash stage1 sync", Err: err}
	}
	if len(sync) != 1 || sync[0] != 0xC0 {
		return "", &mtkerr.Framing{Want: []byte{0xC0}, Got: sync, Msg: "stage-1 did not sync"}
	}

	if _, err := sendVerb(dev, VerbSyncSignal); err != nil {
		return "", err
	}

	env := make([]byte, 16)
	binary.LittleEndian.PutUint32(env[0:4], 2) // log_level
	binary.LittleEndian.PutUint32(env[4:8], 1) // channel
	binary.LittleEndian.PutUint32(env[8:12], 0) // os = LINUX
	binary.LittleEndian.PutUint32(env[12:16], 0) // ufs_provision
	if _, err := sendVerb(dev, VerbSetupEnvironment); err != nil {
		return "", err
	}
	if err := WriteFrame(dev, Frame{Type: Message, Payload: env}); err != nil {
		return "", err
	}
	if _, err := readStatus(dev); err != nil {
		return "", err
	}

	if _, err := sendVerb(dev, VerbSetupHWInitParams); err != nil {
		return "", err
	}
	if err := WriteFrame(dev, Frame{Type: Message, Payload: make([]byte, 4)}); err != nil {
		return "", err
	}
	if _, err := readStatus(dev); err != nil {
		return "", err
	}

	confirm, err := ReadFrame(dev)
	if err != nil {
		return "", err
	}
	if len(confirm.Payload) != 4 || binary.LittleEndian.Uint32(confirm.Payload) != uint32(VerbSyncSignal) {
		return "", &mtkerr.Framing{Msg: "expected SYNC_SIGNAL confirmation frame"}
	}

	agentBuf, err := DeviceCtrl(dev, CtrlGetConnAgent)
	if err != nil {
		return "", err
	}
	agent := ConnectionAgent(bytes.TrimRight(agentBuf, "\x00"))

	if agent == AgentBROM {
		if preloaderImage == nil {
			return "", &mtkerr.Format{Msg: "BROM connection requires a preloader image to extract EMI from"}
		}
		emi, err := ExtractEMI(preloaderImage)
		if err != nil {
			return "", err
		}
		if _, err := sendVerb(dev, VerbInitExtRAM); err != nil {
			return "", err
		}
		if err := WriteFrame(dev, Frame{Type: Message, Payload: emi}); err != nil {
			return "", err
		}
		if _, err := readStatus(dev); err != nil {
			return "", err
		}
	}

	log.Infof("XFlash connection agent: %s", agent)
	return agent, nil
}

// BootTo hands control to a stage-2 DA: send the {at_address, da_size}
// parameter block, then a MESSAGE frame carrying the DA bytes; success is
// the device echoing SYNC_SIGNAL back.
func BootTo(dev mtkio.Device, addr uint64, stage2 []byte) error {
	if _, err := sendVerb(dev, VerbBootTo); err != nil {
		return err
	}
	param := make([]byte, 16)
	binary.LittleEndian.PutUint64(param[0:8], addr)
	binary.LittleEndian.PutUint64(param[8:16], uint64(len(stage2)))
	if err := WriteFrame(dev, Frame{Type: Message, Payload: param}); err != nil {
		return err
	}
	if _, err := readStatus(dev); err != nil {
		return err
	}
	if err := WriteFrame(dev, Frame{Type: Message, Payload: stage2}); err != nil {
		return err
	}

	frame, err := ReadFrame(dev)
	if err != nil {
		return err
	}
	if len(frame.Payload) != 4 || binary.LittleEndian.Uint32(frame.Payload) != uint32(VerbSyncSignal) {
		return &mtkerr.Framing{Msg: "boot-to did not receive SYNC_SIGNAL"}
	}
	return nil
}

// UploadStage1 pushes stage-1 via Preloader SEND_DA/JUMP_DA, identical in
// both DA dialects.
func UploadStage1(pl *preloader.Preloader, addr, length, sigLen uint32, stage1 []byte) error {
	if err := pl.SendDA(addr, length, sigLen, stage1); err != nil {
		return err
	}
	return pl.JumpDA(addr)
}
