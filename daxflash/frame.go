// Package daxflash implements the newer XFlash Download Agent dialect
// (spec.md §4.6): little-endian length-prefixed framing over the same
// bulk USB channel, with a DEVICE_CTRL sub-opcode namespace.
package daxflash

import (
	"encoding/binary"

	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio"
)

// Magic is the fixed frame preamble.
const Magic uint32 = 0xFEEEEEEF

// DataType selects the frame's payload kind.
type DataType uint32

const (
	ProtocolFlow DataType = 1
	Message      DataType = 2
)

// maxFrameLength bounds a frame's declared length against implausible
// values (a corrupted or adversarial length field would otherwise cause an
// unbounded allocation/read) — the chosen bound comfortably exceeds any
// legitimate parameter block or status frame this dialect exchanges.
const maxFrameLength = 64 << 20

// Frame is one XFlash message: {magic, data_type, length, payload}, all
// little-endian (spec.md §4.6).
type Frame struct {
	Type    DataType
	Payload []byte
}

// Encode serializes f to its wire representation.
func (f Frame) Encode() []byte {
	out := make([]byte, 12+len(f.Payload))
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(f.Type))
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(f.Payload)))
	copy(out[12:], f.Payload)
	return out
}

// WriteFrame writes f to dev.
func WriteFrame(dev mtkio.Device, f Frame) error {
	if _, err := dev.Write(f.Encode()); err != nil {
		return &mtkerr.Transport{Op: "daxflash write frame", Err: err}
	}
	return nil
}

// ReadFrame reads one frame from dev, validating the magic and bounding
// the declared length (Testable Property 5: magic mismatch and an
// oversized length are both FramingErrors).
func ReadFrame(dev mtkio.Device) (Frame, error) {
	hdr, err := dev.Read(12, 64)
	if err != nil {
		return Frame{}, &mtkerr.Transport{Op: "daxflash read frame header", Err: err}
	}
	if len(hdr) != 12 {
		return Frame{}, &mtkerr.Framing{Msg: "short frame header"}
	}

	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != Magic {
		return Frame{}, &mtkerr.Framing{
			Want: []byte{0xEF, 0xEE, 0xEE, 0xFE},
			Got:  hdr[0:4],
			Msg:  "bad frame magic",
		}
	}

	dataType := DataType(binary.LittleEndian.Uint32(hdr[4:8]))
	length := binary.LittleEndian.Uint32(hdr[8:12])
	if length > maxFrameLength {
		return Frame{}, &mtkerr.Framing{Msg: "frame length exceeds maximum"}
	}

	payload, err := dev.Read(int(length), 64)
	if err != nil {
		return Frame{}, &mtkerr.Transport{Op: "daxflash read frame payload", Err: err}
	}
	if uint32(len(payload)) != length {
		return Frame{}, &mtkerr.Framing{Msg: "short frame payload"}
	}

	return Frame{Type: dataType, Payload: payload}, nil
}
