// Package wire lifts the "send request, read status" pattern shared by the
// Preloader and DA-XFlash protocols (spec.md §9) into a single generic
// helper parameterized by a status codec. DA-Legacy does not use it.
package wire

import (
	"encoding/binary"

	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio"
)

// StatusCodec decodes a fixed-size status word from the device and reports
// whether it represents success.
type StatusCodec interface {
	// Size is the number of bytes the status word occupies on the wire.
	Size() int
	// Decode interprets raw (of length Size()) as a status value.
	Decode(raw []byte) uint32
	// OK reports whether the decoded status represents success.
	OK(status uint32) bool
}

// BigEndianU16 is the Preloader status codec: a 16-bit big-endian word,
// values below 3 are success (spec §4.3).
type BigEndianU16 struct{}

func (BigEndianU16) Size() int                  { return 2 }
func (BigEndianU16) Decode(raw []byte) uint32    { return uint32(binary.BigEndian.Uint16(raw)) }
func (BigEndianU16) OK(status uint32) bool       { return status < 3 }

// LittleEndianU32 is the DA-XFlash status codec: a 32-bit little-endian
// word, zero is success (spec §4.6).
type LittleEndianU32 struct{}

func (LittleEndianU32) Size() int               { return 4 }
func (LittleEndianU32) Decode(raw []byte) uint32 { return binary.LittleEndian.Uint32(raw) }
func (LittleEndianU32) OK(status uint32) bool    { return status == 0 }

// ReadStatus reads and decodes one status word from dev using codec,
// returning a *mtkerr.Protocol if it does not indicate success.
func ReadStatus(dev mtkio.Device, op string, codec StatusCodec) (uint32, error) {
	raw, err := dev.Read(codec.Size(), 64)
	if err != nil {
		return 0, err
	}
	if len(raw) != codec.Size() {
		return 0, &mtkerr.Transport{Op: op, Err: errShortStatus(len(raw), codec.Size())}
	}

	status := codec.Decode(raw)
	if !codec.OK(status) {
		return status, &mtkerr.Protocol{Op: op, Code: status}
	}
	return status, nil
}

type errShortStatusT struct{ got, want int }

func (e errShortStatusT) Error() string {
	return "short status read"
}

func errShortStatus(got, want int) error { return errShortStatusT{got, want} }

// EchoExact writes b and fails with *mtkerr.Framing (not Transport) unless
// the device echoes it back byte-for-byte. Per spec §4.1, any mismatch is
// fatal: the caller must treat the port as unusable afterward.
func EchoExact(dev mtkio.Device, b []byte) error {
	ok, err := dev.Echo(b)
	if err != nil {
		return err
	}
	if !ok {
		return &mtkerr.Framing{Msg: "echo mismatch"}
	}
	return nil
}
