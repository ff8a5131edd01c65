// Package handshake implements the BROM/Preloader wake sequence (spec.md
// §4.2): a 4-byte challenge written one byte at a time, each expected to
// come back as its bitwise complement before the device is considered
// ready to accept Preloader commands.
package handshake

import (
	"time"

	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/mtkerr"
	"github.com/satyamisme/mtkclient/mtkio"
)

var challenge = [4]byte{0xA0, 0x0A, 0x50, 0x05}

// DefaultMaxTries mirrors the original tool's retry budget.
const DefaultMaxTries = 100

// DefaultBaud is the line coding reprogrammed into the CDC port after a
// mismatched byte, matching the device's expected wake baud rate.
const DefaultBaud = 115200

const emptyReadSleep = 5 * time.Millisecond

// Options configures a handshake attempt.
type Options struct {
	MaxTries int
	Baud     uint32
	Log      logx.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxTries <= 0 {
		o.MaxTries = DefaultMaxTries
	}
	if o.Baud == 0 {
		o.Baud = DefaultBaud
	}
	if o.Log == nil {
		o.Log = logx.Nop
	}
	return o
}

// Run drives the handshake state machine to completion against dev. It is
// idempotent: calling it again on an already-synchronized device (one that
// would immediately echo back all four complements) succeeds the same way
// (Testable Property 2).
func Run(dev mtkio.Device, opts Options) error {
	opts = opts.withDefaults()

	i := 0
	tries := opts.MaxTries
	for i < len(challenge) {
		if tries <= 0 {
			return &mtkerr.Transport{Op: "handshake", Err: errExhausted}
		}

		if _, err := dev.Write([]byte{challenge[i]}); err != nil {
			return &mtkerr.Transport{Op: "handshake", Err: err}
		}

		v, err := dev.Read(1, 64)
		if err != nil {
			return &mtkerr.Transport{Op: "handshake", Err: err}
		}

		switch {
		case len(v) == 1 && v[0] == ^challenge[i]&0xFF:
			i++
		case len(v) == 1:
			opts.Log.Debugf("handshake mismatch at byte %d (got %#02x), reprogramming line", i, v[0])
			i = 0
			tries--
			if err := dev.SendBreak(); err != nil {
				return &mtkerr.Transport{Op: "handshake", Err: err}
			}
			if err := dev.SetLineCoding(opts.Baud); err != nil {
				return &mtkerr.Transport{Op: "handshake", Err: err}
			}
		default:
			i = 0
			time.Sleep(emptyReadSleep)
		}
	}

	opts.Log.Infof("device detected")
	return nil
}

type exhaustedErr struct{}

func (exhaustedErr) Error() string { return "handshake: retry budget exhausted" }

var errExhausted = exhaustedErr{}
