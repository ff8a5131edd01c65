// Package transport implements the USB-CDC bulk transport used while a
// MediaTek SoC is in BROM, preloader, or DA mode.
//
// BROM and preloader both enumerate as VID=0x0E8D, PID=0x0003. Interface 1
// is the CDC-ACM data interface (interface class 10) this package claims;
// bulk endpoints 0x01 (out) / 0x81 (in) are the defaults for that
// interface, overridable for boards that differ.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/mtkerr"
)

const (
	// VID/PID shared by BROM and preloader service mode (spec §6).
	VID = 0x0E8D
	PID = 0x0003

	dataInterfaceNum = 1
	dataInterfaceAlt = 0

	defaultEndpointOut = 0x01
	defaultEndpointIn  = 0x81

	// CDC-ACM class requests (CDC120 §6.2).
	cdcSendEncapsulatedCommand = 0x00
	cdcSetLineCoding           = 0x20
	cdcSendBreak               = 0x23

	chunkTimeout = 100 * time.Millisecond

	// Up to four consecutive empty reads are taken as end-of-message, per
	// spec §4.1.
	maxEmptyReads = 4
)

// USBDevice is the gousb-backed implementation of mtkio.Device.
type USBDevice struct {
	log logx.Logger

	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	vid, pid             gousb.ID
	epOutAddr, epInAddr  int
	log                  logx.Logger
}

// WithVIDPID overrides the USB identification used to find the device.
func WithVIDPID(vid, pid uint16) Option {
	return func(o *openOptions) {
		o.vid = gousb.ID(vid)
		o.pid = gousb.ID(pid)
	}
}

// WithLogger injects a logger; default is logx.Nop.
func WithLogger(l logx.Logger) Option {
	return func(o *openOptions) { o.log = l }
}

// WithEndpoints overrides the bulk out/in endpoint addresses, for boards
// whose CDC-ACM data interface doesn't use the 0x01/0x81 default pair.
func WithEndpoints(out, in int) Option {
	return func(o *openOptions) {
		o.epOutAddr = out
		o.epInAddr = in
	}
}

// Open finds and claims the BROM/preloader CDC-ACM data interface.
func Open(opts ...Option) (*USBDevice, error) {
	o := &openOptions{
		vid:       VID,
		pid:       PID,
		epOutAddr: defaultEndpointOut,
		epInAddr:  defaultEndpointIn,
		log:       logx.Nop,
	}
	for _, opt := range opts {
		opt(o)
	}

	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(o.vid, o.pid)
	if err != nil {
		ctx.Close()
		return nil, &mtkerr.Transport{Op: "open device", Err: err}
	}
	if dev == nil {
		ctx.Close()
		return nil, &mtkerr.Transport{Op: "open device", Err: fmt.Errorf("no device VID:%04x PID:%04x", o.vid, o.pid)}
	}

	dev.SetAutoDetach(true)

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, &mtkerr.Transport{Op: "set config", Err: err}
	}

	intf, err := cfg.Interface(dataInterfaceNum, dataInterfaceAlt)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, &mtkerr.Transport{Op: "claim data interface", Err: err}
	}

	epOut, err := intf.OutEndpoint(o.epOutAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, &mtkerr.Transport{Op: "open out endpoint", Err: err}
	}

	epIn, err := intf.InEndpoint(o.epInAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, &mtkerr.Transport{Op: "open in endpoint", Err: err}
	}

	u := &USBDevice{
		log:    o.log,
		ctx:    ctx,
		device: dev,
		config: cfg,
		intf:   intf,
		epOut:  epOut,
		epIn:   epIn,
	}

	u.log.Debugf("opened VID:%04x PID:%04x, interface %d", o.vid, o.pid, dataInterfaceNum)

	return u, nil
}

// Write is a best-effort bulk-out write.
func (u *USBDevice) Write(b []byte) (int, error) {
	n, err := u.epOut.Write(b)
	if err != nil {
		return n, &mtkerr.Transport{Op: "bulk write", Err: err}
	}
	return n, nil
}

// Read loops at most chunk bytes per iteration until n bytes are collected
// or maxEmptyReads consecutive reads return nothing.
func (u *USBDevice) Read(n int, chunk int) ([]byte, error) {
	if chunk <= 0 {
		chunk = 64
	}

	out := make([]byte, 0, n)
	empty := 0

	for len(out) < n && empty < maxEmptyReads {
		want := n - len(out)
		if want > chunk {
			want = chunk
		}

		buf := make([]byte, want)

		ctx, cancel := context.WithTimeout(context.Background(), chunkTimeout)
		got, err := u.epIn.ReadContext(ctx, buf)
		cancel()

		if got == 0 {
			empty++
			if err != nil && err != context.DeadlineExceeded {
				// A real I/O error (not a timeout) ends the read early.
				if len(out) == 0 {
					return out, &mtkerr.Transport{Op: "bulk read", Err: err}
				}
				break
			}
			continue
		}

		empty = 0
		out = append(out, buf[:got]...)
	}

	return out, nil
}

// Echo writes b and reads back len(b) bytes, reporting whether they match.
func (u *USBDevice) Echo(b []byte) (bool, error) {
	if _, err := u.Write(b); err != nil {
		return false, err
	}

	got, err := u.Read(len(b), 64)
	if err != nil {
		return false, err
	}

	if len(got) != len(b) {
		return false, nil
	}
	for i := range b {
		if got[i] != b[i] {
			return false, nil
		}
	}
	return true, nil
}

// ControlTransfer issues a raw USB control transfer.
func (u *USBDevice) ControlTransfer(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	n, err := u.device.Control(requestType, request, value, index, data)
	if err != nil {
		return n, &mtkerr.Transport{Op: "control transfer", Err: err}
	}
	return n, nil
}

// SetLineCoding reprograms the CDC-ACM line coding to the given baud rate,
// 8N1, issued on the data interface per spec §4.2.
func (u *USBDevice) SetLineCoding(baud uint32) error {
	lc := make([]byte, 7)
	lc[0] = byte(baud)
	lc[1] = byte(baud >> 8)
	lc[2] = byte(baud >> 16)
	lc[3] = byte(baud >> 24)
	lc[4] = 0 // 1 stop bit
	lc[5] = 0 // no parity
	lc[6] = 8 // 8 data bits

	_, err := u.ControlTransfer(0x21, cdcSetLineCoding, 0, dataInterfaceNum, lc)
	return err
}

// SendBreak issues a CDC-ACM SEND_BREAK class request.
func (u *USBDevice) SendBreak() error {
	_, err := u.ControlTransfer(0x21, cdcSendBreak, 0xFFFF, dataInterfaceNum, nil)
	return err
}

// Close releases the claimed interface, configuration, device handle, and
// libusb context, in that order, even if called more than once.
func (u *USBDevice) Close() error {
	if u.intf != nil {
		u.intf.Close()
		u.intf = nil
	}
	if u.config != nil {
		u.config.Close()
		u.config = nil
	}
	if u.device != nil {
		u.device.Close()
		u.device = nil
	}
	if u.ctx != nil {
		u.ctx.Close()
		u.ctx = nil
	}
	return nil
}
