// Package watchdog implements the host side of the xmarkos.eu USB watchdog:
// a device that resets the machine unless it is pinged regularly. The device
// speaks two control-transfer sub-protocols: HID feature-report requests
// carry a one-byte-at-a-time text status stream, and vendor requests carry
// discrete commands (keep-alive ping, configuration variables).
package watchdog

import (
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/xmarkos/watchdogd/usb"
)

// HID class requests repurposed to move the status byte stream.
const (
	reqHIDGetReport      = 0x01
	reqHIDSetReport      = 0x09
	hidReportTypeFeature = 0x03
)

// Vendor requests understood by the device.
const (
	reqPing       = 1
	reqSetConfVar = 2
)

// ConfVar selects a persistent configuration variable on the device.
// Variables are write-only from the host's point of view.
type ConfVar uint16

// The device's configuration variables.
const (
	ConfVarBrightness  ConfVar = 1
	ConfVarGracePeriod ConfVar = 2
)

var (
	vendorOut = usb.RequestType(usb.DirOut, usb.TypeVendor, usb.RecipientDevice)
	classOut  = usb.RequestType(usb.DirOut, usb.TypeClass, usb.RecipientDevice)
	classIn   = usb.RequestType(usb.DirIn, usb.TypeClass, usb.RecipientDevice)
)

// DefaultFilter matches the xmarkos.eu watchdog.
var DefaultFilter = usb.SearchFilter{
	ID:           usb.Identifier{Vendor: 0x16c0, Product: 0x05df},
	Manufacturer: "xmarkos.eu",
	Product:      "Watchdog",
}

var (
	// ErrNotFound means no matching device is attached or the session's
	// handle has been dropped. Recoverable by rediscovery.
	ErrNotFound = errors.New("watchdog device not found")

	// ErrValueOutOfRange means a byte value outside [0,255] was passed to a
	// write. This is a caller bug, not an I/O failure, and is never retried.
	ErrValueOutOfRange = errors.New("byte value out of range")
)

// A TransferError wraps the transport error behind a failed control
// transfer (stall, disconnect mid-call, timeout, permissions).
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether err is one the supervisor should retry after a
// backoff (device gone or a transfer failed) rather than a usage bug.
func Recoverable(err error) bool {
	var transferErr *TransferError
	return errors.Is(err, ErrNotFound) || errors.As(err, &transferErr)
}

const (
	defaultPacing      = 10 * time.Millisecond
	defaultReadMax     = 50
	defaultCtrlTimeout = time.Second
)

// OpenFunc locates and opens a device matching the filter; usb.Open is the
// real implementation.
type OpenFunc func(filter usb.SearchFilter, controlTimeout time.Duration) (usb.Conn, error)

// DeviceOptions configure a Device. The zero value selects the defaults for
// the xmarkos.eu watchdog.
type DeviceOptions struct {
	// Filter selects which attached device to bind to; zero means
	// DefaultFilter.
	Filter usb.SearchFilter

	// Open locates and opens the device; nil means usb.Open.
	Open OpenFunc

	// ControlTimeout bounds each individual control transfer; zero means
	// one second.
	ControlTimeout time.Duration

	// Pacing is the delay after each one-byte transfer, giving the device
	// time to move the byte through its buffer. Zero means 10ms; negative
	// disables pacing.
	Pacing time.Duration

	// ReadMax caps how many bytes one ReadAvailable call drains. Zero
	// means 50.
	ReadMax int

	// Clock is the time source used for pacing; nil means the wall clock.
	Clock clock.Clock
}

// A Device is a session with one located watchdog. It owns the underlying
// USB connection exclusively: Locate binds it, Drop releases it, and every
// transfer fails with ErrNotFound while no connection is bound. Methods do
// not retry; recovery policy belongs to the Supervisor.
type Device struct {
	filter      usb.SearchFilter
	open        OpenFunc
	ctrlTimeout time.Duration
	pacing      time.Duration
	readMax     int
	clock       clock.Clock

	conn usb.Conn
}

// NewDevice returns an unbound session; call Locate before any transfer.
func NewDevice(opts DeviceOptions) *Device {
	if (opts.Filter == usb.SearchFilter{}) {
		opts.Filter = DefaultFilter
	}
	if opts.Open == nil {
		opts.Open = usb.Open
	}
	if opts.ControlTimeout == 0 {
		opts.ControlTimeout = defaultCtrlTimeout
	}
	if opts.Pacing == 0 {
		opts.Pacing = defaultPacing
	}
	if opts.ReadMax == 0 {
		opts.ReadMax = defaultReadMax
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Device{
		filter:      opts.Filter,
		open:        opts.Open,
		ctrlTimeout: opts.ControlTimeout,
		pacing:      opts.Pacing,
		readMax:     opts.ReadMax,
		clock:       opts.Clock,
	}
}

// Locate scans the bus for the device and binds to it, releasing any handle
// from a previous scan first so that a replugged device is picked up.
// Absence is reported as ErrNotFound; any other open failure (permissions, a
// scan racing a replug) is a TransferError, recoverable like any transfer.
func (d *Device) Locate() (usb.Description, error) {
	d.Drop()
	conn, err := d.open(d.filter, d.ctrlTimeout)
	if err != nil {
		if errors.Is(err, usb.ErrNoDevice) {
			return usb.Description{}, ErrNotFound
		}
		return usb.Description{}, &TransferError{Op: "locate", Err: err}
	}
	d.conn = conn
	return conn.Description(), nil
}

// Drop releases the bound device, if any. Close errors are ignored since the
// handle is presumed stale by the time Drop is called.
func (d *Device) Drop() {
	if d.conn == nil {
		return
	}
	goutils.UncheckedError(d.conn.Close())
	d.conn = nil
}

// Bound reports whether a device is currently bound.
func (d *Device) Bound() bool {
	return d.conn != nil
}

func (d *Device) control(op string, rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if d.conn == nil {
		return 0, errors.Wrap(ErrNotFound, op)
	}
	n, err := d.conn.Control(rType, request, val, idx, data)
	if err != nil {
		return 0, &TransferError{Op: op, Err: err}
	}
	return n, nil
}

func (d *Device) pace() {
	if d.pacing <= 0 {
		return
	}
	d.clock.Sleep(d.pacing)
}

// WriteByte sends one byte into the device's buffer. The value must fit in
// eight bits; anything else fails with ErrValueOutOfRange before any
// transfer is attempted.
func (d *Device) WriteByte(b int) error {
	if b < 0 || b > 0xff {
		return errors.Wrapf(ErrValueOutOfRange, "%d", b)
	}
	if _, err := d.control(
		"write byte",
		classOut, reqHIDSetReport,
		hidReportTypeFeature<<8|0, uint16(b),
		nil,
	); err != nil {
		return err
	}
	d.pace()
	return nil
}

// WriteString sends s to the device one byte per transfer, in order; the
// device's protocol has no batching. A rune outside [0,255] fails the write
// at that rune; bytes before it will already have been sent.
func (d *Device) WriteString(s string) error {
	for _, r := range s {
		if err := d.WriteByte(int(r)); err != nil {
			return err
		}
	}
	return nil
}

// ReadByte pulls one byte from the device's buffer. ok is false when the
// buffer is empty.
func (d *Device) ReadByte() (b byte, ok bool, err error) {
	buf := make([]byte, 1)
	n, err := d.control("read byte", classIn, reqHIDGetReport, 0, 0, buf)
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	d.pace()
	return buf[0], true, nil
}

// ReadAvailable drains up to ReadMax bytes from the device's buffer,
// stopping at the first empty read. Best effort, not a guaranteed full
// drain. Text drained before a failed transfer is returned alongside the
// error.
func (d *Device) ReadAvailable() (string, error) {
	var text strings.Builder
	for i := 0; i < d.readMax; i++ {
		b, ok, err := d.ReadByte()
		if err != nil {
			return text.String(), err
		}
		if !ok {
			break
		}
		text.WriteByte(b)
	}
	return text.String(), nil
}

// SendVendorCommand issues one fire-and-forget vendor request. No response
// is expected or read.
func (d *Device) SendVendorCommand(cmd uint8, value, index uint16) error {
	_, err := d.control("vendor command", vendorOut, cmd, value, index, nil)
	return err
}

// SetConfVar writes one persistent configuration variable on the device.
func (d *Device) SetConfVar(v ConfVar, value uint8) error {
	return d.SendVendorCommand(reqSetConfVar, uint16(value), uint16(v))
}

// SetLEDBrightness sets the device's LED brightness.
func (d *Device) SetLEDBrightness(value uint8) error {
	return d.SetConfVar(ConfVarBrightness, value)
}

// SetGracePeriod sets how long the device waits after a missed ping before
// acting.
func (d *Device) SetGracePeriod(seconds uint8) error {
	return d.SetConfVar(ConfVarGracePeriod, seconds)
}

// Pulse postpones the device's watchdog action for another timeoutSeconds.
// A zero timeout tells the device the host is going away on purpose.
func (d *Device) Pulse(timeoutSeconds uint16) error {
	return d.SendVendorCommand(reqPing, timeoutSeconds, 0)
}
