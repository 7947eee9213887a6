// Package usb provides utilities for locating and talking to USB devices
// over their default control endpoint.
package usb

import (
	"fmt"

	"github.com/pkg/errors"
)

// Bits of the bmRequestType field of a control transfer.
const (
	DirOut = 0x00
	DirIn  = 0x80

	TypeClass  = 0x20
	TypeVendor = 0x40

	RecipientDevice = 0x00
)

// RequestType assembles a bmRequestType field from its direction, type and
// recipient bits.
func RequestType(dir, typ, recipient uint8) uint8 {
	return dir | typ | recipient
}

// ErrNoDevice is returned by Open when no attached device satisfies the
// search filter. It represents absence, not failure; callers are expected to
// check for it and retry discovery later.
var ErrNoDevice = errors.New("no matching USB device found")

// Identifier identifies a specific USB device by the vendor
// who produced it and the product that it is. These should
// be unique across products.
type Identifier struct {
	Vendor  uint16
	Product uint16
}

func (id Identifier) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Product)
}

// Description describes a specific opened USB device.
type Description struct {
	ID           Identifier
	Manufacturer string
	Product      string
	Serial       string
}

func (d Description) String() string {
	s := fmt.Sprintf("%s %s %s", d.ID, d.Manufacturer, d.Product)
	if d.Serial != "" {
		s += " (serial " + d.Serial + ")"
	}
	return s
}

// SearchFilter describes a specific USB device to look for. A device matches
// only when all four criteria match.
type SearchFilter struct {
	ID           Identifier
	Manufacturer string
	Product      string
}

// Matches reports whether a device with the given identity satisfies the
// filter.
func (f SearchFilter) Matches(d Description) bool {
	return f.ID == d.ID &&
		f.Manufacturer == d.Manufacturer &&
		f.Product == d.Product
}

// Conn is an open control-endpoint connection to a single USB device.
type Conn interface {
	// Control issues one control transfer. data is the outbound payload for
	// host-to-device requests and the receive buffer for device-to-host
	// requests; the returned count is the number of bytes transferred.
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)

	// Description returns the identity of the connected device.
	Description() Description

	Close() error
}
