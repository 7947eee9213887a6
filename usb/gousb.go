package usb

import (
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// Open scans the currently attached USB devices for one matching the filter
// and opens it. When several devices match, the first full match wins and
// the rest are released. Absence of a match is reported as ErrNoDevice.
//
// controlTimeout bounds every control transfer issued on the returned Conn;
// an expired transfer fails rather than blocking forever on a wedged device.
func Open(filter SearchFilter, controlTimeout time.Duration) (Conn, error) {
	ctx := gousb.NewContext()
	conn, err := openWithContext(ctx, filter, controlTimeout)
	if err != nil {
		return nil, multierr.Combine(err, ctx.Close())
	}
	return conn, nil
}

func openWithContext(ctx *gousb.Context, filter SearchFilter, controlTimeout time.Duration) (Conn, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == filter.ID.Vendor &&
			uint16(desc.Product) == filter.ID.Product
	})

	var match *gousb.Device
	var matchDesc Description
	for _, dev := range devs {
		if match != nil {
			goutils.UncheckedError(dev.Close())
			continue
		}
		desc, descErr := describe(dev)
		if descErr != nil || !filter.Matches(desc) {
			goutils.UncheckedError(dev.Close())
			continue
		}
		match = dev
		matchDesc = desc
	}
	if match == nil {
		// OpenDevices can fail on some devices while still returning others;
		// the error only matters when it left us with nothing.
		if err != nil {
			return nil, errors.Wrap(err, "scanning USB devices")
		}
		return nil, ErrNoDevice
	}

	if err := match.SetAutoDetach(true); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "detaching kernel driver"), match.Close())
	}
	match.ControlTimeout = controlTimeout

	return &gousbConn{ctx: ctx, dev: match, desc: matchDesc}, nil
}

func describe(dev *gousb.Device) (Description, error) {
	manufacturer, err := dev.Manufacturer()
	if err != nil {
		return Description{}, errors.Wrap(err, "reading manufacturer string")
	}
	product, err := dev.Product()
	if err != nil {
		return Description{}, errors.Wrap(err, "reading product string")
	}
	// Not every device carries a serial number descriptor.
	serial, err := dev.SerialNumber()
	if err != nil {
		serial = ""
	}
	return Description{
		ID: Identifier{
			Vendor:  uint16(dev.Desc.Vendor),
			Product: uint16(dev.Desc.Product),
		},
		Manufacturer: manufacturer,
		Product:      product,
		Serial:       serial,
	}, nil
}

type gousbConn struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	desc Description
}

func (c *gousbConn) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return c.dev.Control(rType, request, val, idx, data)
}

func (c *gousbConn) Description() Description {
	return c.desc
}

func (c *gousbConn) Close() error {
	return multierr.Combine(c.dev.Close(), c.ctx.Close())
}
