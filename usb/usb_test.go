package usb

import (
	"testing"

	"go.viam.com/test"
)

func TestRequestType(t *testing.T) {
	test.That(t, RequestType(DirOut, TypeVendor, RecipientDevice), test.ShouldEqual, 0x40)
	test.That(t, RequestType(DirOut, TypeClass, RecipientDevice), test.ShouldEqual, 0x20)
	test.That(t, RequestType(DirIn, TypeClass, RecipientDevice), test.ShouldEqual, 0xa0)
}

func TestSearchFilterMatches(t *testing.T) {
	filter := SearchFilter{
		ID:           Identifier{Vendor: 0x16c0, Product: 0x05df},
		Manufacturer: "xmarkos.eu",
		Product:      "Watchdog",
	}
	desc := Description{
		ID:           Identifier{Vendor: 0x16c0, Product: 0x05df},
		Manufacturer: "xmarkos.eu",
		Product:      "Watchdog",
		Serial:       "1234",
	}

	test.That(t, filter.Matches(desc), test.ShouldBeTrue)

	other := desc
	other.Product = "Watchdog v2"
	test.That(t, filter.Matches(other), test.ShouldBeFalse)

	other = desc
	other.Manufacturer = "someone else"
	test.That(t, filter.Matches(other), test.ShouldBeFalse)

	other = desc
	other.ID.Product = 0x05e0
	test.That(t, filter.Matches(other), test.ShouldBeFalse)
}

func TestDescriptionString(t *testing.T) {
	desc := Description{
		ID:           Identifier{Vendor: 0x16c0, Product: 0x05df},
		Manufacturer: "xmarkos.eu",
		Product:      "Watchdog",
	}
	test.That(t, desc.String(), test.ShouldEqual, "16c0:05df xmarkos.eu Watchdog")

	desc.Serial = "abc"
	test.That(t, desc.String(), test.ShouldEqual, "16c0:05df xmarkos.eu Watchdog (serial abc)")
}
