package usbtmc

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ardnew/softtmc/device"
)

// DeviceInfo identifies the instrument on the bus.
type DeviceInfo struct {
	VendorID     uint16
	ProductID    uint16
	Release      uint16 // BCD
	Manufacturer string
	Product      string
	Serial       string
}

// DefaultDeviceInfo returns the identity of the reference instrument with a
// fresh serial number.
func DefaultDeviceInfo() DeviceInfo {
	return DeviceInfo{
		VendorID:     0xCAFE,
		ProductID:    0x4000,
		Release:      0x0100,
		Manufacturer: "softtmc",
		Product:      "USBTMC Instrument",
		Serial:       NewSerial(),
	}
}

// NewSerial returns a random serial number string.
func NewSerial() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// Descriptors returns the descriptor set of a single-interface USB488
// device with one bulk OUT and one bulk IN endpoint.
func Descriptors(info DeviceInfo) device.Descriptors {
	cfg := device.NewConfiguration(1, 0, 100).
		Interface(device.InterfaceDescriptor{
			NumEndpoints:      2,
			InterfaceClass:    InterfaceClass,
			InterfaceSubClass: InterfaceSubClass,
			InterfaceProtocol: ProtocolUSB488,
		}).
		Endpoint(device.EndpointDescriptor{
			EndpointAddress: EndpointOut,
			Attributes:      device.EndpointTypeBulk,
			MaxPacketSize:   MaxPacketSize,
		}).
		Endpoint(device.EndpointDescriptor{
			EndpointAddress: EndpointIn,
			Attributes:      device.EndpointTypeBulk,
			MaxPacketSize:   MaxPacketSize,
		}).
		Build()

	return device.Descriptors{
		Device: device.DeviceDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    64,
			VendorID:          info.VendorID,
			ProductID:         info.ProductID,
			DeviceVersion:     info.Release,
			ManufacturerIndex: 1,
			ProductIndex:      2,
			SerialNumberIndex: 3,
			NumConfigurations: 1,
		},
		Configuration: cfg,
		Strings:       []string{info.Manufacturer, info.Product, info.Serial},
	}
}
