package device

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/ardnew/softtmc/device/hal"
	"github.com/ardnew/softtmc/pkg"
)

// USB Descriptor Types (USB 2.0 Spec Table 9-5).
const (
	DescriptorTypeDevice          = 0x01
	DescriptorTypeConfiguration   = 0x02
	DescriptorTypeString          = 0x03
	DescriptorTypeInterface       = 0x04
	DescriptorTypeEndpoint        = 0x05
	DescriptorTypeDeviceQualifier = 0x06
)

// Class codes used by the shipped descriptor sets.
const (
	ClassPerInterface = 0x00
	ClassAppSpecific  = 0xFE
)

// Endpoint transfer types (bmAttributes bits 1:0).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor represents a USB device descriptor (18 bytes).
type DeviceDescriptor struct {
	USBVersion        uint16 // USB specification version (BCD)
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16 // Device release number (BCD)
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor in bytes.
const DeviceDescriptorSize = 18

// MarshalTo serializes the device descriptor to buf and returns the bytes
// written, or 0 if buf is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor parses a device descriptor from data into out.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.USBVersion = binary.LittleEndian.Uint16(data[2:4])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:10])
	out.ProductID = binary.LittleEndian.Uint16(data[10:12])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return nil
}

// InterfaceDescriptor represents a USB interface descriptor (9 bytes).
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor in bytes.
const InterfaceDescriptorSize = 9

// MarshalTo serializes the interface descriptor to buf.
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	buf[0] = InterfaceDescriptorSize
	buf[1] = DescriptorTypeInterface
	buf[2] = i.InterfaceNumber
	buf[3] = i.AlternateSetting
	buf[4] = i.NumEndpoints
	buf[5] = i.InterfaceClass
	buf[6] = i.InterfaceSubClass
	buf[7] = i.InterfaceProtocol
	buf[8] = i.InterfaceIndex
	return InterfaceDescriptorSize
}

// EndpointDescriptor represents a USB endpoint descriptor (7 bytes).
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the size of an endpoint descriptor in bytes.
const EndpointDescriptorSize = 7

// MarshalTo serializes the endpoint descriptor to buf.
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.EndpointAddress
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// ConfigurationDescriptorSize is the size of a configuration descriptor
// header in bytes.
const ConfigurationDescriptorSize = 9

// Configuration is a complete configuration descriptor set and the endpoints
// it opens.
type Configuration struct {
	Value     uint8
	Bytes     []byte
	Endpoints []hal.EndpointConfig
}

// ConfigurationBuilder assembles a configuration descriptor set.
type ConfigurationBuilder struct {
	value      uint8
	attributes uint8
	maxPower   uint8
	interfaces uint8
	body       []byte
	endpoints  []hal.EndpointConfig
}

// NewConfiguration starts a configuration. maxPower is in milliamps.
func NewConfiguration(value, attributes uint8, maxPower int) *ConfigurationBuilder {
	return &ConfigurationBuilder{
		value:      value,
		attributes: attributes | ConfigAttrBusPowered,
		maxPower:   uint8(maxPower / 2),
	}
}

// Interface appends an interface descriptor.
func (b *ConfigurationBuilder) Interface(d InterfaceDescriptor) *ConfigurationBuilder {
	var buf [InterfaceDescriptorSize]byte
	d.MarshalTo(buf[:])
	b.body = append(b.body, buf[:]...)
	if d.AlternateSetting == 0 {
		b.interfaces++
	}
	return b
}

// Endpoint appends an endpoint descriptor and records it for opening.
func (b *ConfigurationBuilder) Endpoint(d EndpointDescriptor) *ConfigurationBuilder {
	var buf [EndpointDescriptorSize]byte
	d.MarshalTo(buf[:])
	b.body = append(b.body, buf[:]...)
	b.endpoints = append(b.endpoints, hal.EndpointConfig{
		Address:       d.EndpointAddress,
		Attributes:    d.Attributes,
		MaxPacketSize: d.MaxPacketSize,
		Interval:      d.Interval,
	})
	return b
}

// Build returns the configuration with its header and total length filled in.
func (b *ConfigurationBuilder) Build() Configuration {
	total := ConfigurationDescriptorSize + len(b.body)
	out := make([]byte, total)
	out[0] = ConfigurationDescriptorSize
	out[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(out[2:4], uint16(total))
	out[4] = b.interfaces
	out[5] = b.value
	out[6] = 0
	out[7] = b.attributes
	out[8] = b.maxPower
	copy(out[ConfigurationDescriptorSize:], b.body)
	return Configuration{
		Value:     b.value,
		Bytes:     out,
		Endpoints: append([]hal.EndpointConfig(nil), b.endpoints...),
	}
}

// StringDescriptorTo writes s as a UTF-16LE string descriptor to buf and
// returns the bytes written, or 0 if buf is too small.
func StringDescriptorTo(buf []byte, s string) int {
	units := utf16.Encode([]rune(s))
	if limit := (255 - 2) / 2; len(units) > limit {
		units = units[:limit]
	}
	length := 2 + len(units)*2
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2+i*2:], u)
	}
	return length
}

// LanguageDescriptorTo writes the string descriptor zero listing langIDs.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	length := 2 + len(langIDs)*2
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return length
}

// ParseStringDescriptor decodes a UTF-16LE string descriptor.
func ParseStringDescriptor(data []byte) (string, error) {
	if len(data) < 2 || int(data[0]) > len(data) {
		return "", pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeString {
		return "", pkg.ErrDescriptorTypeMismatch
	}
	n := (int(data[0]) - 2) / 2
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(data[2+i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// Descriptors is the descriptor set a device presents during enumeration.
// Strings[0] is string index 1.
type Descriptors struct {
	Device        DeviceDescriptor
	Configuration Configuration
	Strings       []string
}
