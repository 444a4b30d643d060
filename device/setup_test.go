package device

import (
	"errors"
	"testing"

	"github.com/ardnew/softtmc/pkg"
)

func TestParseSetupPacket(t *testing.T) {
	data := []byte{0xA1, 0x07, 0x34, 0x12, 0x02, 0x00, 0x03, 0x00}
	var s SetupPacket
	if err := ParseSetupPacket(data, &s); err != nil {
		t.Fatalf("ParseSetupPacket() error = %v", err)
	}
	want := SetupPacket{RequestType: 0xA1, Request: 0x07, Value: 0x1234, Index: 2, Length: 3}
	if s != want {
		t.Errorf("ParseSetupPacket() = %+v, want %+v", s, want)
	}
	if !s.IsDeviceToHost() || s.Type() != RequestTypeClass || s.Recipient() != RequestRecipientInterface {
		t.Errorf("accessors disagree with bmRequestType 0x%02X", s.RequestType)
	}
	if got := s.Bytes(); string(got[:]) != string(data) {
		t.Errorf("Bytes() = % X, want % X", got, data)
	}

	if err := ParseSetupPacket(data[:7], &s); !errors.Is(err, pkg.ErrSetupPacketTooShort) {
		t.Errorf("short packet: error = %v", err)
	}
}

func TestRequestBuilders(t *testing.T) {
	tests := []struct {
		name  string
		setup SetupPacket
		want  string
	}{
		{
			name:  "get descriptor",
			setup: GetDescriptorRequest(DescriptorTypeString, 2, 255),
			want:  "SETUP[IN Standard Device] Request=0x06 Value=0x0302 Index=0x0000 Length=255",
		},
		{
			name:  "set address",
			setup: SetAddressRequest(5),
			want:  "SETUP[OUT Standard Device] Request=0x05 Value=0x0005 Index=0x0000 Length=0",
		},
		{
			name:  "set configuration",
			setup: SetConfigurationRequest(1),
			want:  "SETUP[OUT Standard Device] Request=0x09 Value=0x0001 Index=0x0000 Length=0",
		},
		{
			name:  "class",
			setup: ClassRequest(RequestRecipientEndpoint, 0x01, 0x0002, 0x0081, 2),
			want:  "SETUP[IN Class Endpoint] Request=0x01 Value=0x0002 Index=0x0081 Length=2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.setup.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLinkStore(t *testing.T) {
	var l Link
	if l.Load() != LinkNotMounted {
		t.Errorf("zero Link = %v", l.Load())
	}
	if !l.store(LinkMounted) {
		t.Errorf("store(mounted) reported no change")
	}
	if l.store(LinkMounted) {
		t.Errorf("repeated store reported a change")
	}
	if l.Changes() != 1 {
		t.Errorf("Changes() = %d, want 1", l.Changes())
	}
	if got := LinkSuspended.String(); got != "suspended" {
		t.Errorf("String() = %q", got)
	}
}
