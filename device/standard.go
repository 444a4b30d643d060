package device

import (
	"encoding/binary"

	"github.com/ardnew/softtmc/pkg"
)

// standard answers a chapter 9 request. The returned slice aliases the
// stack's response buffer.
func (s *Stack) standard(setup *SetupPacket) ([]byte, error) {
	switch setup.Recipient() {
	case RequestRecipientDevice:
		return s.deviceRequest(setup)
	case RequestRecipientInterface:
		return s.interfaceRequest(setup)
	case RequestRecipientEndpoint:
		return s.endpointRequest(setup)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (s *Stack) deviceRequest(setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		var status uint16
		if cfg := s.desc.Configuration.Bytes; len(cfg) > 7 && cfg[7]&ConfigAttrSelfPowered != 0 {
			status |= 1 << 0
		}
		if s.remoteWakeup {
			status |= 1 << 1
		}
		binary.LittleEndian.PutUint16(s.response[:2], status)
		return s.response[:2], nil

	case RequestClearFeature, RequestSetFeature:
		if setup.Value != FeatureDeviceRemoteWakeup {
			return nil, pkg.ErrNotSupported
		}
		s.remoteWakeup = setup.Request == RequestSetFeature
		return nil, nil

	case RequestSetAddress:
		if setup.Value > 127 || s.state == StateConfigured {
			return nil, pkg.ErrInvalidRequest
		}
		s.address = uint8(setup.Value)
		if s.address != 0 {
			s.state = StateAddress
		} else {
			s.state = StateDefault
		}
		return nil, nil

	case RequestGetDescriptor:
		return s.descriptor(setup)

	case RequestGetConfiguration:
		s.response[0] = s.config
		return s.response[:1], nil

	case RequestSetConfiguration:
		return nil, s.setConfiguration(uint8(setup.Value))

	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (s *Stack) descriptor(setup *SetupPacket) ([]byte, error) {
	var n int
	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		n = s.desc.Device.MarshalTo(s.response[:])

	case DescriptorTypeConfiguration:
		if setup.DescriptorIndex() != 0 || s.desc.Configuration.Bytes == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = copy(s.response[:], s.desc.Configuration.Bytes)

	case DescriptorTypeString:
		idx := int(setup.DescriptorIndex())
		switch {
		case idx == 0:
			n = LanguageDescriptorTo(s.response[:], LangIDUSEnglish)
		case idx <= len(s.desc.Strings) && idx <= MaxStrings:
			n = StringDescriptorTo(s.response[:], s.desc.Strings[idx-1])
		default:
			return nil, pkg.ErrInvalidRequest
		}

	default:
		// Full-speed only: no device qualifier.
		return nil, pkg.ErrNotSupported
	}

	if n == 0 {
		return nil, pkg.ErrBufferTooSmall
	}
	return s.response[:n], nil
}

func (s *Stack) setConfiguration(value uint8) error {
	switch {
	case s.state != StateAddress && s.state != StateConfigured:
		return pkg.ErrInvalidState
	case value != 0 && value != s.desc.Configuration.Value:
		return pkg.ErrInvalidRequest
	case value == s.config:
		return nil
	}

	if s.config != 0 {
		s.class.Reset()
		clear(s.halted)
	}
	if value == 0 {
		s.config = 0
		s.state = StateAddress
		if err := s.ctrl.ConfigureEndpoints(nil); err != nil {
			return err
		}
		s.publish(LinkNotMounted)
		return nil
	}

	if err := s.ctrl.ConfigureEndpoints(s.desc.Configuration.Endpoints); err != nil {
		return err
	}
	s.config = value
	s.state = StateConfigured
	if err := s.class.Open(s); err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "class open failed", "error", err)
		s.class.Reset()
		s.config = 0
		s.state = StateAddress
		return err
	}
	s.publish(LinkMounted)
	return nil
}

func (s *Stack) interfaceRequest(setup *SetupPacket) ([]byte, error) {
	if s.config == 0 {
		return nil, pkg.ErrNotConfigured
	}
	switch setup.Request {
	case RequestGetStatus:
		s.response[0], s.response[1] = 0, 0
		return s.response[:2], nil
	case RequestGetInterface:
		s.response[0] = 0
		return s.response[:1], nil
	case RequestSetInterface:
		if setup.Value != 0 {
			return nil, pkg.ErrNotSupported
		}
		return nil, nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (s *Stack) endpointRequest(setup *SetupPacket) ([]byte, error) {
	ep := setup.IndexLow()
	if ep&0x0F != 0 && !s.hasEndpoint(ep) {
		return nil, pkg.ErrInvalidEndpoint
	}
	switch setup.Request {
	case RequestGetStatus:
		var status uint16
		if s.halted[ep] {
			status = 1
		}
		binary.LittleEndian.PutUint16(s.response[:2], status)
		return s.response[:2], nil

	case RequestClearFeature:
		if setup.Value != FeatureEndpointHalt {
			return nil, pkg.ErrInvalidRequest
		}
		if ep&0x0F == 0 {
			return nil, nil
		}
		if err := s.ClearStall(ep); err != nil {
			return nil, err
		}
		if h, ok := s.class.(HaltClearer); ok {
			h.HaltCleared(s, ep)
		}
		return nil, nil

	case RequestSetFeature:
		if setup.Value != FeatureEndpointHalt || ep&0x0F == 0 {
			return nil, pkg.ErrInvalidRequest
		}
		return nil, s.Stall(ep)

	default:
		return nil, pkg.ErrInvalidRequest
	}
}
