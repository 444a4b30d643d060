package usbtmc

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softtmc/pkg"
)

// HeaderSize is the size of a bulk message header in bytes.
const HeaderSize = 12

// Header is the 12-byte header that starts every bulk message
// (USBTMC 1.0 Table 1).
//
// TransferSize counts payload bytes, excluding the header and the alignment
// padding. TermChar is only meaningful in REQUEST_DEV_DEP_MSG_IN.
type Header struct {
	MsgID        uint8
	Tag          uint8
	TransferSize uint32
	Attributes   uint8
	TermChar     uint8
}

// EOM reports whether the message ends with this transfer.
func (h *Header) EOM() bool { return h.Attributes&AttrEOM != 0 }

// TermCharEnabled reports whether a REQUEST_DEV_DEP_MSG_IN asks the device
// to stop at TermChar.
func (h *Header) TermCharEnabled() bool { return h.Attributes&AttrTermCharEnable != 0 }

// ParseHeader parses a bulk message header from data into out. The tag must
// be non-zero and match its inverse.
func ParseHeader(data []byte, out *Header) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%d bytes: %w", len(data), pkg.ErrHeaderTooShort)
	}
	if data[1] == 0 || data[1] != ^data[2] {
		return fmt.Errorf("tag 0x%02X/0x%02X: %w", data[1], data[2], pkg.ErrHeaderTag)
	}
	out.MsgID = data[0]
	out.Tag = data[1]
	out.TransferSize = binary.LittleEndian.Uint32(data[4:8])
	out.Attributes = data[8]
	out.TermChar = data[9]
	return nil
}

// MarshalTo serializes the header to buf and returns the bytes written, or 0
// if buf is too small.
func (h *Header) MarshalTo(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	buf[0] = h.MsgID
	buf[1] = h.Tag
	buf[2] = ^h.Tag
	buf[3] = 0
	binary.LittleEndian.PutUint32(buf[4:8], h.TransferSize)
	buf[8] = h.Attributes
	buf[9] = h.TermChar
	buf[10] = 0
	buf[11] = 0
	return HeaderSize
}

// Padded returns n rounded up to the 4-byte alignment of bulk messages.
func Padded(n int) int { return (n + 3) &^ 3 }

// AppendMessage appends a complete bulk message, header and payload and
// alignment padding, to dst.
func AppendMessage(dst []byte, h Header, payload []byte) []byte {
	h.TransferSize = uint32(len(payload))
	var hdr [HeaderSize]byte
	h.MarshalTo(hdr[:])
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	for pad := Padded(len(payload)) - len(payload); pad > 0; pad-- {
		dst = append(dst, 0)
	}
	return dst
}

// DevDepMsgOut returns a DEV_DEP_MSG_OUT message carrying payload.
func DevDepMsgOut(tag uint8, payload []byte, eom bool) []byte {
	h := Header{MsgID: MsgDevDepOut, Tag: tag}
	if eom {
		h.Attributes = AttrEOM
	}
	return AppendMessage(nil, h, payload)
}

// RequestDevDepMsgIn returns a REQUEST_DEV_DEP_MSG_IN message asking for up
// to maxSize bytes. A termChar of -1 disables the TermChar stop.
func RequestDevDepMsgIn(tag uint8, maxSize uint32, termChar int) []byte {
	h := Header{MsgID: MsgRequestDevDepIn, Tag: tag, TransferSize: maxSize}
	if termChar >= 0 {
		h.Attributes = AttrTermCharEnable
		h.TermChar = uint8(termChar)
	}
	buf := make([]byte, HeaderSize)
	h.MarshalTo(buf)
	return buf
}

// Trigger returns a USB488 TRIGGER message.
func Trigger(tag uint8) []byte {
	h := Header{MsgID: MsgTrigger, Tag: tag}
	buf := make([]byte, HeaderSize)
	h.MarshalTo(buf)
	return buf
}
