// Package packet implements the RADIUS wire format (RFC 2865/2866):
// header parsing, the attribute TLV stream, and vendor-specific
// sub-attributes. The codec never computes authenticators; callers place a
// placeholder and overwrite it once the crypto layer has produced the real
// value.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Code is the RADIUS packet code.
type Code uint8

// Packet codes (RFC 2865, RFC 2866, RFC 5176)
const (
	CodeAccessRequest      Code = 1
	CodeAccessAccept       Code = 2
	CodeAccessReject       Code = 3
	CodeAccountingRequest  Code = 4
	CodeAccountingResponse Code = 5
	CodeAccessChallenge    Code = 11
	CodeDisconnectRequest  Code = 40
	CodeDisconnectACK      Code = 41
	CodeDisconnectNAK      Code = 42
	CodeCoARequest         Code = 43
	CodeCoAACK             Code = 44
	CodeCoANAK             Code = 45
)

// String returns the RFC name of the code.
func (c Code) String() string {
	switch c {
	case CodeAccessRequest:
		return "Access-Request"
	case CodeAccessAccept:
		return "Access-Accept"
	case CodeAccessReject:
		return "Access-Reject"
	case CodeAccountingRequest:
		return "Accounting-Request"
	case CodeAccountingResponse:
		return "Accounting-Response"
	case CodeAccessChallenge:
		return "Access-Challenge"
	case CodeDisconnectRequest:
		return "Disconnect-Request"
	case CodeDisconnectACK:
		return "Disconnect-ACK"
	case CodeDisconnectNAK:
		return "Disconnect-NAK"
	case CodeCoARequest:
		return "CoA-Request"
	case CodeCoAACK:
		return "CoA-ACK"
	case CodeCoANAK:
		return "CoA-NAK"
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

// Standard attribute types (RFC 2865, RFC 2866, RFC 2869)
const (
	AttrUserName             = 1
	AttrUserPassword         = 2
	AttrCHAPPassword         = 3
	AttrNASIPAddress         = 4
	AttrNASPort              = 5
	AttrServiceType          = 6
	AttrFramedProtocol       = 7
	AttrFramedIPAddress      = 8
	AttrFilterID             = 11
	AttrFramedRoute          = 22
	AttrReplyMessage         = 18
	AttrClass                = 25
	AttrVendorSpecific       = 26
	AttrSessionTimeout       = 27
	AttrIdleTimeout          = 28
	AttrCalledStationID      = 30
	AttrCallingStationID     = 31
	AttrNASIdentifier        = 32
	AttrAcctStatusType       = 40
	AttrAcctDelayTime        = 41
	AttrAcctInputOctets      = 42
	AttrAcctOutputOctets     = 43
	AttrAcctSessionID        = 44
	AttrAcctAuthentic        = 45
	AttrAcctSessionTime      = 46
	AttrAcctInputPackets     = 47
	AttrAcctOutputPackets    = 48
	AttrAcctTerminateCause   = 49
	AttrAcctInputGigawords   = 52
	AttrAcctOutputGigawords  = 53
	AttrEventTimestamp       = 55
	AttrCHAPChallenge        = 60
	AttrNASPortType          = 61
	AttrMessageAuthenticator = 80
	AttrAcctInterimInterval  = 85
	AttrErrorCause           = 101
)

// Service-Type and Framed-Protocol values used for subscriber sessions
const (
	ServiceTypeFramed    = 2
	FramedProtocolPPP    = 1
	AcctAuthenticRADIUS  = 1
	NASPortTypeEthernet  = 15
	NASPortTypeWireless  = 19
)

const (
	// HeaderLength is the fixed RADIUS header size.
	HeaderLength = 20

	// MaxLength is the maximum RADIUS packet size (RFC 2865 §3).
	MaxLength = 4096

	// MaxAttributeValue is the largest attribute value (255 - 2 TLV bytes).
	MaxAttributeValue = 253

	// AuthenticatorLength is the size of the authenticator field.
	AuthenticatorLength = 16
)

// ErrMalformedPacket reports structurally invalid packet bytes. Callers are
// expected to drop the packet silently, per RADIUS norms.
var ErrMalformedPacket = errors.New("malformed packet")

// Attribute is a single type/length/value element. Value interpretation
// depends on Type: text, 4-byte IPv4, 4-byte big-endian integer, or opaque.
type Attribute struct {
	Type  uint8
	Value []byte
}

// Packet is a decoded RADIUS packet. Attribute order from the wire is
// preserved; duplicate attribute types are legal and kept in order.
type Packet struct {
	Code          Code
	Identifier    uint8
	Authenticator [16]byte
	Attributes    []Attribute
}

// New returns an empty packet with the given code and identifier. The
// authenticator is left zeroed for the crypto layer to fill.
func New(code Code, identifier uint8) *Packet {
	return &Packet{Code: code, Identifier: identifier}
}

// Decode parses packet bytes. The length field is authoritative: trailing
// bytes beyond it are ignored (UDP padding), while bytes short of it, a
// truncated attribute, or a zero-length attribute make the whole packet
// malformed; no partial result is returned.
func Decode(b []byte) (*Packet, error) {
	if len(b) < HeaderLength {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(b), HeaderLength)
	}

	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < HeaderLength || length > MaxLength {
		return nil, fmt.Errorf("%w: declared length %d", ErrMalformedPacket, length)
	}
	if length > len(b) {
		return nil, fmt.Errorf("%w: declared length %d exceeds datagram size %d", ErrMalformedPacket, length, len(b))
	}

	p := &Packet{
		Code:       Code(b[0]),
		Identifier: b[1],
	}
	copy(p.Authenticator[:], b[4:20])

	offset := HeaderLength
	for offset < length {
		if offset+2 > length {
			return nil, fmt.Errorf("%w: truncated attribute header at offset %d", ErrMalformedPacket, offset)
		}
		attrLen := int(b[offset+1])
		if attrLen < 2 || offset+attrLen > length {
			return nil, fmt.Errorf("%w: attribute type %d length %d at offset %d", ErrMalformedPacket, b[offset], attrLen, offset)
		}

		value := make([]byte, attrLen-2)
		copy(value, b[offset+2:offset+attrLen])
		p.Attributes = append(p.Attributes, Attribute{Type: b[offset], Value: value})

		offset += attrLen
	}

	return p, nil
}

// Encode serializes the packet. The length field is recomputed from the
// current attribute set; the authenticator field is written as-is.
func (p *Packet) Encode() ([]byte, error) {
	length := HeaderLength
	for _, attr := range p.Attributes {
		if len(attr.Value) > MaxAttributeValue {
			return nil, fmt.Errorf("attribute type %d value too long: %d bytes", attr.Type, len(attr.Value))
		}
		length += 2 + len(attr.Value)
	}
	if length > MaxLength {
		return nil, fmt.Errorf("packet too long: %d bytes", length)
	}

	b := make([]byte, length)
	b[0] = uint8(p.Code)
	b[1] = p.Identifier
	binary.BigEndian.PutUint16(b[2:4], uint16(length))
	copy(b[4:20], p.Authenticator[:])

	offset := HeaderLength
	for _, attr := range p.Attributes {
		b[offset] = attr.Type
		b[offset+1] = uint8(2 + len(attr.Value))
		copy(b[offset+2:], attr.Value)
		offset += 2 + len(attr.Value)
	}

	return b, nil
}

// Lookup returns the value of the first attribute of the given type.
func (p *Packet) Lookup(attrType uint8) ([]byte, bool) {
	for _, attr := range p.Attributes {
		if attr.Type == attrType {
			return attr.Value, true
		}
	}
	return nil, false
}

// All returns every value of the given attribute type, in wire order.
func (p *Packet) All(attrType uint8) [][]byte {
	var values [][]byte
	for _, attr := range p.Attributes {
		if attr.Type == attrType {
			values = append(values, attr.Value)
		}
	}
	return values
}

// String returns the first attribute of the given type as text, or "".
func (p *Packet) String(attrType uint8) string {
	value, ok := p.Lookup(attrType)
	if !ok {
		return ""
	}
	return string(value)
}

// Uint32 returns the first attribute of the given type as a 4-byte
// big-endian integer.
func (p *Packet) Uint32(attrType uint8) (uint32, bool) {
	value, ok := p.Lookup(attrType)
	if !ok || len(value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(value), true
}

// IPv4 returns the first attribute of the given type as an IPv4 address,
// or nil.
func (p *Packet) IPv4(attrType uint8) net.IP {
	value, ok := p.Lookup(attrType)
	if !ok || len(value) != 4 {
		return nil
	}
	ip := make(net.IP, 4)
	copy(ip, value)
	return ip
}

// Add appends a raw attribute.
func (p *Packet) Add(attrType uint8, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	p.Attributes = append(p.Attributes, Attribute{Type: attrType, Value: v})
}

// AddString appends a text attribute.
func (p *Packet) AddString(attrType uint8, value string) {
	p.Add(attrType, []byte(value))
}

// AddUint32 appends a 4-byte big-endian integer attribute.
func (p *Packet) AddUint32(attrType uint8, value uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, value)
	p.Attributes = append(p.Attributes, Attribute{Type: attrType, Value: v})
}

// AddIPv4 appends a 4-byte address attribute. Non-IPv4 addresses are
// ignored.
func (p *Packet) AddIPv4(attrType uint8, ip net.IP) {
	ip4 := ip.To4()
	if ip4 == nil {
		return
	}
	p.Add(attrType, ip4)
}
