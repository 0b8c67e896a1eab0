package packet

import (
	"encoding/binary"
	"fmt"
)

// VendorMikrotik is the MikroTik enterprise number.
const VendorMikrotik = 14988

// MikroTik vendor sub-attribute types
const (
	MikrotikRecvLimit          = 1
	MikrotikXmitLimit          = 2
	MikrotikGroup              = 3
	MikrotikRateLimit          = 8
	MikrotikRecvLimitGigawords = 14
	MikrotikXmitLimitGigawords = 15
	MikrotikTotalLimit         = 17
	MikrotikTotalLimitGigaword = 18
	MikrotikWirelessVLANID     = 26
)

// VendorAttribute is a single sub-attribute carried inside a type-26
// Vendor-Specific attribute.
type VendorAttribute struct {
	VendorID uint32
	Type     uint8
	Value    []byte
}

// DecodeVSA parses the value of a Vendor-Specific attribute into its vendor
// ID and sub-attributes. Top-level decoding leaves VSAs opaque; consumers
// that care about vendor structure call this lazily.
func DecodeVSA(value []byte) ([]VendorAttribute, error) {
	if len(value) < 4 {
		return nil, fmt.Errorf("%w: vendor-specific value %d bytes", ErrMalformedPacket, len(value))
	}
	vendorID := binary.BigEndian.Uint32(value[:4])

	var subs []VendorAttribute
	offset := 4
	for offset < len(value) {
		if offset+2 > len(value) {
			return nil, fmt.Errorf("%w: truncated vendor sub-attribute", ErrMalformedPacket)
		}
		subLen := int(value[offset+1])
		if subLen < 2 || offset+subLen > len(value) {
			return nil, fmt.Errorf("%w: vendor sub-attribute type %d length %d", ErrMalformedPacket, value[offset], subLen)
		}

		v := make([]byte, subLen-2)
		copy(v, value[offset+2:offset+subLen])
		subs = append(subs, VendorAttribute{VendorID: vendorID, Type: value[offset], Value: v})

		offset += subLen
	}

	return subs, nil
}

// EncodeVSA builds the value of a type-26 attribute carrying a single
// vendor sub-attribute.
func EncodeVSA(vendorID uint32, subType uint8, value []byte) []byte {
	b := make([]byte, 4+2+len(value))
	binary.BigEndian.PutUint32(b[:4], vendorID)
	b[4] = subType
	b[5] = uint8(2 + len(value))
	copy(b[6:], value)
	return b
}

// AddVendor appends a Vendor-Specific attribute with one sub-attribute.
func (p *Packet) AddVendor(vendorID uint32, subType uint8, value []byte) {
	p.Attributes = append(p.Attributes, Attribute{
		Type:  AttrVendorSpecific,
		Value: EncodeVSA(vendorID, subType, value),
	})
}

// AddVendorString appends a text vendor sub-attribute.
func (p *Packet) AddVendorString(vendorID uint32, subType uint8, value string) {
	p.AddVendor(vendorID, subType, []byte(value))
}

// AddVendorUint32 appends a 4-byte big-endian integer vendor sub-attribute.
func (p *Packet) AddVendorUint32(vendorID uint32, subType uint8, value uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, value)
	p.AddVendor(vendorID, subType, v)
}

// VendorLookup returns the first sub-attribute of the given vendor and type
// across all Vendor-Specific attributes in the packet. Malformed VSAs are
// skipped rather than failing the lookup; they were already accepted
// opaquely at decode time.
func (p *Packet) VendorLookup(vendorID uint32, subType uint8) ([]byte, bool) {
	for _, attr := range p.Attributes {
		if attr.Type != AttrVendorSpecific {
			continue
		}
		subs, err := DecodeVSA(attr.Value)
		if err != nil {
			continue
		}
		for _, sub := range subs {
			if sub.VendorID == vendorID && sub.Type == subType {
				return sub.Value, true
			}
		}
	}
	return nil, false
}
