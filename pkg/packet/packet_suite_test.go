package packet_test

import (
	"encoding/binary"
	"net"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/aaa/pkg/packet"
)

func TestRADIUSCodec(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RADIUS Codec Suite")
}

// buildPacket assembles raw packet bytes from a header and attribute bytes.
func buildPacket(code, identifier uint8, attrs []byte) []byte {
	b := make([]byte, 20+len(attrs))
	b[0] = code
	b[1] = identifier
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	for i := 4; i < 20; i++ {
		b[i] = byte(i)
	}
	copy(b[20:], attrs)
	return b
}

var _ = Describe("RADIUS Packet", func() {

	Describe("Decode", func() {

		Context("when parsing a valid Access-Request", func() {
			It("should correctly parse header and attributes", func() {
				// Given a packet with User-Name "alice" and NAS-Port 5
				attrs := []byte{
					1, 7, 'a', 'l', 'i', 'c', 'e',
					5, 6, 0, 0, 0, 5,
				}
				data := buildPacket(1, 42, attrs)

				// When decoding
				p, err := packet.Decode(data)

				// Then it should succeed
				Expect(err).NotTo(HaveOccurred())
				Expect(p.Code).To(Equal(packet.CodeAccessRequest))
				Expect(p.Identifier).To(Equal(uint8(42)))
				Expect(p.Authenticator[0]).To(Equal(byte(4)))
				Expect(p.Attributes).To(HaveLen(2))
				Expect(p.String(packet.AttrUserName)).To(Equal("alice"))

				port, ok := p.Uint32(packet.AttrNASPort)
				Expect(ok).To(BeTrue())
				Expect(port).To(Equal(uint32(5)))
			})

			It("should ignore trailing bytes beyond the declared length", func() {
				attrs := []byte{1, 5, 'b', 'o', 'b'}
				data := buildPacket(1, 7, attrs)
				padded := append(data, 0xde, 0xad, 0xbe, 0xef)

				p, err := packet.Decode(padded)

				Expect(err).NotTo(HaveOccurred())
				Expect(p.Attributes).To(HaveLen(1))
				Expect(p.String(packet.AttrUserName)).To(Equal("bob"))
			})

			It("should preserve duplicate attributes in wire order", func() {
				attrs := []byte{
					25, 5, 'o', 'n', 'e',
					25, 5, 't', 'w', 'o',
				}
				data := buildPacket(1, 1, attrs)

				p, err := packet.Decode(data)

				Expect(err).NotTo(HaveOccurred())
				values := p.All(packet.AttrClass)
				Expect(values).To(HaveLen(2))
				Expect(string(values[0])).To(Equal("one"))
				Expect(string(values[1])).To(Equal("two"))
			})
		})

		Context("when parsing malformed packets", func() {
			It("should reject a datagram shorter than the header", func() {
				_, err := packet.Decode(make([]byte, 19))
				Expect(err).To(MatchError(packet.ErrMalformedPacket))
			})

			It("should reject a declared length larger than the datagram", func() {
				data := buildPacket(1, 1, nil)
				binary.BigEndian.PutUint16(data[2:4], 40)

				_, err := packet.Decode(data)
				Expect(err).To(MatchError(packet.ErrMalformedPacket))
			})

			It("should reject a declared length below the header size", func() {
				data := buildPacket(1, 1, nil)
				binary.BigEndian.PutUint16(data[2:4], 10)

				_, err := packet.Decode(data)
				Expect(err).To(MatchError(packet.ErrMalformedPacket))
			})

			It("should reject a truncated attribute", func() {
				// Attribute claims 10 bytes but only 4 remain
				attrs := []byte{1, 10, 'x', 'y'}
				data := buildPacket(1, 1, attrs)

				_, err := packet.Decode(data)
				Expect(err).To(MatchError(packet.ErrMalformedPacket))
			})

			It("should reject a zero-length attribute", func() {
				attrs := []byte{1, 0, 5, 6, 0, 0, 0, 1}
				data := buildPacket(1, 1, attrs)

				_, err := packet.Decode(data)
				Expect(err).To(MatchError(packet.ErrMalformedPacket))
			})
		})

		DescribeTable("code names",
			func(code packet.Code, name string) {
				Expect(code.String()).To(Equal(name))
			},
			Entry("Access-Request", packet.CodeAccessRequest, "Access-Request"),
			Entry("Access-Accept", packet.CodeAccessAccept, "Access-Accept"),
			Entry("Access-Reject", packet.CodeAccessReject, "Access-Reject"),
			Entry("Accounting-Request", packet.CodeAccountingRequest, "Accounting-Request"),
			Entry("Accounting-Response", packet.CodeAccountingResponse, "Accounting-Response"),
			Entry("Disconnect-Request", packet.CodeDisconnectRequest, "Disconnect-Request"),
			Entry("Disconnect-ACK", packet.CodeDisconnectACK, "Disconnect-ACK"),
			Entry("Disconnect-NAK", packet.CodeDisconnectNAK, "Disconnect-NAK"),
			Entry("unknown", packet.Code(99), "Code(99)"),
		)
	})

	Describe("Encode", func() {

		Context("when serializing a packet", func() {
			It("should produce bytes that decode back identically", func() {
				p := packet.New(packet.CodeAccessAccept, 9)
				copy(p.Authenticator[:], []byte("0123456789abcdef"))
				p.AddString(packet.AttrUserName, "carol")
				p.AddUint32(packet.AttrSessionTimeout, 86400)
				p.AddIPv4(packet.AttrFramedIPAddress, net.IPv4(10, 0, 0, 7))

				data, err := p.Encode()
				Expect(err).NotTo(HaveOccurred())
				Expect(binary.BigEndian.Uint16(data[2:4])).To(Equal(uint16(len(data))))

				decoded, err := packet.Decode(data)
				Expect(err).NotTo(HaveOccurred())
				Expect(decoded.Code).To(Equal(packet.CodeAccessAccept))
				Expect(decoded.String(packet.AttrUserName)).To(Equal("carol"))

				timeout, ok := decoded.Uint32(packet.AttrSessionTimeout)
				Expect(ok).To(BeTrue())
				Expect(timeout).To(Equal(uint32(86400)))
				Expect(decoded.IPv4(packet.AttrFramedIPAddress).String()).To(Equal("10.0.0.7"))
			})

			It("should reject an attribute value over 253 bytes", func() {
				p := packet.New(packet.CodeAccessAccept, 1)
				p.Add(packet.AttrReplyMessage, make([]byte, 254))

				_, err := p.Encode()
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Vendor-Specific attributes", func() {

		Context("when round-tripping a MikroTik rate limit", func() {
			It("should encode and look up the sub-attribute", func() {
				p := packet.New(packet.CodeAccessAccept, 3)
				p.AddVendorString(packet.VendorMikrotik, packet.MikrotikRateLimit, "10M/20M")
				p.AddVendorUint32(packet.VendorMikrotik, packet.MikrotikTotalLimit, 1<<30)

				rate, ok := p.VendorLookup(packet.VendorMikrotik, packet.MikrotikRateLimit)
				Expect(ok).To(BeTrue())
				Expect(string(rate)).To(Equal("10M/20M"))

				limit, ok := p.VendorLookup(packet.VendorMikrotik, packet.MikrotikTotalLimit)
				Expect(ok).To(BeTrue())
				Expect(binary.BigEndian.Uint32(limit)).To(Equal(uint32(1 << 30)))
			})
		})

		Context("when a VSA carries multiple sub-attributes", func() {
			It("should decode all of them", func() {
				value := []byte{
					0, 0, 58, 140, // vendor 14988
					8, 8, '5', 'M', '/', '1', '0', 'M',
					17, 6, 0, 0, 0, 1,
				}

				subs, err := packet.DecodeVSA(value)
				Expect(err).NotTo(HaveOccurred())
				Expect(subs).To(HaveLen(2))
				Expect(subs[0].VendorID).To(Equal(uint32(packet.VendorMikrotik)))
				Expect(subs[0].Type).To(Equal(uint8(packet.MikrotikRateLimit)))
				Expect(string(subs[0].Value)).To(Equal("5M/10M"))
				Expect(subs[1].Type).To(Equal(uint8(packet.MikrotikTotalLimit)))
			})
		})

		Context("when a VSA is malformed", func() {
			It("should fail to decode a short vendor header", func() {
				_, err := packet.DecodeVSA([]byte{0, 0})
				Expect(err).To(MatchError(packet.ErrMalformedPacket))
			})

			It("should fail to decode a truncated sub-attribute", func() {
				value := []byte{0, 0, 58, 140, 8, 10, 'x'}
				_, err := packet.DecodeVSA(value)
				Expect(err).To(MatchError(packet.ErrMalformedPacket))
			})

			It("should skip malformed VSAs during lookup", func() {
				p := packet.New(packet.CodeAccessAccept, 1)
				p.Add(packet.AttrVendorSpecific, []byte{0, 0}) // too short
				p.AddVendorString(packet.VendorMikrotik, packet.MikrotikRateLimit, "1M/2M")

				rate, ok := p.VendorLookup(packet.VendorMikrotik, packet.MikrotikRateLimit)
				Expect(ok).To(BeTrue())
				Expect(string(rate)).To(Equal("1M/2M"))
			})
		})
	})
})
