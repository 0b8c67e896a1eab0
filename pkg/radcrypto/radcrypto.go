// Package radcrypto implements the RADIUS keyed-hash authenticator schemes:
// response authenticators, Accounting-Request verification, the PAP
// User-Password cipher, CHAP verification, and the RFC 2869
// Message-Authenticator HMAC. Every comparison here is a security boundary;
// a mismatch anywhere is a hard reject.
package radcrypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/codelaboratoryltd/aaa/pkg/packet"
)

// ErrAuthenticatorMismatch reports a failed integrity or secret check.
// Callers drop the packet and never reveal to the network which check
// failed.
var ErrAuthenticatorMismatch = errors.New("authenticator mismatch")

// maxPasswordLength caps the User-Password plaintext on encrypt. RFC 2865
// allows 128 octets; the cipher itself is sound up to 247, and decrypt
// accepts any block-aligned input, so the wider bound keeps both directions
// symmetric.
const maxPasswordLength = 247

// trimPadding returns the packet bytes up to the declared length field.
// Datagrams may carry trailing UDP padding (RFC 2865 §3); the codec ignores
// it, so the keyed hashes must not cover it either.
func trimPadding(encoded []byte) ([]byte, error) {
	if len(encoded) < packet.HeaderLength {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", packet.ErrMalformedPacket, len(encoded), packet.HeaderLength)
	}
	length := int(binary.BigEndian.Uint16(encoded[2:4]))
	if length < packet.HeaderLength || length > len(encoded) {
		return nil, fmt.Errorf("%w: declared length %d", packet.ErrMalformedPacket, length)
	}
	return encoded[:length], nil
}

// ResponseAuthenticator computes the authenticator for a response packet:
// MD5(code + identifier + length + request authenticator + attributes +
// secret). The encoded bytes must carry the final attribute set and length.
func ResponseAuthenticator(encoded []byte, requestAuth [16]byte, secret []byte) [16]byte {
	h := md5.New()
	h.Write(encoded[:4])
	h.Write(requestAuth[:])
	h.Write(encoded[20:])
	h.Write(secret)

	var auth [16]byte
	copy(auth[:], h.Sum(nil))
	return auth
}

// VerifyResponse checks the authenticator of a received response against the
// request authenticator it must echo.
func VerifyResponse(encoded []byte, requestAuth [16]byte, secret []byte) error {
	encoded, err := trimPadding(encoded)
	if err != nil {
		return err
	}
	expected := ResponseAuthenticator(encoded, requestAuth, secret)
	if subtle.ConstantTimeCompare(encoded[4:20], expected[:]) != 1 {
		return ErrAuthenticatorMismatch
	}
	return nil
}

// RequestAuthenticator computes the authenticator for Accounting-Request,
// Disconnect-Request, and CoA-Request packets: the response formula with 16
// zero bytes substituted for the authenticator field.
func RequestAuthenticator(encoded []byte, secret []byte) [16]byte {
	var zero [16]byte
	return ResponseAuthenticator(encoded, zero, secret)
}

// VerifyAccountingRequest checks an inbound Accounting-Request (or CoA
// family request) authenticator against the shared secret.
func VerifyAccountingRequest(encoded []byte, secret []byte) error {
	encoded, err := trimPadding(encoded)
	if err != nil {
		return err
	}
	expected := RequestAuthenticator(encoded, secret)
	if subtle.ConstantTimeCompare(encoded[4:20], expected[:]) != 1 {
		return ErrAuthenticatorMismatch
	}
	return nil
}

// EncryptPassword applies the RFC 2865 §5.2 User-Password cipher. The
// plaintext is right-padded with zero bytes to a multiple of 16 and XORed
// block-wise with MD5(secret + previous block), seeded with the request
// authenticator.
func EncryptPassword(password []byte, requestAuth [16]byte, secret []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("empty password")
	}
	if len(password) > maxPasswordLength {
		return nil, fmt.Errorf("password too long: %d bytes", len(password))
	}

	padded := make([]byte, (len(password)+15)/16*16)
	copy(padded, password)

	out := make([]byte, len(padded))
	prev := requestAuth[:]
	for i := 0; i < len(padded); i += 16 {
		h := md5.New()
		h.Write(secret)
		h.Write(prev)
		keystream := h.Sum(nil)

		for j := 0; j < 16; j++ {
			out[i+j] = padded[i+j] ^ keystream[j]
		}
		prev = out[i : i+16]
	}

	return out, nil
}

// DecryptPassword reverses EncryptPassword and strips the trailing zero
// padding. A password that itself ends in NUL bytes is irrecoverable; that
// is a protocol limitation, not a defect here.
func DecryptPassword(ciphertext []byte, requestAuth [16]byte, secret []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%16 != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", packet.ErrMalformedPacket, len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	prev := requestAuth[:]
	for i := 0; i < len(ciphertext); i += 16 {
		h := md5.New()
		h.Write(secret)
		h.Write(prev)
		keystream := h.Sum(nil)

		for j := 0; j < 16; j++ {
			out[i+j] = ciphertext[i+j] ^ keystream[j]
		}
		prev = ciphertext[i : i+16]
	}

	end := len(out)
	for end > 0 && out[end-1] == 0 {
		end--
	}
	return out[:end], nil
}

// VerifyCHAP checks a CHAP response: MD5(id + password + challenge) must
// equal the 16-byte response.
func VerifyCHAP(id byte, challenge, response []byte, password []byte) bool {
	if len(response) != 16 {
		return false
	}
	h := md5.New()
	h.Write([]byte{id})
	h.Write(password)
	h.Write(challenge)
	expected := h.Sum(nil)
	return subtle.ConstantTimeCompare(expected, response) == 1
}

// MessageAuthenticator computes the RFC 2869 attribute-80 HMAC-MD5 over the
// packet with the Message-Authenticator value zeroed. The input bytes are
// never mutated; the HMAC runs over a working copy. Returns false when the
// packet carries no Message-Authenticator.
func MessageAuthenticator(encoded []byte, secret []byte) ([16]byte, bool) {
	var auth [16]byte

	encoded, err := trimPadding(encoded)
	if err != nil {
		return auth, false
	}

	offset, ok := messageAuthenticatorOffset(encoded)
	if !ok {
		return auth, false
	}

	work := make([]byte, len(encoded))
	copy(work, encoded)
	for i := offset + 2; i < offset+18; i++ {
		work[i] = 0
	}

	mac := hmac.New(md5.New, secret)
	mac.Write(work)
	copy(auth[:], mac.Sum(nil))
	return auth, true
}

// VerifyMessageAuthenticator checks the attribute-80 HMAC of an inbound
// packet. Packets without the attribute pass; whether the attribute is
// required is the caller's policy.
func VerifyMessageAuthenticator(encoded []byte, secret []byte) error {
	encoded, err := trimPadding(encoded)
	if err != nil {
		return err
	}

	offset, ok := messageAuthenticatorOffset(encoded)
	if !ok {
		return nil
	}

	expected, _ := MessageAuthenticator(encoded, secret)
	if subtle.ConstantTimeCompare(encoded[offset+2:offset+18], expected[:]) != 1 {
		return ErrAuthenticatorMismatch
	}
	return nil
}

// messageAuthenticatorOffset walks the attribute region and returns the
// byte offset of a well-formed 18-byte Message-Authenticator TLV.
func messageAuthenticatorOffset(encoded []byte) (int, bool) {
	if len(encoded) < packet.HeaderLength {
		return 0, false
	}

	offset := packet.HeaderLength
	for offset+2 <= len(encoded) {
		attrLen := int(encoded[offset+1])
		if attrLen < 2 || offset+attrLen > len(encoded) {
			return 0, false
		}
		if encoded[offset] == packet.AttrMessageAuthenticator && attrLen == 18 {
			return offset, true
		}
		offset += attrLen
	}
	return 0, false
}

// SealResponse encodes a response packet and fills in its authenticators:
// the Message-Authenticator HMAC first (if the response carries the
// attribute), then the response authenticator, both bound to the request
// authenticator being answered. The packet's Authenticator field is updated
// to the computed value.
func SealResponse(resp *packet.Packet, requestAuth [16]byte, secret []byte) ([]byte, error) {
	// The HMAC for a response is computed with the request authenticator
	// occupying the authenticator field and the attribute value zeroed.
	resp.Authenticator = requestAuth

	encoded, err := resp.Encode()
	if err != nil {
		return nil, err
	}

	if offset, ok := messageAuthenticatorOffset(encoded); ok {
		for i := offset + 2; i < offset+18; i++ {
			encoded[i] = 0
		}
		mac := hmac.New(md5.New, secret)
		mac.Write(encoded)
		copy(encoded[offset+2:offset+18], mac.Sum(nil))

		// Keep the packet's attribute in sync with the wire bytes.
		for i := range resp.Attributes {
			if resp.Attributes[i].Type == packet.AttrMessageAuthenticator && len(resp.Attributes[i].Value) == 16 {
				copy(resp.Attributes[i].Value, encoded[offset+2:offset+18])
				break
			}
		}
	}

	auth := ResponseAuthenticator(encoded, requestAuth, secret)
	copy(encoded[4:20], auth[:])
	resp.Authenticator = auth

	return encoded, nil
}

// SealRequest encodes an Accounting-Request-style packet (accounting, CoA,
// disconnect) and fills in its request authenticator.
func SealRequest(req *packet.Packet, secret []byte) ([]byte, error) {
	req.Authenticator = [16]byte{}

	encoded, err := req.Encode()
	if err != nil {
		return nil, err
	}

	auth := RequestAuthenticator(encoded, secret)
	copy(encoded[4:20], auth[:])
	req.Authenticator = auth

	return encoded, nil
}
