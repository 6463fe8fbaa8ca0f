// SPDX-License-Identifier: BSD-2-Clause

package mikey

import (
	"encoding/base64"
	"fmt"
)

// Parse decodes a MIKEY PSK message (as produced by Generate, or an
// equivalent peer), validating it per §8 scenario 6: a KEMAC payload with
// encryption algorithm 2 (AES-KW-128) is rejected outright; one with
// algorithm 0 (NULL) and a well-formed 30-byte TEK+SPI/MKI sub-payload
// produces a State whose KeyData() is byte-equal to that sub-payload.
func Parse(data []byte) (*State, error) {
	s := &State{}
	ptr := 0

	nextType, n, err := parseHDR(data, ptr)
	if err != nil {
		return nil, err
	}
	ptr += n

	for nextType != 0 {
		var consumed int
		nextType, consumed, err = parseNonHDR(s, data, ptr, nextType)
		if err != nil {
			return nil, err
		}
		ptr += consumed
	}

	return s, nil
}

func need(data []byte, ptr, n int) error {
	if ptr+n > len(data) {
		return ErrTruncated
	}
	return nil
}

func get2(data []byte, ptr int) uint16 {
	return uint16(data[ptr])<<8 | uint16(data[ptr+1])
}

func get4(data []byte, ptr int) uint32 {
	return uint32(data[ptr])<<24 | uint32(data[ptr+1])<<16 | uint32(data[ptr+2])<<8 | uint32(data[ptr+3])
}

// parseHDR parses the single-CS HDR payload, RFC 3830 §6.1.
func parseHDR(data []byte, ptr int) (nextType byte, consumed int, err error) {
	if err := need(data, ptr, 10); err != nil {
		return 0, 0, err
	}
	nextType = data[ptr+2]
	numCS := data[ptr+8]
	size := 10 + int(numCS)*(1+4+4)
	if err := need(data, ptr, size); err != nil {
		return 0, 0, err
	}
	return nextType, size, nil
}

func parseNonHDR(s *State, data []byte, ptr int, payloadType byte) (nextType byte, consumed int, err error) {
	if err := need(data, ptr, 1); err != nil {
		return 0, 0, err
	}
	nextType = data[ptr]
	body := ptr + 1

	switch payloadType {
	case payloadT:
		n, err := parseT(data, body)
		if err != nil {
			return 0, 0, err
		}
		return nextType, 1 + n, nil
	case payloadRAND:
		n, err := parseRAND(data, body)
		if err != nil {
			return 0, 0, err
		}
		return nextType, 1 + n, nil
	case payloadSP:
		n, err := parseSP(s, data, body)
		if err != nil {
			return 0, 0, err
		}
		return nextType, 1 + n, nil
	case payloadKEMAC:
		n, err := parseKEMAC(s, data, body)
		if err != nil {
			return 0, 0, err
		}
		return nextType, 1 + n, nil
	default:
		return 0, 0, fmt.Errorf("%w: %d", ErrUnknownPayload, payloadType)
	}
}

// parseT parses a T (timestamp) payload body, RFC 3830 §6.6, returning the
// body length consumed (not including the already-consumed next-payload
// byte).
func parseT(data []byte, ptr int) (int, error) {
	if err := need(data, ptr, 1); err != nil {
		return 0, err
	}
	tsType := data[ptr]
	var valueLen int
	switch tsType {
	case 0, 1: // NTP-UTC, NTP
		valueLen = 8
	case 2: // COUNTER
		valueLen = 4
	default:
		return 0, ErrUnknownTSType
	}
	if err := need(data, ptr, 1+valueLen); err != nil {
		return 0, err
	}
	return 1 + valueLen, nil
}

// parseRAND parses a RAND payload body, RFC 3830 §6.11.
func parseRAND(data []byte, ptr int) (int, error) {
	if err := need(data, ptr, 1); err != nil {
		return 0, err
	}
	randLen := int(data[ptr])
	if err := need(data, ptr, 1+randLen); err != nil {
		return 0, err
	}
	return 1 + randLen, nil
}

// parseSP parses the SRTP policy (SP) payload, RFC 3830 §6.10, validating
// and applying any policy parameters it recognizes to s. Unrecognized
// parameter types are accepted (skipped) per the original's "still OK".
func parseSP(s *State, data []byte, ptr int) (int, error) {
	if err := need(data, ptr, 4); err != nil {
		return 0, err
	}
	protType := data[ptr+1]
	if protType != 0 {
		return 0, ErrUnsupportedProto
	}
	paramLen := int(get2(data, ptr+2))
	if err := need(data, ptr, 4+paramLen); err != nil {
		return 0, err
	}

	end := ptr + 4 + paramLen
	p := ptr + 4
	for p < end {
		if err := need(data, p, 2); err != nil {
			return 0, err
		}
		ppType := data[p]
		ppLen := int(data[p+1])
		p += 2
		if p+ppLen > end {
			return 0, ErrBadPolicyParam
		}

		if err := applyPolicyParam(s, ppType, data[p:p+ppLen]); err != nil {
			return 0, err
		}
		p += ppLen
	}
	if p != end {
		return 0, ErrBadPolicyParam
	}
	return 4 + paramLen, nil
}

func applyPolicyParam(s *State, typ byte, value []byte) error {
	one := func() (byte, error) {
		if len(value) != 1 {
			return 0, ErrBadPolicyParam
		}
		return value[0], nil
	}
	switch typ {
	case 0: // encryption algorithm: NULL or AES-CM only
		v, err := one()
		if err != nil {
			return err
		}
		if v > 1 {
			return ErrBadPolicyParam
		}
		if v > 0 {
			s.EncryptSRTP, s.EncryptSRTCP = true, true
		}
	case 1: // session encryption key length: must be 16
		v, err := one()
		if err != nil {
			return err
		}
		if v != 16 {
			return ErrBadPolicyParam
		}
	case 2: // authentication algorithm: NULL or HMAC-SHA-1 only
		v, err := one()
		if err != nil {
			return err
		}
		if v > 1 {
			return ErrBadPolicyParam
		}
		if v > 0 {
			s.UseAuthentication = true
		}
	case 3: // session authentication key length: must be 20
		v, err := one()
		if err != nil {
			return err
		}
		if v != 20 {
			return ErrBadPolicyParam
		}
	case 4: // session salt key length: must be 14
		v, err := one()
		if err != nil {
			return err
		}
		if v != 14 {
			return ErrBadPolicyParam
		}
	case 7: // SRTP encryption off/on
		v, err := one()
		if err != nil {
			return err
		}
		if v > 1 {
			return ErrBadPolicyParam
		}
		s.EncryptSRTP = v != 0
	case 8: // SRTCP encryption off/on
		v, err := one()
		if err != nil {
			return err
		}
		if v > 1 {
			return ErrBadPolicyParam
		}
		s.EncryptSRTCP = v != 0
	case 10: // SRTP authentication off/on
		v, err := one()
		if err != nil {
			return err
		}
		if v > 1 {
			return ErrBadPolicyParam
		}
		s.UseAuthentication = v != 0
	case 11: // authentication tag length: must be 10
		v, err := one()
		if err != nil {
			return err
		}
		if v != 10 {
			return ErrBadPolicyParam
		}
	}
	// unrecognized types are accepted without interpretation
	return nil
}

// parseKEMAC parses the key-transport (KEMAC) payload, RFC 3830 §6.2,
// extracting the TEK+SPI/MKI key-data sub-payload into s. Only a NULL key
// encryption algorithm and a NULL MAC are supported; anything else fails
// the whole parse, matching §8 scenario 6 ("a KEMAC payload with
// encrAlg=2 ... must be rejected").
func parseKEMAC(s *State, data []byte, ptr int) (int, error) {
	if err := need(data, ptr, 3); err != nil {
		return 0, err
	}
	encrAlg := data[ptr]
	if encrAlg != 0 {
		return 0, ErrUnsupportedEncr
	}
	encrDataLen := int(get2(data, ptr+1))
	if err := need(data, ptr, 3+encrDataLen); err != nil {
		return 0, err
	}

	if err := parseKeyDataSubPayload(s, data[ptr+3:ptr+3+encrDataLen]); err != nil {
		return 0, err
	}

	macPos := ptr + 3 + encrDataLen
	if err := need(data, macPos, 1); err != nil {
		return 0, err
	}
	macAlg := data[macPos]
	macLen := 0
	if macAlg != 0 {
		return 0, ErrUnsupportedMAC
	}
	if err := need(data, macPos, 1+macLen); err != nil {
		return 0, err
	}

	return 3 + encrDataLen + 1 + macLen, nil
}

// parseKeyDataSubPayload parses the Key Data sub-payload (RFC 3830
// §6.13/6.14): Type 2 (TEK) | KV 1 (SPI/MKI), exactly 30 bytes of key
// material, followed by a 4-byte SPI/MKI length field and the MKI itself.
func parseKeyDataSubPayload(s *State, sub []byte) error {
	if len(sub) < 4 {
		return ErrBadKeyData
	}
	p := 1 // skip "next payload" field
	if sub[p] != (2<<4)|1 {
		return ErrBadKeyData
	}
	p++
	keyDataLen := int(get2(sub, p))
	p += 2
	if keyDataLen != 30 {
		return ErrBadKeyData
	}
	if 4+keyDataLen+1 > len(sub) {
		return ErrBadKeyData
	}
	copy(s.keyData[:], sub[p:p+keyDataLen])
	p += keyDataLen

	spiLen := int(sub[p])
	p++
	if spiLen != 4 {
		return ErrBadSPI
	}
	if 4+keyDataLen+1+spiLen > len(sub) {
		return ErrBadKeyData
	}
	s.MKI = get4(sub, p)
	return nil
}

// DecodeBase64 decodes the base64 text carried in an SDP
// `a=key-mgmt:mikey` attribute (§4.9) and parses the resulting message.
func DecodeBase64(encoded string) (*State, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
