// SPDX-License-Identifier: BSD-2-Clause

// Package mikey implements the MIKEY (RFC 3830) pre-shared-key profile
// state of spec §4.7's companion keying component (F): encoding and
// parsing of the single-crypto-session message carrying SRTP/SRTCP key
// material and policy. Grounded on the original implementation's
// MIKEY.cpp payload-chain walk (no Go teacher file exists for this
// component), reworked into Go's idiomatic encode/parse split.
package mikey

import (
	"encoding/base64"
	"errors"
	"math/rand"
	"time"
)

// Payload type octets, RFC 3830 §6.
const (
	payloadKEMAC = 1
	payloadT     = 5
	payloadSP    = 10
	payloadRAND  = 11
	payloadHDR   = 255 // pseudo-type: never appears on the wire as a "next payload" value
)

var (
	ErrTruncated         = errors.New("mikey: message truncated")
	ErrUnsupportedEncr   = errors.New("mikey: unsupported key encryption algorithm")
	ErrUnsupportedMAC    = errors.New("mikey: unsupported MAC algorithm")
	ErrBadKeyData        = errors.New("mikey: key-data sub-payload has wrong type or length")
	ErrBadSPI            = errors.New("mikey: unsupported SPI/MKI length")
	ErrUnknownTSType     = errors.New("mikey: unknown timestamp type")
	ErrUnsupportedProto  = errors.New("mikey: unsupported SP protocol type")
	ErrBadPolicyParam    = errors.New("mikey: bad or unsupported SP policy parameter")
	ErrUnknownPayload    = errors.New("mikey: unknown or unsupported payload type")
)

// State is one MIKEY pre-shared-key crypto session: the SRTP master
// key+salt and the SRTP/SRTCP encryption+authentication policy it carries,
// per §4.7 ("Keys are derived once from MIKEY's master key+salt").
type State struct {
	EncryptSRTP       bool
	EncryptSRTCP      bool
	UseAuthentication bool
	MKI               uint32

	// keyData is the 30-byte TEK+SPI/MKI key-data sub-payload: 16 bytes of
	// master key followed by 14 bytes of master salt.
	keyData [30]byte
}

// NewState constructs a fresh State with random key material, as the
// initiator side of a PSK exchange would. useEncryption seeds both the
// SRTP and SRTCP encryption policy flags.
func NewState(useEncryption bool) *State {
	s := &State{
		EncryptSRTP:       useEncryption,
		EncryptSRTCP:      useEncryption,
		UseAuthentication: true,
		MKI:               rand.Uint32(),
	}
	rand.Read(s.keyData[:])
	return s
}

// KeyData returns the full 30-byte key+salt block.
func (s *State) KeyData() []byte { return append([]byte(nil), s.keyData[:]...) }

// Key returns the 16-byte SRTP master key.
func (s *State) Key() []byte { return append([]byte(nil), s.keyData[:16]...) }

// Salt returns the 14-byte SRTP master salt.
func (s *State) Salt() []byte { return append([]byte(nil), s.keyData[16:30]...) }

func addWord(p []byte, w uint32) []byte {
	return append(p, byte(w>>24), byte(w>>16), byte(w>>8), byte(w))
}

func addHalfWord(p []byte, w uint16) []byte {
	return append(p, byte(w>>8), byte(w))
}

func add1BytePolicyParam(p []byte, typ, value byte) []byte {
	return append(p, typ, 1, value)
}

// buildHDR builds the single-CS HDR payload (RFC 3830 §6.1), 19 bytes,
// with the "next payload" field left at offset 2 for the caller to patch.
func buildHDR() []byte {
	p := make([]byte, 0, 19)
	p = append(p, 1)    // version
	p = append(p, 0)    // initiator's pre-shared-key message
	p = append(p, 0)    // next payload (patched by chain())
	p = append(p, 0)    // V=0; PRF func: MIKEY-1
	p = addWord(p, rand.Uint32())
	p = append(p, 1) // #CS: 1
	p = append(p, 0) // CS ID map type: SRTP-ID
	p = append(p, 0) // policy_no_1
	p = addWord(p, rand.Uint32()) // SSRC_1
	p = addWord(p, 0)             // ROC_1
	return p
}

// buildT builds a T (timestamp) payload, RFC 3830 §6.6, type NTP-UTC.
func buildT(now time.Time) []byte {
	p := make([]byte, 0, 10)
	p = append(p, 0) // next payload (patched)
	p = append(p, 0) // TS type: NTP-UTC
	const ntpEpochOffset = 0x83AA7E80
	p = addWord(p, uint32(now.Unix())+ntpEpochOffset)
	frac := (float64(now.Nanosecond()) / 1e9) * (1 << 32)
	p = addWord(p, uint32(frac+0.5))
	return p
}

// buildRAND builds a RAND payload, RFC 3830 §6.11, with 16 bytes of
// randomness (4 words).
func buildRAND() []byte {
	p := make([]byte, 0, 18)
	p = append(p, 0)  // next payload (patched)
	p = append(p, 16) // RAND length
	for i := 0; i < 4; i++ {
		p = addWord(p, rand.Uint32())
	}
	return p
}

// buildSP builds the single SRTP policy (SP) payload, RFC 3830 §6.10.
func buildSP(encrypt, auth bool) []byte {
	p := make([]byte, 0, 32)
	p = append(p, 0) // next payload (patched)
	p = append(p, 0) // policy number
	p = append(p, 0) // protocol type: SRTP
	p = addHalfWord(p, 27)

	boolByte := func(b bool) byte {
		if b {
			return 1
		}
		return 0
	}
	encrAlg := byte(0)
	if encrypt {
		encrAlg = 1 // AES-CM
	}
	authAlg := byte(0)
	if auth {
		authAlg = 1 // HMAC-SHA-1
	}

	p = add1BytePolicyParam(p, 0, encrAlg)
	p = add1BytePolicyParam(p, 1, 16)
	p = add1BytePolicyParam(p, 2, authAlg)
	p = add1BytePolicyParam(p, 3, 20)
	p = add1BytePolicyParam(p, 4, 14)
	p = add1BytePolicyParam(p, 7, boolByte(encrypt))
	p = add1BytePolicyParam(p, 8, boolByte(encrypt))
	p = add1BytePolicyParam(p, 10, boolByte(auth))
	p = add1BytePolicyParam(p, 11, 10)
	return p
}

// buildKEMAC builds the key-transport (KEMAC) payload, RFC 3830 §6.2,
// carrying a single TEK+SPI/MKI key-data sub-payload (§6.13/6.14) with a
// NULL key encryption algorithm and a NULL MAC.
func buildKEMAC(keyData [30]byte, mki uint32) []byte {
	p := make([]byte, 0, 44)
	p = append(p, 0) // next payload (patched)
	p = append(p, 0) // Encr alg: NULL
	p = addHalfWord(p, 39)
	{
		p = append(p, 0)          // key-data sub-payload: next payload (unused)
		p = append(p, (2<<4)|1)   // Type 2 (TEK) | KV 1 (SPI/MKI)
		p = addHalfWord(p, 30)    // key data len
		p = append(p, keyData[:]...)
		p = append(p, 4) // SPI/MKI length
		p = addWord(p, mki)
	}
	p = append(p, 0) // MAC alg: NULL
	return p
}

// Generate encodes s as an HDR, T, RAND, SP, KEMAC payload chain (the
// RFC 3830 PSK single-crypto-session message this package always emits).
func (s *State) Generate() []byte {
	hdr := buildHDR()
	t := buildT(time.Now())
	r := buildRAND()
	sp := buildSP(s.EncryptSRTP || s.EncryptSRTCP, s.UseAuthentication)
	kemac := buildKEMAC(s.keyData, s.MKI)

	hdr[2] = payloadT
	t[0] = payloadRAND
	r[0] = payloadSP
	sp[0] = payloadKEMAC
	kemac[0] = 0 // last payload: no next payload

	out := make([]byte, 0, len(hdr)+len(t)+len(r)+len(sp)+len(kemac))
	out = append(out, hdr...)
	out = append(out, t...)
	out = append(out, r...)
	out = append(out, sp...)
	out = append(out, kemac...)
	return out
}

// EncodeBase64 returns Generate()'s output as the base64 text carried in
// an SDP `a=key-mgmt:mikey` attribute (§4.9).
func (s *State) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(s.Generate())
}
