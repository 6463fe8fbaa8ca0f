// SPDX-License-Identifier: BSD-2-Clause

// Package srtp implements the SRTP/SRTCP cryptographic context of spec
// §4.7: RFC 3711 key derivation, AES-CM encryption and HMAC-SHA1
// authentication, with rollover-counter maintenance. The key-derivation
// and counter-generation logic is grounded on the pack's archival
// pion/srtp fork (cptpcrd-srtp/srtp.go — generateSessionKey/
// generateCounter), generalized here to the two-sided SRTP+SRTCP label set
// and bit-exact ROC disambiguation §4.7 specifies.
package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	KeyLen  = 16
	SaltLen = 14
	TagLen  = 10 // HMAC-SHA1-80
	MKILen  = 4

	labelSRTPEncryption  = 0x00
	labelSRTPMsgAuth     = 0x01
	labelSRTPSalt        = 0x02
	labelSRTCPEncryption = 0x03
	labelSRTCPMsgAuth    = 0x04
	labelSRTCPSalt       = 0x05
)

var (
	ErrShortPacket  = errors.New("srtp: packet shorter than header+MKI+tag")
	ErrAuthFailed   = errors.New("srtp: authentication tag mismatch")
	ErrBadKeyLen    = errors.New("srtp: master key must be 16 bytes")
	ErrBadSaltLen   = errors.New("srtp: master salt must be 14 bytes")
)

// derivedKeys holds the per-direction cipher/auth material derived once
// from the MIKEY-carried master key+salt for one of {SRTP, SRTCP}.
type derivedKeys struct {
	cipherKey []byte // 16B
	salt      []byte // 14B
	authKey   []byte // 20B
	block     cipher.Block
}

// Context is the per-SSRC SRTP/SRTCP cryptographic state of §3/§4.7.
type Context struct {
	masterKey  []byte
	masterSalt []byte
	mki        []byte // 4B, may be nil/empty if unused

	srtp  derivedKeys
	srtcp derivedKeys

	// per-SSRC state (§3): a Context handles one SSRC at a time, matching
	// the spec's "owned by exactly one direction" policy.
	ssrc           uint32
	haveSSRC       bool
	roc            uint32
	highestSeq     uint16
	haveHighestSeq bool

	srtcpIndex uint32 // 31-bit, incremented per outgoing SRTCP packet
}

// NewContext derives SRTP+SRTCP session keys from a 16-byte master key and
// 14-byte master salt per RFC 3711 Appendix B.3, using the AES-CM PRF: the
// label is XORed into the salt at byte offset 7 (so that XORing a 7-byte
// big-endian (label‖index) value against the right-aligned salt matches
// "labelAndIndexOverKdr" in the grounding source), then AES-encrypted under
// the master key.
func NewContext(masterKey, masterSalt, mki []byte) (*Context, error) {
	if len(masterKey) != KeyLen {
		return nil, ErrBadKeyLen
	}
	if len(masterSalt) != SaltLen {
		return nil, ErrBadSaltLen
	}
	c := &Context{masterKey: masterKey, masterSalt: masterSalt, mki: mki}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}

	var derr error
	c.srtp, derr = deriveKeys(block, masterSalt, labelSRTPEncryption, labelSRTPMsgAuth, labelSRTPSalt)
	if derr != nil {
		return nil, derr
	}
	c.srtcp, derr = deriveKeys(block, masterSalt, labelSRTCPEncryption, labelSRTCPMsgAuth, labelSRTCPSalt)
	if derr != nil {
		return nil, derr
	}
	return c, nil
}

func deriveKeys(masterBlock cipher.Block, masterSalt []byte, encLabel, authLabel, saltLabel byte) (derivedKeys, error) {
	var dk derivedKeys
	dk.cipherKey = derivePRF(masterBlock, masterSalt, encLabel, KeyLen)
	dk.salt = derivePRF(masterBlock, masterSalt, saltLabel, SaltLen)
	dk.authKey = derivePRF(masterBlock, masterSalt, authLabel, 20)

	block, err := aes.NewCipher(dk.cipherKey)
	if err != nil {
		return dk, err
	}
	dk.block = block
	return dk, nil
}

// derivePRF implements the RFC 3711 §4.3.1/Appendix B.3 key-derivation
// function for index=0: r = master_salt XOR (label‖0^6), padded with two
// null octets (the ×2^16 from the "index DIV key_derivation_rate" term
// with kdr=0, so index DIV kdr is always 0), then AES-encrypted with the
// master key in counter mode: the two trailing octets count the 16-byte
// blocks (0, 1, ...), and the first outLen bytes of the key stream are kept.
func derivePRF(masterBlock cipher.Block, masterSalt []byte, label byte, outLen int) []byte {
	x := make([]byte, 16)
	copy(x, masterSalt) // 14 bytes of salt, 2 trailing zero bytes already zero
	// XOR label into byte offset 7 (label occupies the single byte right
	// before the zeroed index/kdr field in a 14-byte salt), per §4.7.
	x[7] ^= label

	out := make([]byte, 0, outLen+16)
	block := make([]byte, 16)
	for i := uint16(0); len(out) < outLen; i++ {
		binary.BigEndian.PutUint16(x[14:], i)
		masterBlock.Encrypt(block, x)
		out = append(out, block...)
	}
	return out[:outLen]
}

// generateCounter builds the 16-byte AES-CM counter block (IV) for seq
// under the given derived keys: IV = (salt‖00 00) XOR (ssrc·2^64) XOR
// (index·2^16), matching §4.7 and the grounding source's generateCounter.
func generateCounter(dk derivedKeys, ssrc uint32, index uint64) []byte {
	counter := make([]byte, 16)
	copy(counter, dk.salt)
	var ssrcBytes [4]byte
	binary.BigEndian.PutUint32(ssrcBytes[:], ssrc)
	for i := 0; i < 4; i++ {
		counter[4+i] ^= ssrcBytes[i]
	}
	// index is 48 bits (ROC<<16|seq for SRTP, or the 31-bit SRTCP index);
	// shifted left 16 to align with the IV layout.
	hi := uint32(index >> 32)
	lo := uint32(index)
	var idxBytes [8]byte
	binary.BigEndian.PutUint32(idxBytes[0:4], hi)
	binary.BigEndian.PutUint32(idxBytes[4:8], lo)
	shifted := shiftLeft16(idxBytes[:])
	for i := 0; i < 8; i++ {
		counter[8+i] ^= shifted[i]
	}
	return counter
}

func shiftLeft16(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out[:len(out)-2], b[2:])
	return out
}

// rocFor determines this packet's effective ROC (used for its own
// encryption/auth key stream) and the ROC/highest-seq values to commit as
// current state, per §4.7 step 1's four-way wrap-aware comparison. Only
// the confirmed-rollover case (3) advances the committed ROC; the
// out-of-order-crossing-a-rollover case (2) affects only this packet's
// effective ROC, not the stored counter.
func (c *Context) rocFor(seq uint16) (effectiveROC uint32, commitHigh uint16, commitROC uint32) {
	if !c.haveHighestSeq {
		return c.roc, seq, c.roc
	}
	prev := c.highestSeq
	switch {
	case seq >= prev && int(seq)-int(prev) < 0x1000:
		// normal case: ROC unchanged, new high = seq
		return c.roc, seq, c.roc
	case seq >= prev:
		// out-of-order, crossing a previous rollover: this packet belongs
		// to the prior epoch; stored ROC/high are unaffected
		return c.roc - 1, prev, c.roc
	case int(prev)-int(seq) > 0x1000:
		// rollover confirmed
		return c.roc + 1, seq, c.roc + 1
	default:
		// out-of-order within the current ROC
		return c.roc, prev, c.roc
	}
}

func (c *Context) commit(ssrc uint32, commitROC uint32, commitHigh uint16) {
	c.ssrc = ssrc
	c.haveSSRC = true
	c.roc = commitROC
	c.highestSeq = commitHigh
	c.haveHighestSeq = true
}

// ProcessIncomingSRTP authenticates, and if configured decrypts, one SRTP
// packet in place. rtpHeaderLen is the length of the fixed+CSRC+extension
// header preceding the payload (the part left untouched by encryption).
// auth/encrypt toggle the policy per the MIKEY-negotiated SP payload.
func (c *Context) ProcessIncomingSRTP(packet []byte, ssrc uint32, seq uint16, rtpHeaderLen int, auth, encrypt bool) error {
	mkiLen := 0
	if len(c.mki) > 0 {
		mkiLen = MKILen
	}
	tagLen := 0
	if auth {
		tagLen = TagLen
	}
	if len(packet) < rtpHeaderLen+mkiLen+tagLen {
		return ErrShortPacket
	}

	effROC, commitHigh, commitROC := c.rocFor(seq)

	if auth {
		tagStart := len(packet) - tagLen
		body := packet[:tagStart]
		mac := hmac.New(sha1.New, c.srtp.authKey)
		mac.Write(body)
		var rocBE [4]byte
		binary.BigEndian.PutUint32(rocBE[:], effROC)
		mac.Write(rocBE[:])
		expected := mac.Sum(nil)[:TagLen]
		if !hmac.Equal(expected, packet[tagStart:]) {
			return ErrAuthFailed
		}
	}

	if encrypt {
		payloadEnd := len(packet) - mkiLen - tagLen
		index := (uint64(effROC) << 16) | uint64(seq)
		counter := generateCounter(c.srtp, ssrc, index)
		stream := cipher.NewCTR(c.srtp.block, counter)
		stream.XORKeyStream(packet[rtpHeaderLen:payloadEnd], packet[rtpHeaderLen:payloadEnd])
	}

	c.commit(ssrc, commitROC, commitHigh)
	return nil
}

// ProcessOutgoingSRTP encrypts (if configured) and appends an auth tag to
// one outgoing RTP packet, using the local ROC bookkeeping for seq. This is
// the sender-side counterpart to ProcessIncomingSRTP; it advances the same
// ROC/highest-seq state so a Context can be exercised in a loopback test.
func (c *Context) ProcessOutgoingSRTP(packet []byte, ssrc uint32, seq uint16, rtpHeaderLen int, auth, encrypt bool) ([]byte, error) {
	effROC, commitHigh, commitROC := c.rocFor(seq)
	out := append([]byte(nil), packet...)

	if encrypt {
		index := (uint64(effROC) << 16) | uint64(seq)
		counter := generateCounter(c.srtp, ssrc, index)
		stream := cipher.NewCTR(c.srtp.block, counter)
		stream.XORKeyStream(out[rtpHeaderLen:], out[rtpHeaderLen:])
	}

	if len(c.mki) > 0 {
		out = append(out, c.mki...)
	}

	if auth {
		mac := hmac.New(sha1.New, c.srtp.authKey)
		mac.Write(out)
		var rocBE [4]byte
		binary.BigEndian.PutUint32(rocBE[:], effROC)
		mac.Write(rocBE[:])
		tag := mac.Sum(nil)[:TagLen]
		out = append(out, tag...)
	}

	c.commit(ssrc, commitROC, commitHigh)
	return out, nil
}

// ProcessOutgoingSRTCP encrypts an RTCP compound packet's payload (from
// byte offset 8, per §4.7) and appends the E-bit|31-bit-index word, the
// MKI, and a 10-byte HMAC-SHA1 tag, then increments the SRTCP index.
func (c *Context) ProcessOutgoingSRTCP(packet []byte, ssrc uint32, encrypt bool) ([]byte, error) {
	if len(packet) < 8 {
		return nil, fmt.Errorf("srtp: rtcp packet too short")
	}
	out := append([]byte(nil), packet...)

	index := c.srtcpIndex & 0x7FFFFFFF
	if encrypt {
		counter := generateCounter(c.srtcp, ssrc, uint64(index))
		stream := cipher.NewCTR(c.srtcp.block, counter)
		stream.XORKeyStream(out[8:], out[8:])
	}

	var word [4]byte
	binary.BigEndian.PutUint32(word[:], index)
	if encrypt {
		word[0] |= 0x80 // E-bit
	}
	out = append(out, word[:]...)
	if len(c.mki) > 0 {
		out = append(out, c.mki...)
	}

	mac := hmac.New(sha1.New, c.srtcp.authKey)
	mac.Write(out)
	tag := mac.Sum(nil)[:TagLen]
	out = append(out, tag...)

	c.srtcpIndex = (c.srtcpIndex + 1) & 0x7FFFFFFF
	return out, nil
}

// ProcessIncomingSRTCP authenticates and, if configured, decrypts one
// SRTCP packet, returning the plaintext compound RTCP bytes (header
// through the end of the original payload, without the trailer).
func (c *Context) ProcessIncomingSRTCP(packet []byte, ssrc uint32, encrypt bool) ([]byte, error) {
	if len(packet) < 8+4+TagLen {
		return nil, ErrShortPacket
	}
	tagStart := len(packet) - TagLen
	mkiStart := tagStart
	if len(c.mki) > 0 {
		mkiStart -= MKILen
	}
	idxStart := mkiStart - 4

	mac := hmac.New(sha1.New, c.srtcp.authKey)
	mac.Write(packet[:tagStart])
	expected := mac.Sum(nil)[:TagLen]
	if !hmac.Equal(expected, packet[tagStart:]) {
		return nil, ErrAuthFailed
	}

	word := binary.BigEndian.Uint32(packet[idxStart : idxStart+4])
	encrypted := word&0x80000000 != 0
	index := word & 0x7FFFFFFF

	out := append([]byte(nil), packet[:idxStart]...)
	if encrypted && encrypt {
		counter := generateCounter(c.srtcp, ssrc, uint64(index))
		stream := cipher.NewCTR(c.srtcp.block, counter)
		stream.XORKeyStream(out[8:], out[8:])
	}
	return out, nil
}

// ROC returns the current rollover counter, for test/introspection use.
func (c *Context) ROC() uint32 { return c.roc }
