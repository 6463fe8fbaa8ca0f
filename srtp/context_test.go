// SPDX-License-Identifier: BSD-2-Clause

package srtp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeySalt() ([]byte, []byte) {
	key := bytes.Repeat([]byte{0x11}, KeyLen)
	salt := bytes.Repeat([]byte{0x22}, SaltLen)
	return key, salt
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, salt := testKeySalt()
	encCtx, err := NewContext(key, salt, nil)
	require.NoError(t, err)
	decCtx, err := NewContext(key, salt, nil)
	require.NoError(t, err)

	header := []byte{0x80, 0x60, 0x03, 0xE8, 0, 0, 0, 0, 0, 0, 0, 0}
	payload := []byte("hello world, this is an rtp payload")
	packet := append(append([]byte(nil), header...), payload...)

	const ssrc = 0x11223344
	const seq = 1000

	encrypted, err := encCtx.ProcessOutgoingSRTP(packet, ssrc, seq, len(header), true, true)
	require.NoError(t, err)
	assert.NotEqual(t, payload, encrypted[len(header):len(header)+len(payload)])

	decoded := append([]byte(nil), encrypted...)
	err = decCtx.ProcessIncomingSRTP(decoded, ssrc, seq, len(header), true, true)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded[len(header):len(header)+len(payload)])
}

func TestAuthFailsOnTamperedPacket(t *testing.T) {
	key, salt := testKeySalt()
	ctx, err := NewContext(key, salt, nil)
	require.NoError(t, err)

	header := []byte{0x80, 0x60, 0x03, 0xE8, 0, 0, 0, 0, 0, 0, 0, 0}
	packet := append(append([]byte(nil), header...), []byte("payload")...)
	encrypted, err := ctx.ProcessOutgoingSRTP(packet, 1, 1, len(header), true, true)
	require.NoError(t, err)

	tampered := append([]byte(nil), encrypted...)
	tampered[len(tampered)-1] ^= 0xFF

	decCtx, err := NewContext(key, salt, nil)
	require.NoError(t, err)
	err = decCtx.ProcessIncomingSRTP(tampered, 1, 1, len(header), true, true)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

// TestROCRollover exercises spec §8 scenario 4: seq sequence
// 0xFFFE,0xFFFF,0x0000,0x0001 starting at ROC=0 must all authenticate and
// decrypt, and ROC must equal 1 after the fourth packet.
func TestROCRollover(t *testing.T) {
	key, salt := testKeySalt()
	encCtx, err := NewContext(key, salt, nil)
	require.NoError(t, err)
	decCtx, err := NewContext(key, salt, nil)
	require.NoError(t, err)

	header := []byte{0x80, 0x60, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	seqs := []uint16{0xFFFE, 0xFFFF, 0x0000, 0x0001}

	for _, seq := range seqs {
		packet := append(append([]byte(nil), header...), []byte("x")...)
		enc, err := encCtx.ProcessOutgoingSRTP(packet, 42, seq, len(header), true, true)
		require.NoError(t, err)

		dec := append([]byte(nil), enc...)
		err = decCtx.ProcessIncomingSRTP(dec, 42, seq, len(header), true, true)
		require.NoError(t, err, "seq=%x", seq)
	}

	assert.EqualValues(t, 1, decCtx.ROC())
}

func TestSRTCPRoundTrip(t *testing.T) {
	key, salt := testKeySalt()
	encCtx, err := NewContext(key, salt, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	decCtx, err := NewContext(key, salt, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	rtcpPkt := append([]byte{0x81, 0xC9, 0x00, 0x01}, []byte("ssrcandbody12345")...)

	out, err := encCtx.ProcessOutgoingSRTCP(rtcpPkt, 7, true)
	require.NoError(t, err)

	plain, err := decCtx.ProcessIncomingSRTCP(out, 7, true)
	require.NoError(t, err)
	assert.Equal(t, rtcpPkt, plain)
}

func TestNewContextRejectsBadKeyLengths(t *testing.T) {
	_, err := NewContext(make([]byte, 8), make([]byte, SaltLen), nil)
	assert.ErrorIs(t, err, ErrBadKeyLen)

	_, err = NewContext(make([]byte, KeyLen), make([]byte, 4), nil)
	assert.ErrorIs(t, err, ErrBadSaltLen)
}
