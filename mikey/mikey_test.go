// SPDX-License-Identifier: BSD-2-Clause

package mikey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateParseRoundTrip(t *testing.T) {
	s := NewState(true)
	msg := s.Generate()

	parsed, err := Parse(msg)
	require.NoError(t, err)

	assert.Equal(t, s.KeyData(), parsed.KeyData())
	assert.Equal(t, s.MKI, parsed.MKI)
	assert.True(t, parsed.EncryptSRTP)
	assert.True(t, parsed.EncryptSRTCP)
	assert.True(t, parsed.UseAuthentication)
}

func TestGenerateParseRoundTripNoEncryption(t *testing.T) {
	s := NewState(false)
	msg := s.Generate()

	parsed, err := Parse(msg)
	require.NoError(t, err)

	assert.False(t, parsed.EncryptSRTP)
	assert.False(t, parsed.EncryptSRTCP)
}

// TestParseRejectsUnsupportedEncryptionAlgorithm exercises spec §8
// scenario 6: a KEMAC payload with encrAlg=2 (AES-KW-128) must be
// rejected outright.
func TestParseRejectsUnsupportedEncryptionAlgorithm(t *testing.T) {
	hdr := buildHDR()
	kemac := buildKEMAC([30]byte{}, 0xAABBCCDD)
	hdr[2] = payloadKEMAC
	kemac[0] = 0
	kemac[1] = 2 // encrAlg = AES-KW-128

	msg := append(append([]byte{}, hdr...), kemac...)

	_, err := Parse(msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedEncr)
}

// TestParseAcceptsNullEncryptionWithExactKeyData exercises spec §8
// scenario 6's accept path: encrAlg=0 with a well-formed 30-byte
// TEK+SPI/MKI sub-payload produces a State whose KeyData() is byte-equal
// to the sub-payload's key bytes.
func TestParseAcceptsNullEncryptionWithExactKeyData(t *testing.T) {
	var keyData [30]byte
	for i := range keyData {
		keyData[i] = byte(i + 1)
	}

	hdr := buildHDR()
	kemac := buildKEMAC(keyData, 0x11223344)
	hdr[2] = payloadKEMAC
	kemac[0] = 0

	msg := append(append([]byte{}, hdr...), kemac...)

	parsed, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, keyData[:], parsed.KeyData())
	assert.EqualValues(t, 0x11223344, parsed.MKI)
}

func TestParseRejectsTruncatedMessage(t *testing.T) {
	hdr := buildHDR()
	_, err := Parse(hdr[:5])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestParseRejectsUnsupportedMAC(t *testing.T) {
	hdr := buildHDR()
	kemac := buildKEMAC([30]byte{}, 0)
	hdr[2] = payloadKEMAC
	kemac[0] = 0
	kemac[len(kemac)-1] = 1 // MAC alg != NULL

	msg := append(append([]byte{}, hdr...), kemac...)

	_, err := Parse(msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedMAC)
}

func TestEncodeDecodeBase64RoundTrip(t *testing.T) {
	s := NewState(true)
	encoded := s.EncodeBase64()

	decoded, err := DecodeBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, s.KeyData(), decoded.KeyData())
}
