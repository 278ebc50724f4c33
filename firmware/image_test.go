package firmware

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	img := Build("engine_ecu", "v2.0.0", bytes.Repeat([]byte{0xAA}, 256))
	raw := img.ToBytes()

	parsed, err := FromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, "v2.0.0", parsed.Version)
	assert.Equal(t, "engine_ecu", parsed.TargetECU)
	assert.Len(t, parsed.Data, 256)

	version, err := VerifyBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, "v2.0.0", version)
}

func TestBadHeaderMagic(t *testing.T) {
	raw := Build("x", "v1", make([]byte, 8)).ToBytes()
	raw[0] = 'X'
	_, err := FromBytes(raw)
	require.Error(t, err)
}

func TestBadFooterMagic(t *testing.T) {
	raw := Build("x", "v1", make([]byte, 8)).ToBytes()
	raw[len(raw)-2] = 'X'
	_, err := FromBytes(raw)
	require.Error(t, err)
}

func TestChecksumCorruption(t *testing.T) {
	raw := Build("x", "v1", make([]byte, 64)).ToBytes()
	raw[dataOffset+1] ^= 0xFF
	_, err := VerifyBytes(raw)
	require.Error(t, err)
}

func TestTargetVerification(t *testing.T) {
	img := Build("engine_ecu", "v1", nil)
	assert.NoError(t, img.VerifyTarget("engine_ecu"))
	assert.Error(t, img.VerifyTarget("body_ecu"))
}

func TestEmptyTargetMatchesAny(t *testing.T) {
	img := Build("", "v1", nil)
	assert.NoError(t, img.VerifyTarget("anything"))
}

func TestTooSmall(t *testing.T) {
	_, err := FromBytes(make([]byte, 10))
	require.Error(t, err)
}
