package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesResponsePositiveAndNegative(t *testing.T) {
	assert.True(t, MatchesResponse(0x10, []byte{0x50, 0x03}))
	assert.True(t, MatchesResponse(0x10, []byte{0x7F, 0x10, 0x12}))
	assert.False(t, MatchesResponse(0x10, []byte{0x7F, 0x11, 0x12}))
	assert.False(t, MatchesResponse(0x10, []byte{0x62, 0xF1, 0x90}))
	assert.False(t, MatchesResponse(0x10, nil))
}

func TestIsResponsePendingRequiresNRC78(t *testing.T) {
	assert.True(t, IsResponsePending([]byte{0x7F, 0x31, 0x78}))
	assert.False(t, IsResponsePending([]byte{0x7F, 0x31, 0x12}))
	assert.False(t, IsResponsePending([]byte{0x71, 0x01}))
	assert.False(t, IsResponsePending([]byte{0x7F, 0x31}))
}
