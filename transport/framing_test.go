package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateCRC8IsDeterministicAndSensitive(t *testing.T) {
	a := calculateCRC8([]byte{0x02, 0x10, 0x03})
	b := calculateCRC8([]byte{0x02, 0x10, 0x03})
	assert.Equal(t, a, b)

	c := calculateCRC8([]byte{0x02, 0x10, 0x04})
	assert.NotEqual(t, a, c)

	assert.Equal(t, byte(0x00), calculateCRC8(nil))
}

func TestStuffFrameEscapesReservedBytes(t *testing.T) {
	frame := stuffFrame(0x18DA10F1, []byte{serialStartMarker, serialEndMarker, serialEscapeChar})

	require.Equal(t, serialStartMarker, frame[0])
	require.Equal(t, serialEndMarker, frame[len(frame)-1])

	body := frame[1 : len(frame)-1]
	for i := 0; i < len(body)-1; i++ {
		if body[i] == serialEscapeChar {
			assert.Contains(t, []byte{0x01, 0x02, 0x03}, body[i+1])
			i++
		} else {
			assert.NotEqual(t, serialStartMarker, body[i])
			assert.NotEqual(t, serialEndMarker, body[i])
		}
	}
}

func TestStuffFrameRoundTripsThroughUnstuff(t *testing.T) {
	id := uint32(0x18DAF110)
	payload := []byte{0x02, 0x10, serialStartMarker, serialEndMarker, serialEscapeChar, 0x99}
	frame := stuffFrame(id, payload)

	a := &SerialISOTPAdapter{reader: newTestReader(frame)}
	unstuffed, err := a.readAndUnstuff()
	require.NoError(t, err)

	require.Len(t, unstuffed, 5+len(payload)+1)
	assert.Equal(t, id, decodeFrameID(unstuffed))
	assert.Equal(t, byte(len(payload)), unstuffed[4])
	assert.Equal(t, payload, unstuffed[5:5+len(payload)])
	assert.Equal(t, calculateCRC8(payload), unstuffed[5+len(payload)])
}

func TestDecodeFrameIDBigEndian(t *testing.T) {
	raw := []byte{0x18, 0xDA, 0x10, 0xF1, 0x00}
	assert.Equal(t, uint32(0x18DA10F1), decodeFrameID(raw))
}
