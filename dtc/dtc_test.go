package dtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStatus(t *testing.T) {
	s := DecodeStatus(0b10010101)
	assert.True(t, s.TestFailed)
	assert.False(t, s.TestFailedThisCycle)
	assert.True(t, s.Pending)
	assert.False(t, s.Confirmed)
	assert.True(t, s.TestNotCompletedSinceLastClear)
	assert.False(t, s.TestFailedSinceLastClear)
	assert.False(t, s.TestNotCompletedThisCycle)
	assert.True(t, s.WarningIndicator)
	assert.Equal(t, byte(0b10010101), s.Byte())
}

func TestDecodeDTCShortRecord(t *testing.T) {
	_, err := DecodeDTC([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestDTCCodeAndCategory(t *testing.T) {
	tests := []struct {
		name string
		high byte
		mid  byte
		want string
		cat  Category
	}{
		{"powertrain", 0x03, 0x01, "P0301", Powertrain},
		{"chassis", 0x43, 0x01, "C0301", Chassis},
		{"body", 0x83, 0x01, "B0301", Body},
		{"network", 0xC3, 0x01, "U0301", Network},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DecodeDTC([]byte{tt.high, tt.mid, 0x00, 0x08})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Code())
			assert.Equal(t, tt.cat, d.Category())
		})
	}
}

func TestMaskForCategory(t *testing.T) {
	assert.Equal(t, GroupPowertrain, MaskForCategory(Powertrain))
	assert.Equal(t, GroupChassis, MaskForCategory(Chassis))
	assert.Equal(t, GroupBody, MaskForCategory(Body))
	assert.Equal(t, GroupNetwork, MaskForCategory(Network))
}

func TestRawID(t *testing.T) {
	d, err := DecodeDTC([]byte{0x01, 0x02, 0x03, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x010203), d.RawID())
}
