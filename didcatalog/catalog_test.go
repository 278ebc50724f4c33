package didcatalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStandardResolveAndDecode(t *testing.T) {
	s := NewStandard()

	did, ok := s.Resolve("VIN")
	assert.True(t, ok)
	assert.Equal(t, uint16(0xF190), did)

	value, ok := s.Decode(0xF190, []byte("1HGCM82633A004352"))
	assert.True(t, ok)
	assert.Equal(t, "1HGCM82633A004352", value)

	_, ok = s.Decode(0x1234, []byte("nope"))
	assert.False(t, ok)

	_, ok = s.Resolve("notARealParameter")
	assert.False(t, ok)
}

func TestIsStandardIdentification(t *testing.T) {
	assert.True(t, IsStandardIdentification(0xF180))
	assert.True(t, IsStandardIdentification(0xF19E))
	assert.False(t, IsStandardIdentification(0xF19F))
	assert.False(t, IsStandardIdentification(0x0100))
}

func TestParseHex(t *testing.T) {
	did, err := ParseHex("0xF190")
	assert.NoError(t, err)
	assert.Equal(t, uint16(0xF190), did)

	_, err = ParseHex("not-hex")
	assert.Error(t, err)
}
