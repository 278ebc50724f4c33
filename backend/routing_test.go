package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitEntityPrefix(t *testing.T) {
	child, local, ok := SplitEntityPrefix("engine/vin")
	assert.True(t, ok)
	assert.Equal(t, "engine", child)
	assert.Equal(t, "vin", local)

	child, local, ok = SplitEntityPrefix("gateway/apps/engine/vin")
	assert.True(t, ok)
	assert.Equal(t, "gateway", child)
	assert.Equal(t, "apps/engine/vin", local)

	_, _, ok = SplitEntityPrefix("vin")
	assert.False(t, ok)
}

func TestPrefixedID(t *testing.T) {
	assert.Equal(t, "engine/vin", PrefixedID("vin", "engine"))
	assert.Equal(t, "vin", PrefixedID("vin", ""))
}
