package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowConsumesTokens(t *testing.T) {
	rl := New(3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("cron"))
	}
	assert.False(t, rl.Allow("cron"))
}

func TestCallersAreIndependent(t *testing.T) {
	rl := New(1)

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
}
