package playsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMasterSelector(t *testing.T) {
	s := NewMasterSelector(3)
	assert.Equal(t, 0, s.Index())
	assert.True(t, s.IsMaster(0))

	assert.NoError(t, s.Set(2))
	assert.Equal(t, 2, s.Index())
	assert.False(t, s.IsMaster(0))

	assert.ErrorIs(t, s.Set(3), ErrInvalidMasterIndex)
	assert.ErrorIs(t, s.Set(-1), ErrInvalidMasterIndex)
	assert.Equal(t, 2, s.Index(), "rejected index must keep the previous master")
}
