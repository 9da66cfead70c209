package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zcm/internal/core/zcm"
)

func TestReadBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Millisecond, readBackoff(1))
	assert.Equal(t, 4*time.Millisecond, readBackoff(2))
	assert.Equal(t, 512*time.Millisecond, readBackoff(9))
	assert.Equal(t, time.Second, readBackoff(10))
	assert.Equal(t, time.Second, readBackoff(1000))
	for i := 1; i < 50; i++ {
		require.LessOrEqual(t, readBackoff(i), readBackoff(i+1))
	}
}

func TestUDPMRejectsUnicastGroup(t *testing.T) {
	_, err := NewUDPMMedium(UDPMOptions{Group: "127.0.0.1:7667"})
	require.ErrorIs(t, err, zcm.ErrInvalidArgument)
}
