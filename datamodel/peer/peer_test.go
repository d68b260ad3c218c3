package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionInformationBasics(t *testing.T) {
	ci, err := NewConnectionInformation("127.0.0.1", 123, 10*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", ci.HostAddress())
	assert.Equal(t, 123, ci.PortNumber())
	assert.Equal(t, 10*time.Millisecond, ci.SuggestedTCPTimeout())
	assert.Equal(t, "127.0.0.1:123", ci.Address())
}

func TestConnectionInformationRejectsBadPorts(t *testing.T) {
	for _, port := range []int{-1, 65536, 90000} {
		_, err := NewConnectionInformation("foo.bar", port, DefaultTCPTimeout)
		assert.Error(t, err, "port %d", port)
	}

	_, err := NewConnectionInformation("foo.bar", 0, DefaultTCPTimeout)
	assert.NoError(t, err)
	_, err = NewConnectionInformation("foo.bar", 65535, DefaultTCPTimeout)
	assert.NoError(t, err)
}

func TestConnectionInformationEqual(t *testing.T) {
	a, _ := NewConnectionInformation("10.0.0.1", 4000, time.Second)
	b, _ := NewConnectionInformation("10.0.0.1", 4000, time.Second)
	c, _ := NewConnectionInformation("10.0.0.1", 4001, time.Second)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}
