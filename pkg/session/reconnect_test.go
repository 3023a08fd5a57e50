package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectPolicyDoubles(t *testing.T) {
	p := newReconnectPolicy(500*time.Millisecond, 4)
	for i, want := range []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second} {
		d, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, want, d)
		assert.Equal(t, i+1, p.Attempt())
	}
	_, err := p.Next()
	assert.ErrorIs(t, err, ErrMaxReconnectExceeded)

	p.Reset()
	assert.Equal(t, 0, p.Attempt())
	d, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, d)
}
