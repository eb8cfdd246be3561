package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 30 * time.Second, Max: 300 * time.Second}

	for retry, want := range []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second} {
		d, err := b.Delay(retry)
		require.NoError(t, err)
		assert.Equal(t, want, d, "failure %d", retry+1)
	}
	// 480s exceeds the maximum on the fourth failure
	_, err := b.Delay(3)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	_, err = b.Delay(100)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestBackoffDelayAtMax(t *testing.T) {
	d, err := Backoff{Initial: 150 * time.Second, Max: 300 * time.Second}.Delay(0)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, d)
}

func TestBackoffInitialAboveMax(t *testing.T) {
	_, err := Backoff{Initial: time.Hour, Max: time.Minute}.Delay(0)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}
