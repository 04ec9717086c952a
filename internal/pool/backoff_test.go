package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, base := range expected {
		d := b.Next()
		assert.GreaterOrEqual(t, d, base, "step %d", i)
		assert.LessOrEqual(t, d, base+base/10+time.Millisecond, "step %d", i)
	}
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)

	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, b.Next(), 30*time.Second, "step %d", i)
	}
}

func TestBackoffResetRewinds(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)

	b.Next()
	b.Next()
	b.Next()
	b.Reset()

	d := b.Next()
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 2*time.Second)
}
