package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffDoublesOnQuickCrash(t *testing.T) {
	b := time.Duration(0)
	want := []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond,
		8 * time.Millisecond, 16 * time.Millisecond,
	}
	for i, w := range want {
		b = NextBackoff(b, 0)
		assert.Equal(t, w, b, "crash %d", i+1)
	}
}

func TestNextBackoffClampsAtMax(t *testing.T) {
	b := MinBackoff
	for i := 0; i < 40; i++ {
		b = NextBackoff(b, 0)
	}
	assert.Equal(t, MaxBackoff, b)
	// Staying at the cap is stable.
	assert.Equal(t, MaxBackoff, NextBackoff(b, 0))
}

func TestNextBackoffDecaysPerMinuteOfUptime(t *testing.T) {
	cur := 8 * time.Second

	// Less than a full minute: no decay, straight doubling.
	assert.Equal(t, 16*time.Second, NextBackoff(cur, 59*time.Second))

	// One full minute halves once before doubling.
	assert.Equal(t, 8*time.Second, NextBackoff(cur, time.Minute))

	// Three minutes halve three times.
	assert.Equal(t, 2*time.Second, NextBackoff(cur, 3*time.Minute))
}

func TestNextBackoffResetAfterLongUptime(t *testing.T) {
	// 30 minutes still decays by shifting.
	assert.Equal(t, MinBackoff, NextBackoff(MaxBackoff, 30*time.Minute))

	// 31 minutes and beyond forget the history outright.
	assert.Equal(t, MinBackoff, NextBackoff(MaxBackoff, 31*time.Minute))
	assert.Equal(t, MinBackoff, NextBackoff(MaxBackoff, 24*time.Hour))
}

func TestNextBackoffNegativeUptime(t *testing.T) {
	// Clock skew must not panic the shift.
	assert.Equal(t, 2*time.Second, NextBackoff(time.Second, -time.Minute))
}
