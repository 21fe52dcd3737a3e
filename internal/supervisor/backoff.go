package supervisor

import "time"

// Backoff bounds for crash restarts.
const (
	MinBackoff = time.Millisecond
	MaxBackoff = 5 * time.Minute
)

// decayResetMinutes is the uptime beyond which accumulated backoff is
// forgotten entirely. Halving once per minute, 31 minutes is enough to decay
// the cap back below the floor.
const decayResetMinutes = 31

// NextBackoff computes the restart delay after a crash. The current backoff
// first decays by halving once per full minute the service stayed up, and is
// dropped to zero entirely after 31 minutes; the survivor is then doubled,
// clamped to [MinBackoff, MaxBackoff].
//
// Uptime is measured from the previous restart decision, not from the moment
// the process came up.
func NextBackoff(cur, uptime time.Duration) time.Duration {
	if uptime < 0 {
		uptime = 0
	}
	minutes := int(uptime / time.Minute)
	if minutes >= decayResetMinutes {
		cur = 0
	} else {
		cur >>= uint(minutes)
	}
	next := cur * 2
	if next < MinBackoff {
		next = MinBackoff
	}
	if next > MaxBackoff {
		next = MaxBackoff
	}
	return next
}
