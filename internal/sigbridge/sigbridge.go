//go:build !windows

// Package sigbridge converts asynchronous child-death signals into events a
// cooperative loop can consume. The runtime's signal handler performs the one
// async-signal-safe action (a non-blocking send on a buffered channel) and
// coalesces bursts, which matches the classic self-pipe contract: the
// consumer sees "one or more children may have exited" and sweeps with a
// non-blocking wait.
package sigbridge

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// Bridge owns the SIGCHLD subscription.
type Bridge struct {
	ch chan os.Signal
}

// New installs the SIGCHLD handler. The returned bridge fires whenever at
// least one child may have exited; events are coalesced, never queued.
func New() *Bridge {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGCHLD)
	return &Bridge{ch: ch}
}

// C is the event channel. Receivers must follow each receive with a full
// reap sweep, since multiple exits can collapse into one event.
func (b *Bridge) C() <-chan os.Signal { return b.ch }

// Close releases the signal subscription.
func (b *Bridge) Close() {
	signal.Stop(b.ch)
}
