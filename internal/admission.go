package internal

import (
	"sync"
	"sync/atomic"

	"github.com/vbohinc/burrow-mq/logger"
)

// connectionAdmission is the per-port connection counter with bounds,
// warning hysteresis and a closing gate used to drain the port.
//
// The warning fires once when the count crosses maxOpen*warnPercent/100
// upward and re-arms only after the count falls below
// maxOpen*warnPercent²/10000; the squared threshold leaves a deliberate
// gap so the log cannot flap around the boundary.
type connectionAdmission struct {
	maxOpen     int
	warnPercent int

	count        atomic.Int32
	warningGiven atomic.Bool
	closing      atomic.Bool

	drained     chan struct{}
	drainedOnce sync.Once

	events *logger.EventLogger
}

func newConnectionAdmission(maxOpen, warnPercent int, events *logger.EventLogger) *connectionAdmission {
	return &connectionAdmission{
		maxOpen:     maxOpen,
		warnPercent: warnPercent,
		drained:     make(chan struct{}),
		events:      events,
	}
}

// Increment records an accepted connection and returns the new count.
func (a *connectionAdmission) Increment() int {
	open := int(a.count.Add(1))
	if a.maxOpen > 0 &&
		open > (a.maxOpen*a.warnPercent)/100 &&
		a.warningGiven.CompareAndSwap(false, true) {
		a.events.Message(logger.EventPortConnectionCountWarn,
			"%d connections open, %d%% of the maximum %d", open, a.warnPercent, a.maxOpen)
	}
	return open
}

// Decrement records a closed connection and returns the new count.
func (a *connectionAdmission) Decrement() int {
	open := int(a.count.Add(-1))

	if a.maxOpen > 0 && open*10000 < a.maxOpen*a.warnPercent*a.warnPercent {
		a.warningGiven.CompareAndSwap(true, false)
	}

	if a.closing.Load() && a.count.Load() == 0 {
		a.signalDrained()
	}
	return open
}

// CanAccept decides admission for a new connection before any handshake
// work is done.
func (a *connectionAdmission) CanAccept(remoteAddr string) bool {
	if a.closing.Load() {
		a.events.Message(logger.EventPortConnectionRejectedClosed,
			"connection from %s rejected: port is closing", remoteAddr)
		return false
	}
	if a.maxOpen > 0 && int(a.count.Load()) >= a.maxOpen {
		a.events.Message(logger.EventPortConnectionRejectedTooMany,
			"connection from %s rejected: maximum %d connections already open", remoteAddr, a.maxOpen)
		return false
	}
	return true
}

// Close latches the closing gate; the returned channel is closed once no
// connections remain.
func (a *connectionAdmission) Close() <-chan struct{} {
	a.closing.Store(true)
	if a.count.Load() == 0 {
		a.signalDrained()
	}
	return a.drained
}

func (a *connectionAdmission) IsClosing() bool {
	return a.closing.Load()
}

func (a *connectionAdmission) Count() int {
	return int(a.count.Load())
}

func (a *connectionAdmission) signalDrained() {
	a.drainedOnce.Do(func() { close(a.drained) })
}
