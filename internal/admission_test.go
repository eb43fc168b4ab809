package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbohinc/burrow-mq/logger"
)

func newTestAdmission(maxOpen, warnPercent int) *connectionAdmission {
	return newConnectionAdmission(maxOpen, warnPercent, logger.NewEventLogger(&logger.NilLogger{}))
}

func TestAdmission_RejectsAtMax(t *testing.T) {
	a := newTestAdmission(2, 80)

	assert.True(t, a.CanAccept("10.0.0.1:1111"))
	a.Increment()
	assert.True(t, a.CanAccept("10.0.0.1:2222"))
	a.Increment()

	assert.False(t, a.CanAccept("10.0.0.1:3333"), "third connection must be rejected")

	a.Decrement()
	assert.True(t, a.CanAccept("10.0.0.1:4444"), "capacity freed, accept again")
}

func TestAdmission_UnboundedWhenMaxZero(t *testing.T) {
	a := newTestAdmission(0, 80)
	for i := 0; i < 100; i++ {
		assert.True(t, a.CanAccept("addr"))
		a.Increment()
	}
}

func TestAdmission_WarningHysteresis(t *testing.T) {
	// max=10, warn=50%: the warning arms above 5 and re-arms only below
	// 10*50²/10000 = 2.5.
	a := newTestAdmission(10, 50)

	for i := 0; i < 6; i++ {
		a.Increment()
	}
	assert.True(t, a.warningGiven.Load(), "warning fires crossing the upper threshold")

	// Additional increments must not re-fire; the latch stays set.
	a.Increment()
	assert.True(t, a.warningGiven.Load())

	// Dropping to 3 is above the squared threshold: no re-arm yet.
	for i := 0; i < 4; i++ {
		a.Decrement()
	}
	assert.Equal(t, 3, a.Count())
	assert.True(t, a.warningGiven.Load(), "must not re-arm inside the hysteresis gap")

	// Dropping below 2.5 re-arms.
	a.Decrement()
	assert.False(t, a.warningGiven.Load(), "warning re-arms below the squared threshold")

	// The next upward crossing fires again.
	for i := 0; i < 5; i++ {
		a.Increment()
	}
	assert.True(t, a.warningGiven.Load())
}

func TestAdmission_ClosingGate(t *testing.T) {
	a := newTestAdmission(10, 80)
	a.Increment()
	a.Increment()

	drained := a.Close()
	assert.False(t, a.CanAccept("addr"), "closing port rejects new connections")

	select {
	case <-drained:
		t.Fatal("drained signalled while connections remain")
	default:
	}

	a.Decrement()
	a.Decrement()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drained not signalled after last connection closed")
	}
}

func TestAdmission_CloseWithNoConnectionsSignalsImmediately(t *testing.T) {
	a := newTestAdmission(10, 80)
	drained := a.Close()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drained not signalled for an idle port")
	}
	require.True(t, a.IsClosing())
}
