package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClosedByDefault(t *testing.T) {
	b := New(3, time.Minute)
	assert.True(t, b.Allow("bot01"))
	assert.Equal(t, StateClosed, b.State("bot01"))
}

func TestTripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		b.RecordFailure("bot01")
	}
	assert.Equal(t, StateOpen, b.State("bot01"))
	assert.False(t, b.Allow("bot01"))
	// Other keys unaffected.
	assert.True(t, b.Allow("bot02"))
}

func TestHalfOpenProbe(t *testing.T) {
	b := New(2, 10*time.Millisecond)
	b.RecordFailure("bot01")
	b.RecordFailure("bot01")
	assert.False(t, b.Allow("bot01"))

	time.Sleep(15 * time.Millisecond)

	// First call after the open window is the probe.
	assert.True(t, b.Allow("bot01"))
	assert.Equal(t, StateHalfOpen, b.State("bot01"))
	// No second probe while one is in flight.
	assert.False(t, b.Allow("bot01"))

	b.RecordSuccess("bot01")
	assert.Equal(t, StateClosed, b.State("bot01"))
	assert.True(t, b.Allow("bot01"))
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(2, 10*time.Millisecond)
	b.RecordFailure("bot01")
	b.RecordFailure("bot01")

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow("bot01"))

	b.RecordFailure("bot01")
	assert.Equal(t, StateOpen, b.State("bot01"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)
	b.RecordFailure("bot01")
	b.RecordFailure("bot01")
	b.RecordSuccess("bot01")
	b.RecordFailure("bot01")
	b.RecordFailure("bot01")
	assert.Equal(t, StateClosed, b.State("bot01"))
}
