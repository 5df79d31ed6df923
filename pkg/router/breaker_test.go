package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute)
	for i := 0; i < 2; i++ {
		allowed, _ := b.Allow()
		assert.True(t, allowed)
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	allowed, _ := b.Allow()
	assert.False(t, allowed)
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	allowed, isProbe := b.Allow()
	assert.True(t, allowed)
	assert.True(t, isProbe)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_OnlyOneProbeAtATime(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	_, isProbe1 := b.Allow()
	assert.True(t, isProbe1)

	allowed2, isProbe2 := b.Allow()
	assert.False(t, allowed2)
	assert.False(t, isProbe2)
}

func TestBreaker_SuccessfulProbeCloses(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	allowed, _ := b.Allow()
	assert.True(t, allowed)
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}
