package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "two failures must not trip a threshold of three")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	// After the timeout the next Allow admits a probe and half-opens.
	time.Sleep(150 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	// Failed probe reopens.
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)
	cb.Allow()

	// Successful probe closes and resets the failure count.
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.failures)
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.Failure()
	cb.Failure()
	cb.Success()
	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "success must reset the consecutive failure count")
}
