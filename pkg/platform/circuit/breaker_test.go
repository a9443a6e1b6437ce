package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := New("authority-a")
	assert.Equal(t, "authority-a", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.False(t, b.IsOpen())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("x", WithFailureThreshold(3))

	for i := 0; i < 2; i++ {
		open, change := b.RecordFailure()
		assert.False(t, open)
		assert.False(t, change.Opened)
	}

	open, change := b.RecordFailure()
	assert.True(t, open)
	assert.True(t, change.Opened)
	assert.True(t, b.IsOpen())

	// Further failures while open report no transition.
	open, change = b.RecordFailure()
	assert.True(t, open)
	assert.Equal(t, Change{}, change)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("x", WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen(), "streak restarted after the success")

	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	b := New("x", WithFailureThreshold(1), WithSuccessThreshold(2))

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	closed, change := b.RecordSuccess()
	assert.False(t, closed)
	assert.False(t, change.Closed)

	closed, change = b.RecordSuccess()
	assert.True(t, closed)
	assert.True(t, change.Closed)
	assert.False(t, b.IsOpen())
}

func TestBreakerFailureResetsSuccessStreak(t *testing.T) {
	b := New("x", WithFailureThreshold(1), WithSuccessThreshold(3))

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.RecordSuccess()
	b.RecordSuccess()
	assert.True(t, b.IsOpen())
	b.RecordSuccess()
	assert.False(t, b.IsOpen())
}

func TestBreakerReset(t *testing.T) {
	b := New("x", WithFailureThreshold(1))

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
}
