package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 2, FailureWindow: 2, OpenDelaySeconds: 60})
	assert.Equal(t, "CLOSED", b.State())

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, "OPEN", b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_StaysClosedOnSuccess(t *testing.T) {
	b := New(Config{FailureThreshold: 5, FailureWindow: 10, OpenDelaySeconds: 30})
	for i := 0; i < 10; i++ {
		assert.True(t, b.Allow())
		b.RecordSuccess()
	}
	assert.Equal(t, "CLOSED", b.State())
}
