package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManager_EmptyIsHealthy(t *testing.T) {
	m := NewManager(nil)
	assert.True(t, m.IsHealthy())
}

func TestManager_AggregatesStatus(t *testing.T) {
	m := NewManager(nil)
	m.Register("comp1", func() error { return nil })
	m.Register("comp2", func() error { return errors.New("failed") })

	assert.False(t, m.IsHealthy())
	status := m.Status()
	assert.Equal(t, "Healthy", status["comp1"])
	assert.Equal(t, "Unhealthy: failed", status["comp2"])
}

func TestManager_RegisterOverwritesExistingCheck(t *testing.T) {
	m := NewManager(nil)
	m.Register("comp", func() error { return errors.New("broken") })
	assert.False(t, m.IsHealthy())

	m.Register("comp", func() error { return nil })
	assert.True(t, m.IsHealthy())
}
