package ssstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnconfiguredProcessorNeverSupported(t *testing.T) {
	tr := New()
	tr.InitMaster(APPS, ADSP|SDSP)
	tr.Set(APPS, ADSP|SDSP, Up)
	assert.False(t, tr.IsSupported(APPS, CDSP))
}

func TestConfiguredButDownIsUnsupported(t *testing.T) {
	tr := New()
	tr.InitMaster(APPS, ADSP)
	assert.False(t, tr.IsSupported(APPS, ADSP))
	tr.Set(APPS, ADSP, Up)
	assert.True(t, tr.IsSupported(APPS, ADSP))
	tr.Set(APPS, ADSP, Down)
	assert.False(t, tr.IsSupported(APPS, ADSP))
}

func TestCallbackFiresOnlyOnChange(t *testing.T) {
	tr := New()
	tr.InitMaster(APPS, ADSP)
	calls := 0
	tr.RegisterCallback(func(master, changed uint32, state State) { calls++ })
	tr.Set(APPS, ADSP, Up)
	tr.Set(APPS, ADSP, Up) // no transition, no callback
	assert.Equal(t, 1, calls)
}

func TestGetReturnsZeroForUnknownMaster(t *testing.T) {
	tr := New()
	assert.Equal(t, uint32(0), tr.Get(MDSP))
}
