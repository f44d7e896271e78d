package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeReturnsPositiveCapacity(t *testing.T) {
	info, err := Probe()
	require.NoError(t, err)
	assert.Greater(t, info.CPUs, 0)
	assert.GreaterOrEqual(t, info.MemoryGB, 0)
	assert.GreaterOrEqual(t, info.StorageGB, 0)
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"within range", 16, 16},
		{"at ceiling", 255, 255},
		{"above ceiling", 512, 255},
		{"negative", -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clamp(tt.in))
		})
	}
}
