package fabric

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	internalwasm "github.com/fabricwasm/fabric/internal/wasm"
)

func TestRuntimeConfig(t *testing.T) {
	logger := zap.NewNop()
	tests := []struct {
		name     string
		with     func(*RuntimeConfig) *RuntimeConfig
		expected RuntimeConfig
	}{
		{
			name:     "defaults",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c },
			expected: RuntimeConfig{memoryLimitPages: 256, callStackCeiling: 2000},
		},
		{
			name:     "WithMemoryLimitPages",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithMemoryLimitPages(1) },
			expected: RuntimeConfig{memoryLimitPages: 1, callStackCeiling: 2000},
		},
		{
			name:     "WithMemoryLimitPages caps to 65535",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithMemoryLimitPages(65536) },
			expected: RuntimeConfig{memoryLimitPages: 65535, callStackCeiling: 2000},
		},
		{
			name:     "WithCallStackCeiling",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithCallStackCeiling(10) },
			expected: RuntimeConfig{memoryLimitPages: 256, callStackCeiling: 10},
		},
		{
			name:     "WithCompilationWorkers",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithCompilationWorkers(3) },
			expected: RuntimeConfig{memoryLimitPages: 256, callStackCeiling: 2000, compilationWorkers: 3},
		},
		{
			name:     "WithLogger",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithLogger(logger) },
			expected: RuntimeConfig{memoryLimitPages: 256, callStackCeiling: 2000, logger: logger},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			input := NewRuntimeConfig()
			rc := tc.with(input)

			// The function field can't be compared, so clear it after checking the engine.
			require.Equal(t, "compiler", rc.Engine())
			actual := *rc
			actual.newBackend = nil
			require.Equal(t, tc.expected, actual)

			// The input wasn't modified.
			require.Equal(t, internalwasm.DefaultMemoryLimitPages, input.memoryLimitPages)
			require.Equal(t, internalwasm.DefaultCallStackCeiling, input.callStackCeiling)
		})
	}
}

func TestRuntimeConfig_Engine(t *testing.T) {
	require.Equal(t, "compiler", NewRuntimeConfigCompiler().Engine())
	require.Equal(t, "interpreter", NewRuntimeConfigInterpreter().Engine())
	require.Equal(t, "interpreter", NewRuntimeConfigInterpreter().WithCallStackCeiling(1).Engine())
}
