package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabricwasm/fabric/api"
)

func executeCommand(args ...string) (string, error) {
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRun(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{
			name:     "factorial",
			args:     []string{"run", "factorial", "fac", "20"},
			expected: "i64(2432902008176640000)\n",
		},
		{
			name:     "fibonacci interpreter",
			args:     []string{"run", "fibonacci", "fib", "10", "--engine", "interpreter"},
			expected: "i64(55)\n",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			out, err := executeCommand(tc.args...)
			require.NoError(t, err)
			require.Equal(t, tc.expected, out)
		})
	}
}

func TestRun_Config(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: interpreter\ncall_stack_ceiling: 10\n"), 0o600))

	out, err := executeCommand("run", "factorial", "fac", "5", "--config", path)
	require.NoError(t, err)
	require.Equal(t, "i64(120)\n", out)

	_, err = executeCommand("run", "factorial", "fac", "20", "--config", path)
	require.ErrorIs(t, err, api.ErrTrapStackOverflow)
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expectedErr string
	}{
		{
			name:        "unknown module",
			args:        []string{"run", "nope", "fac"},
			expectedErr: `unknown module "nope", expected one of [factorial fibonacci]`,
		},
		{
			name:        "unknown export",
			args:        []string{"run", "factorial", "fib", "1"},
			expectedErr: `module "factorial" has no exported function "fib"`,
		},
		{
			name:        "param count",
			args:        []string{"run", "factorial", "fac"},
			expectedErr: "fac: expected 1 params, but passed 0",
		},
		{
			name:        "param syntax",
			args:        []string{"run", "fibonacci", "fib", "x"},
			expectedErr: `fib: param[0]: strconv.ParseInt: parsing "x": invalid syntax`,
		},
		{
			name:        "unknown engine",
			args:        []string{"run", "factorial", "fac", "1", "--engine", "jit"},
			expectedErr: `unknown engine "jit", expected "compiler" or "interpreter"`,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := executeCommand(tc.args...)
			require.EqualError(t, err, tc.expectedErr)
		})
	}
}

func TestEncode(t *testing.T) {
	out, err := executeCommand("encode", "factorial")
	require.NoError(t, err)
	require.Equal(t, "\x00asm\x01\x00\x00\x00", out[:8])

	path := filepath.Join(t.TempDir(), "factorial.wasm")
	_, err = executeCommand("encode", "factorial", "-o", path)
	require.NoError(t, err)
	bin, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, out, string(bin))
}

func TestList(t *testing.T) {
	out, err := executeCommand("list")
	require.NoError(t, err)
	require.Equal(t, "factorial\tfac\ti64_i64\nfibonacci\tfib\ti32_i64\n", out)
}
