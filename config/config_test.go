package config

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestFromEnvironmentDefaults(t *testing.T) {
	t.Setenv("SYMPILE_DEVICE", "")
	t.Setenv("SYMPILE_FLOATX", "")
	t.Setenv("SYMPILE_OPT", "")
	t.Setenv("SYMPILE_STRICT_DEVICE", "")

	opts := FromEnvironment()
	require.Equal(t, "host", opts.Device)
	require.Equal(t, dtypes.Float64, opts.FloatX)
	require.Equal(t, OptDefault, opts.Opt)
	require.False(t, opts.StrictDevice)
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv("SYMPILE_DEVICE", "mirror0")
	t.Setenv("SYMPILE_FLOATX", "Float32")
	t.Setenv("SYMPILE_OPT", "AGGRESSIVE")
	t.Setenv("SYMPILE_STRICT_DEVICE", "true")

	opts := FromEnvironment()
	require.Equal(t, "mirror0", opts.Device)
	require.Equal(t, dtypes.Float32, opts.FloatX)
	require.Equal(t, OptAggressive, opts.Opt)
	require.True(t, opts.StrictDevice)
}

func TestFromEnvironmentUnparsableKeepsDefaults(t *testing.T) {
	t.Setenv("SYMPILE_DEVICE", "")
	t.Setenv("SYMPILE_FLOATX", "float128")
	t.Setenv("SYMPILE_OPT", "turbo")
	t.Setenv("SYMPILE_STRICT_DEVICE", "maybe")

	opts := FromEnvironment()
	require.Equal(t, dtypes.Float64, opts.FloatX)
	require.Equal(t, OptDefault, opts.Opt)
	require.False(t, opts.StrictDevice)
}
