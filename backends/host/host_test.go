package host

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/sympile/sympile/backends"
	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
)

func TestHostBackendRegistered(t *testing.T) {
	require.True(t, backends.IsAvailable(backends.HostDeviceName))
	require.Contains(t, backends.List(), backends.HostDeviceName)

	_, err := backends.New("no-such-device")
	require.ErrorIs(t, err, backends.ErrDeviceUnavailable)
}

func TestHostBackendRoundTrip(t *testing.T) {
	backend, err := backends.New(backends.HostDeviceName)
	require.NoError(t, err)

	value := tensors.FromValue([]float64{1, 2, 3})
	buf, err := backend.FromHost(value)
	require.NoError(t, err)
	require.True(t, buf.Shape().Equal(value.Shape()))

	back, err := backend.ToHost(buf)
	require.NoError(t, err)
	require.True(t, back.Equal(value))

	// The transfer copies: finalizing the buffer leaves both host tensors
	// alive.
	buf.Finalize()
	require.Equal(t, []float64{1, 2, 3}, value.Value())
	require.Equal(t, []float64{1, 2, 3}, back.Value())
}

func TestHostBackendAllocate(t *testing.T) {
	backend, err := backends.New(backends.HostDeviceName)
	require.NoError(t, err)

	buf, err := backend.Allocate(shapes.Make(dtypes.Float32, 2, 2))
	require.NoError(t, err)
	host, err := backend.ToHost(buf)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{0, 0}, {0, 0}}, host.Value())

	_, err = backend.Allocate(shapes.MakePartial(dtypes.Float32, shapes.UnknownDim))
	require.Error(t, err)
	require.NoError(t, backend.Synchronize())
}
