// Package host implements the in-process device: buffers are ordinary host
// tensors and transfers are copies. It is always available and serves as the
// default placement target.
package host

import (
	"github.com/pkg/errors"

	"github.com/sympile/sympile/backends"
	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
)

func init() {
	backends.Register(backends.HostDeviceName, func() (backends.Backend, error) {
		return &hostBackend{}, nil
	})
}

type hostBackend struct{}

func (b *hostBackend) Name() string { return backends.HostDeviceName }

// hostBuffer wraps a host tensor as a device buffer.
type hostBuffer struct {
	t *tensors.Tensor
}

func (hb *hostBuffer) Shape() shapes.Shape { return hb.t.Shape() }

func (hb *hostBuffer) Finalize() { hb.t.Finalize() }

func (b *hostBackend) Allocate(shape shapes.Shape) (backends.Buffer, error) {
	if !shape.Ok() || !shape.IsFullyDefined() {
		return nil, errors.Errorf("host: cannot allocate a buffer for shape %s", shape)
	}
	return &hostBuffer{t: tensors.FromShape(shape)}, nil
}

func (b *hostBackend) FromHost(t *tensors.Tensor) (backends.Buffer, error) {
	t.AssertValid()
	return &hostBuffer{t: t.Clone()}, nil
}

func (b *hostBackend) ToHost(buf backends.Buffer) (*tensors.Tensor, error) {
	hb, ok := buf.(*hostBuffer)
	if !ok {
		return nil, errors.Errorf("host: foreign buffer of type %T", buf)
	}
	return hb.t.Clone(), nil
}

// Synchronize is a no-op: host execution is synchronous.
func (b *hostBackend) Synchronize() error { return nil }
