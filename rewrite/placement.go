package rewrite

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sympile/sympile/backends"
	"github.com/sympile/sympile/graph"
)

// PlacementPass annotates every Apply with the device it should execute on.
//
// Nodes keep an explicit annotation set earlier (by the user or a previous
// pass) when that device is available. Unannotated nodes get the configured
// default device. An annotation naming an unavailable device is handled per
// the Strict setting: strict placement aborts compilation with
// backends.ErrDeviceUnavailable, lenient placement logs a warning and falls
// back to the default device.
type PlacementPass struct {
	// DefaultDevice receives every unannotated node. Empty means the host.
	DefaultDevice string

	// Strict makes an unavailable annotated device a fatal error instead of
	// a logged fallback.
	Strict bool
}

// Name implements Pass.
func (p *PlacementPass) Name() string { return "device-placement" }

// Run implements Pass. Placement never reports a change: it only fills
// annotations, which no other pass observes, so it must not keep the engine's
// fixpoint loop running.
func (p *PlacementPass) Run(fg *graph.FunctionGraph) (bool, error) {
	defaultDevice := p.DefaultDevice
	if defaultDevice == "" {
		defaultDevice = backends.HostDeviceName
	}
	if !backends.IsAvailable(defaultDevice) {
		if p.Strict {
			return false, errors.WithMessagef(backends.ErrDeviceUnavailable,
				"default device %q", defaultDevice)
		}
		klog.Warningf("rewrite: default device %q unavailable, falling back to %q (available: %v)",
			defaultDevice, backends.HostDeviceName, backends.List())
		defaultDevice = backends.HostDeviceName
	}
	for _, node := range fg.Applies() {
		device := node.Device()
		if device == "" {
			node.SetDevice(defaultDevice)
			continue
		}
		if backends.IsAvailable(device) {
			continue
		}
		if p.Strict {
			return false, errors.WithMessagef(backends.ErrDeviceUnavailable,
				"node %s placed on device %q", node, device)
		}
		klog.Warningf("rewrite: node %s placed on unavailable device %q, falling back to %q",
			node, device, defaultDevice)
		node.SetDevice(defaultDevice)
	}
	return false, nil
}
