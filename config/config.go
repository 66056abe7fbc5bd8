// Package config holds the global compile-time options: device selection,
// default floating precision, optimizer aggressiveness and device-failure
// strictness. The compiler consults them as read-only inputs; they never
// change the semantics of a graph, only how it is compiled.
//
// Options come from the environment, read once:
//
//	SYMPILE_DEVICE        default device name (default "host")
//	SYMPILE_FLOATX        default float dtype: float16, float32 or float64
//	SYMPILE_OPT           optimizer level: none, default or aggressive
//	SYMPILE_STRICT_DEVICE "1"/"true" makes an unavailable device fatal
//	                      instead of a logged fallback to the host
package config

import (
	"os"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// Optimizer levels.
const (
	// OptNone disables graph rewriting: the graph compiles as built.
	OptNone = "none"

	// OptDefault runs the standard rewrite stages to their fixpoint bound.
	OptDefault = "default"

	// OptAggressive is OptDefault with a higher fixpoint bound.
	OptAggressive = "aggressive"
)

// Options are the global compile-time settings.
type Options struct {
	// Device is the default device for unannotated nodes.
	Device string

	// FloatX is the default floating dtype of values created without an
	// explicit dtype.
	FloatX dtypes.DType

	// Opt is the optimizer level: OptNone, OptDefault or OptAggressive.
	Opt string

	// StrictDevice makes requesting an unavailable device fatal. Without it
	// compilation falls back to the host with a warning.
	StrictDevice bool
}

var (
	globalOnce sync.Once
	global     Options
)

// Get returns the global options, reading the environment on first use.
func Get() Options {
	globalOnce.Do(func() {
		global = FromEnvironment()
	})
	return global
}

// FromEnvironment builds Options from the SYMPILE_* environment variables,
// falling back to defaults on unset or unparsable values.
func FromEnvironment() Options {
	opts := Options{
		Device: "host",
		FloatX: dtypes.Float64,
		Opt:    OptDefault,
	}
	if device := os.Getenv("SYMPILE_DEVICE"); device != "" {
		opts.Device = device
	}
	switch floatX := strings.ToLower(os.Getenv("SYMPILE_FLOATX")); floatX {
	case "":
	case "float16":
		opts.FloatX = dtypes.Float16
	case "float32":
		opts.FloatX = dtypes.Float32
	case "float64":
		opts.FloatX = dtypes.Float64
	default:
		klog.Warningf("config: unknown SYMPILE_FLOATX=%q, keeping %s", floatX, opts.FloatX)
	}
	switch opt := strings.ToLower(os.Getenv("SYMPILE_OPT")); opt {
	case "":
	case OptNone, OptDefault, OptAggressive:
		opts.Opt = opt
	default:
		klog.Warningf("config: unknown SYMPILE_OPT=%q, keeping %q", opt, opts.Opt)
	}
	switch strict := strings.ToLower(os.Getenv("SYMPILE_STRICT_DEVICE")); strict {
	case "", "0", "false":
	case "1", "true":
		opts.StrictDevice = true
	default:
		klog.Warningf("config: unknown SYMPILE_STRICT_DEVICE=%q, keeping %v", strict, opts.StrictDevice)
	}
	return opts
}
