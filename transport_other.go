//go:build !linux && !darwin && !js

package bpmlink

import (
	"fmt"
	"runtime"
)

// NewDefaultTransport fails: there is no radio backend for this platform.
// Use NewSession with a Transport of your own instead.
func NewDefaultTransport(cfg Config) (Transport, error) {
	return nil, fmt.Errorf("%w: no bluetooth backend for %s", ErrRadioUnavailable, runtime.GOOS)
}
