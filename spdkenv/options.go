// Package spdkenv implements the nvmedrv engine on top of SPDK. It is only
// functional when built with cgo and the spdk build tag; otherwise New
// returns ErrUnavailable.
package spdkenv

import (
	"errors"

	"go.uber.org/zap"
)

// ErrUnavailable is returned by New when the binary was built without SPDK.
var ErrUnavailable = errors.New("spdk engine not built in (requires cgo and -tags spdk)")

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.setLogger(l)
		}
	}
}
