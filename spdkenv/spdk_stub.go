//go:build !(cgo && spdk)

package spdkenv

import (
	"go.uber.org/zap"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

// Engine is a placeholder when SPDK is not compiled in.
type Engine struct {
	logger *zap.Logger
}

var _ nvmedrv.Engine = (*Engine)(nil)

// New reports that SPDK support is not compiled in.
func New(opts ...Option) (*Engine, error) {
	return nil, ErrUnavailable
}

func (e *Engine) setLogger(l *zap.Logger) { e.logger = l }

func (e *Engine) InitEnv(nvmedrv.EnvOptions) error { return ErrUnavailable }

func (e *Engine) Probe(*nvmedrv.TransportID, nvmedrv.NativeProbeFunc, nvmedrv.NativeAttachFunc) error {
	return ErrUnavailable
}

func (e *Engine) AllocDMA(int, int, bool) nvmedrv.DMARegion { return nil }
