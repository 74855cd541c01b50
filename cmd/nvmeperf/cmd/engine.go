package cmd

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/srilakshmi/nvmedirect/config"
	"github.com/srilakshmi/nvmedirect/emulator"
	"github.com/srilakshmi/nvmedirect/nvmedrv"
	"github.com/srilakshmi/nvmedirect/spdkenv"
)

// openDriver builds the configured engine and initializes its environment.
// The returned cleanup releases engine resources.
func openDriver(cfg *config.Config, log *zap.Logger) (*nvmedrv.Driver, func() error, error) {
	var (
		engine  nvmedrv.Engine
		cleanup = func() error { return nil }
	)

	switch cfg.Engine {
	case config.EngineSPDK:
		e, err := spdkenv.New(spdkenv.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		engine = e
	default:
		e := emulator.New(emulator.WithLogger(log.Named("emulator")))
		devices := cfg.Emulator.Devices
		if len(devices) == 0 {
			devices = []emulator.DeviceConfig{{}}
		}
		for i, dc := range devices {
			if _, err := e.AddDevice(dc); err != nil {
				return nil, nil, errors.Join(fmt.Errorf("emulator device %d: %w", i, err), e.Close())
			}
		}
		engine = e
		cleanup = e.Close
	}

	d := nvmedrv.New(engine, nvmedrv.WithLogger(log))
	if err := d.InitEnv(cfg.Env); err != nil {
		return nil, nil, errors.Join(err, cleanup())
	}
	return d, cleanup, nil
}

// discover attaches every controller matching the configured transport, or
// the one given on the command line.
func discover(d *nvmedrv.Driver, trid string) (*nvmedrv.Collector, error) {
	var target *nvmedrv.TransportID
	if trid != "" {
		t, err := nvmedrv.ParseTransportID(trid)
		if err != nil {
			return nil, err
		}
		target = t
	} else {
		target = cfg.TransportID()
	}

	// Priority classes other than urgent need weighted round robin.
	prio := cfg.QueuePriority()
	c := &nvmedrv.Collector{
		Accept: func(_ nvmedrv.TransportID, opts *nvmedrv.ControllerOptions) bool {
			if prio != nvmedrv.PriorityUrgent {
				opts.Arbitration = nvmedrv.ArbitrationWeightedRoundRobin
			}
			return true
		},
	}
	if err := d.Discover(target, c); err != nil {
		return nil, err
	}
	if len(c.Controllers()) == 0 {
		return nil, nvmedrv.ErrNoController
	}
	return c, nil
}
