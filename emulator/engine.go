// Package emulator is a pure-Go NVMe engine. It simulates controllers with
// namespaces backed by memory or memory mapped files, so the driver library
// can run without hugepages, devices or SPDK.
package emulator

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

var (
	ErrTransportUnavailable = errors.New("transport not available")
	ErrPCIDisabled          = errors.New("pci access disabled")
	ErrConnectFailed        = errors.New("controller failed to connect")
	ErrNoQueuePairs         = errors.New("no io queue pairs available")
	ErrPriorityUnsupported  = errors.New("queue priority requires weighted round robin arbitration")
	ErrDuplicateDevice      = errors.New("device already registered")
)

// CompletionOrder controls the order in which a poll reports the completions
// it reaps.
type CompletionOrder int

const (
	InOrder CompletionOrder = iota
	Reversed
)

// Engine implements nvmedrv.Engine with simulated devices.
type Engine struct {
	logger     *zap.Logger
	transports map[nvmedrv.TransportType]bool
	order      CompletionOrder

	mu          sync.Mutex
	initialized bool
	env         nvmedrv.EnvOptions
	devices     []*device
	nextPCI     int
	onFail      func(nvmedrv.TransportID, error)
}

var (
	_ nvmedrv.Engine            = (*Engine)(nil)
	_ nvmedrv.NativeProbeEvents = (*Engine)(nil)
)

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTransports limits the transports the engine can enumerate.
func WithTransports(types ...nvmedrv.TransportType) Option {
	return func(e *Engine) {
		e.transports = make(map[nvmedrv.TransportType]bool, len(types))
		for _, t := range types {
			e.transports[t] = true
		}
	}
}

func WithCompletionOrder(o CompletionOrder) Option {
	return func(e *Engine) { e.order = o }
}

// New returns an engine with no devices.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger: zap.NewNop(),
		transports: map[nvmedrv.TransportType]bool{
			nvmedrv.TransportPCIe: true,
			nvmedrv.TransportTCP:  true,
			nvmedrv.TransportRDMA: true,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddDevice registers a simulated controller and returns its transport id.
// Devices can be added before or after the environment is initialized.
func (e *Engine) AddDevice(cfg DeviceConfig) (nvmedrv.TransportID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var trid nvmedrv.TransportID
	if cfg.TransportID == "" {
		e.nextPCI++
		trid = nvmedrv.NewTransportID(nvmedrv.TransportPCIe, fmt.Sprintf("0000:%02x:00.0", e.nextPCI))
	} else {
		parsed, err := nvmedrv.ParseTransportID(cfg.TransportID)
		if err != nil {
			return nvmedrv.TransportID{}, err
		}
		trid = *parsed
	}
	for _, d := range e.devices {
		if d.trid.Equal(trid) {
			return nvmedrv.TransportID{}, fmt.Errorf("%w: %s", ErrDuplicateDevice, trid)
		}
	}

	dev, err := newDevice(e, trid, cfg.withDefaults())
	if err != nil {
		return nvmedrv.TransportID{}, err
	}
	e.devices = append(e.devices, dev)
	e.logger.Debug("emulated device added",
		zap.Stringer("trid", trid), zap.Int("namespaces", len(dev.ns)))
	return trid, nil
}

// Close detaches every device and closes the namespace backends.
func (e *Engine) Close() error {
	e.mu.Lock()
	devices := e.devices
	e.devices = nil
	e.mu.Unlock()

	var errs []error
	for _, d := range devices {
		errs = append(errs, d.close())
	}
	return errors.Join(errs...)
}

func (e *Engine) InitEnv(opts nvmedrv.EnvOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nvmedrv.ErrEnvAlreadyInitialized
	}
	e.initialized = true
	e.env = opts
	e.logger.Debug("emulated environment initialized", zap.String("name", opts.Name))
	return nil
}

func (e *Engine) SetConnectFailureHook(fn func(nvmedrv.TransportID, error)) {
	e.mu.Lock()
	e.onFail = fn
	e.mu.Unlock()
}

func (e *Engine) AllocDMA(size, align int, zeroed bool) nvmedrv.DMARegion {
	r, err := allocPinned(size, align)
	if err != nil {
		e.logger.Warn("dma allocation failed", zap.Int("size", size), zap.Error(err))
		return nil
	}
	if zeroed {
		clear(r.Bytes())
	}
	return r
}

type accepted struct {
	dev  *device
	opts nvmedrv.ControllerOptions
}

// Probe offers every unattached device matching trid to probe, then connects
// and attaches the accepted ones. Devices that fail to connect are skipped.
func (e *Engine) Probe(trid *nvmedrv.TransportID, probe nvmedrv.NativeProbeFunc, attach nvmedrv.NativeAttachFunc) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nvmedrv.ErrEnvNotInitialized
	}
	kind := nvmedrv.TransportPCIe
	if trid != nil {
		kind = trid.Type()
	}
	if !e.transports[kind] {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransportUnavailable, kind)
	}
	if kind == nvmedrv.TransportPCIe && e.env.NoPCI {
		e.mu.Unlock()
		return ErrPCIDisabled
	}

	var candidates []*device
	for _, d := range e.devices {
		if d.matches(trid, e.env) && !d.isAttached() {
			candidates = append(candidates, d)
		}
	}
	onFail := e.onFail
	e.mu.Unlock()

	var ok []accepted
	for _, d := range candidates {
		opts := nvmedrv.DefaultControllerOptions()
		if trid != nil && trid.HostNQN() != "" {
			opts.HostNQN = trid.HostNQN()
		}
		if probe(d.trid, &opts) {
			ok = append(ok, accepted{dev: d, opts: opts})
		}
	}

	for _, a := range ok {
		ctrlr, err := a.dev.connect(a.opts)
		if err != nil {
			e.logger.Debug("emulated controller failed to connect",
				zap.Stringer("trid", a.dev.trid), zap.Error(err))
			if onFail != nil {
				onFail(a.dev.trid, err)
			}
			continue
		}
		attach(a.dev.trid, ctrlr, a.opts)
	}
	return nil
}
