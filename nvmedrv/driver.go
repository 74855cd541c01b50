package nvmedrv

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Driver is the entry point of the library. It owns the environment
// lifecycle of one engine and creates controllers through discovery.
type Driver struct {
	engine Engine
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool
	opts        EnvOptions
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger used by the driver and everything it creates.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// New returns a driver on top of engine. The environment is not initialized
// until InitEnv is called.
func New(engine Engine, opts ...Option) *Driver {
	d := &Driver{
		engine: engine,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if ev, ok := engine.(NativeProbeEvents); ok {
		ev.SetConnectFailureHook(func(trid TransportID, err error) {
			d.logger.Debug("skipping controller that failed to connect",
				zap.Stringer("trid", trid), zap.Error(err))
		})
	}
	return d
}

// Logger returns the driver's logger.
func (d *Driver) Logger() *zap.Logger { return d.logger }

// InitEnv initializes the environment. It succeeds at most once; later calls
// return ErrEnvAlreadyInitialized whatever the options.
func (d *Driver) InitEnv(opts EnvOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return ErrEnvAlreadyInitialized
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid env options: %w", err)
	}
	if err := d.engine.InitEnv(opts); err != nil {
		return fmt.Errorf("init env %s: %w", opts.Name, err)
	}
	d.initialized = true
	d.opts = opts
	d.logger.Info("environment initialized",
		zap.String("name", opts.Name),
		zap.String("core_mask", opts.CoreMask),
		zap.Int("mem_size_mb", opts.MemSizeMB),
		zap.Bool("no_pci", opts.NoPCI),
	)
	return nil
}

// Initialized reports whether InitEnv has succeeded.
func (d *Driver) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

func (d *Driver) requireEnv() error {
	if !d.Initialized() {
		return ErrEnvNotInitialized
	}
	return nil
}

// AllocDMA allocates size bytes of pinned memory aligned to align, which must
// be a power of two. The contents are unspecified.
func (d *Driver) AllocDMA(size, align int) (*DMABuffer, error) {
	return d.allocDMA(size, align, false)
}

// AllocDMAZeroed is AllocDMA with the memory cleared.
func (d *Driver) AllocDMAZeroed(size, align int) (*DMABuffer, error) {
	return d.allocDMA(size, align, true)
}

func (d *Driver) allocDMA(size, align int, zeroed bool) (*DMABuffer, error) {
	if err := d.requireEnv(); err != nil {
		return nil, err
	}
	if !validDMARequest(size, align) {
		return nil, fmt.Errorf("%w: size %d align %d", ErrInvalidDMARequest, size, align)
	}
	region := d.engine.AllocDMA(size, align, zeroed)
	if region == nil {
		return nil, fmt.Errorf("%w: size %d align %d", ErrDMAAllocFailed, size, align)
	}
	if len(region.Bytes()) < size {
		region.Free()
		return nil, fmt.Errorf("%w: engine returned short region", ErrDMAAllocFailed)
	}
	return newDMABuffer(region, size, align), nil
}
