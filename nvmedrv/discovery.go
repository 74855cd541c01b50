package nvmedrv

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ProbeHandler drives discovery. Probe is called for every candidate and may
// adjust opts; returning true requests an attach. Attach receives ownership of
// each connected controller.
type ProbeHandler interface {
	Probe(trid TransportID, opts *ControllerOptions) bool
	Attach(trid TransportID, ctrlr *Controller, opts ControllerOptions)
}

// ProbeFunc is a probe-only handler. Its Attach keeps nothing, so attached
// controllers stay attached until process exit; use a Collector to keep them.
type ProbeFunc func(trid TransportID, opts *ControllerOptions) bool

func (f ProbeFunc) Probe(trid TransportID, opts *ControllerOptions) bool { return f(trid, opts) }

func (f ProbeFunc) Attach(TransportID, *Controller, ControllerOptions) {}

// Collector is a ProbeHandler that keeps every attached controller. Accept
// filters candidates and may adjust their options; nil accepts everything.
type Collector struct {
	Accept func(trid TransportID, opts *ControllerOptions) bool

	mu     sync.Mutex
	ctrlrs []*Controller
}

func (c *Collector) Probe(trid TransportID, opts *ControllerOptions) bool {
	if c.Accept == nil {
		return true
	}
	return c.Accept(trid, opts)
}

func (c *Collector) Attach(_ TransportID, ctrlr *Controller, _ ControllerOptions) {
	c.mu.Lock()
	c.ctrlrs = append(c.ctrlrs, ctrlr)
	c.mu.Unlock()
}

// Controllers returns the attached controllers in attach order.
func (c *Collector) Controllers() []*Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Controller, len(c.ctrlrs))
	copy(out, c.ctrlrs)
	return out
}

// First returns the first attached controller.
func (c *Collector) First() (*Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ctrlrs) == 0 {
		return nil, ErrNoController
	}
	return c.ctrlrs[0], nil
}

// DetachAll detaches every collected controller and forgets them.
func (c *Collector) DetachAll() error {
	c.mu.Lock()
	ctrlrs := c.ctrlrs
	c.ctrlrs = nil
	c.mu.Unlock()

	var errs []error
	for _, ctrlr := range ctrlrs {
		if err := ctrlr.Detach(); err != nil && !errors.Is(err, ErrControllerDetached) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discover enumerates controllers matching trid, or every local PCIe
// controller when trid is nil, and hands them to h. All handler calls happen
// on the calling goroutine before Discover returns. Finding no controller is
// not an error.
func (d *Driver) Discover(trid *TransportID, h ProbeHandler) error {
	if err := d.requireEnv(); err != nil {
		return err
	}

	target := "local pcie"
	if trid != nil {
		target = trid.String()
	}
	d.logger.Debug("starting discovery", zap.String("target", target))

	var probed, attached int
	probe := func(t TransportID, opts *ControllerOptions) bool {
		probed++
		return h.Probe(t, opts)
	}
	attach := func(t TransportID, native NativeController, opts ControllerOptions) {
		attached++
		ctrlr := newController(d, t, native, opts)
		d.logger.Info("controller attached",
			zap.Stringer("trid", t),
			zap.String("model", ctrlr.data.ModelNumber),
			zap.String("serial", ctrlr.data.SerialNumber),
			zap.Uint32("namespaces", ctrlr.data.NumNamespaces),
		)
		h.Attach(t, ctrlr, opts)
	}

	if err := d.engine.Probe(trid, probe, attach); err != nil {
		return &DiscoveryError{Target: target, Err: err}
	}

	d.logger.Info("discovery finished",
		zap.String("target", target),
		zap.Int("probed", probed),
		zap.Int("attached", attached),
	)
	return nil
}

// Connect attaches the controller at trid and returns it. trid may leave
// out the service id or subsystem NQN; the first matching controller wins.
func (d *Driver) Connect(trid TransportID, opts *ControllerOptions) (*Controller, error) {
	var taken bool
	c := &Collector{
		Accept: func(cand TransportID, o *ControllerOptions) bool {
			if taken || !cand.Matches(trid) {
				return false
			}
			taken = true
			if opts != nil {
				*o = *opts
			}
			return true
		},
	}
	if err := d.Discover(&trid, c); err != nil {
		return nil, err
	}
	return c.First()
}
