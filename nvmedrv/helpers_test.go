package nvmedrv_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/srilakshmi/nvmedirect/emulator"
	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

type testRig struct {
	engine *emulator.Engine
	driver *nvmedrv.Driver
	trids  []nvmedrv.TransportID
}

// newRig starts an emulator with the given devices (one default device when
// none are given) and an initialized driver on top of it.
func newRig(t *testing.T, devices ...emulator.DeviceConfig) *testRig {
	t.Helper()
	return newRigWith(t, nil, devices...)
}

func newRigWith(t *testing.T, opts []emulator.Option, devices ...emulator.DeviceConfig) *testRig {
	t.Helper()
	log := zaptest.NewLogger(t)

	e := emulator.New(append([]emulator.Option{emulator.WithLogger(log)}, opts...)...)
	t.Cleanup(func() { _ = e.Close() })

	if len(devices) == 0 {
		devices = []emulator.DeviceConfig{{}}
	}
	r := &testRig{engine: e}
	for _, dc := range devices {
		trid, err := e.AddDevice(dc)
		require.NoError(t, err)
		r.trids = append(r.trids, trid)
	}

	r.driver = nvmedrv.New(e, nvmedrv.WithLogger(log))
	require.NoError(t, r.driver.InitEnv(nvmedrv.DefaultEnvOptions()))
	return r
}

// attach connects the first device and detaches it when the test ends.
func (r *testRig) attach(t *testing.T) *nvmedrv.Controller {
	t.Helper()
	c, err := r.driver.Connect(r.trids[0], nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Detach() })
	return c
}

func (r *testRig) buffer(t *testing.T, size int) *nvmedrv.DMABuffer {
	t.Helper()
	buf, err := r.driver.AllocDMAZeroed(size, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Free() })
	return buf
}

// recorder collects completions in delivery order.
type recorder struct {
	calls []nvmedrv.Completion
}

func (r *recorder) Complete(cpl *nvmedrv.Completion) { r.calls = append(r.calls, *cpl) }

// drain polls qp until nothing is outstanding.
func drain(t *testing.T, qp *nvmedrv.QueuePair) {
	t.Helper()
	for i := 0; qp.Outstanding() > 0; i++ {
		require.Less(t, i, 10000, "queue pair did not drain")
		_, err := qp.ProcessCompletions(0)
		require.NoError(t, err)
	}
}
