package emulator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

type probeResult struct {
	probed   []nvmedrv.TransportID
	attached []nvmedrv.NativeController
}

func (p *probeResult) probe(accept bool) nvmedrv.NativeProbeFunc {
	return func(trid nvmedrv.TransportID, _ *nvmedrv.ControllerOptions) bool {
		p.probed = append(p.probed, trid)
		return accept
	}
}

func (p *probeResult) attach(trid nvmedrv.TransportID, c nvmedrv.NativeController, _ nvmedrv.ControllerOptions) {
	p.attached = append(p.attached, c)
}

func TestEngineAddDevice(t *testing.T) {
	e := newTestEngine(t)

	t.Run("assigns pci addresses", func(t *testing.T) {
		a, err := e.AddDevice(DeviceConfig{})
		require.NoError(t, err)
		b, err := e.AddDevice(DeviceConfig{})
		require.NoError(t, err)
		assert.Equal(t, "0000:01:00.0", a.Address())
		assert.Equal(t, "0000:02:00.0", b.Address())
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := e.AddDevice(DeviceConfig{TransportID: "trtype:PCIe traddr:01:00.0"})
		assert.ErrorIs(t, err, ErrDuplicateDevice)
	})

	t.Run("bad transport id", func(t *testing.T) {
		_, err := e.AddDevice(DeviceConfig{TransportID: "trtype:PCIe"})
		var perr *nvmedrv.ParseError
		assert.ErrorAs(t, err, &perr)
	})

	t.Run("bad geometry", func(t *testing.T) {
		_, err := e.AddDevice(DeviceConfig{Namespaces: []NamespaceConfig{{SectorSize: 520}}})
		assert.Error(t, err)
		_, err = e.AddDevice(DeviceConfig{Namespaces: []NamespaceConfig{{SizeBytes: 1000}}})
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		cfg := DeviceConfig{}.withDefaults()
		assert.Equal(t, uint16(defaultVendorID), cfg.VendorID)
		assert.Len(t, cfg.Serial, 20)
		require.Len(t, cfg.Namespaces, 1)
		assert.Equal(t, uint32(defaultSectorSize), cfg.Namespaces[0].SectorSize)
		assert.Equal(t, int64(defaultNamespaceSz), cfg.Namespaces[0].SizeBytes)
	})
}

func TestEngineProbe(t *testing.T) {
	t.Run("requires init", func(t *testing.T) {
		e := newTestEngine(t)
		p := &probeResult{}
		err := e.Probe(nil, p.probe(true), p.attach)
		assert.ErrorIs(t, err, nvmedrv.ErrEnvNotInitialized)
	})

	t.Run("init once", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.InitEnv(nvmedrv.DefaultEnvOptions()))
		assert.ErrorIs(t, e.InitEnv(nvmedrv.DefaultEnvOptions()), nvmedrv.ErrEnvAlreadyInitialized)
	})

	t.Run("all probes run before any attach", func(t *testing.T) {
		e := newTestEngine(t)
		for i := 0; i < 3; i++ {
			_, err := e.AddDevice(DeviceConfig{})
			require.NoError(t, err)
		}
		require.NoError(t, e.InitEnv(nvmedrv.DefaultEnvOptions()))

		var events []string
		probe := func(nvmedrv.TransportID, *nvmedrv.ControllerOptions) bool {
			events = append(events, "probe")
			return true
		}
		attach := func(_ nvmedrv.TransportID, c nvmedrv.NativeController, _ nvmedrv.ControllerOptions) {
			events = append(events, "attach")
			require.NoError(t, c.Detach())
		}
		require.NoError(t, e.Probe(nil, probe, attach))
		assert.Equal(t, []string{"probe", "probe", "probe", "attach", "attach", "attach"}, events)
	})

	t.Run("connect failure reported through hook", func(t *testing.T) {
		e := newTestEngine(t)
		bad, err := e.AddDevice(DeviceConfig{FailConnect: true})
		require.NoError(t, err)
		_, err = e.AddDevice(DeviceConfig{})
		require.NoError(t, err)
		require.NoError(t, e.InitEnv(nvmedrv.DefaultEnvOptions()))

		var failed []nvmedrv.TransportID
		e.SetConnectFailureHook(func(trid nvmedrv.TransportID, err error) {
			assert.ErrorIs(t, err, ErrConnectFailed)
			failed = append(failed, trid)
		})

		p := &probeResult{}
		require.NoError(t, e.Probe(nil, p.probe(true), p.attach))
		assert.Len(t, p.probed, 2)
		assert.Len(t, p.attached, 1)
		require.Len(t, failed, 1)
		assert.True(t, failed[0].Equal(bad))
	})

	t.Run("no pci", func(t *testing.T) {
		e := newTestEngine(t)
		opts := nvmedrv.DefaultEnvOptions()
		opts.NoPCI = true
		require.NoError(t, e.InitEnv(opts))

		p := &probeResult{}
		assert.ErrorIs(t, e.Probe(nil, p.probe(true), p.attach), ErrPCIDisabled)
	})

	t.Run("host nqn from transport id", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.AddDevice(DeviceConfig{TransportID: "trtype:TCP traddr:10.0.0.1 trsvcid:4420 subnqn:nqn.2016-06.io.spdk:cnode1"})
		require.NoError(t, err)
		require.NoError(t, e.InitEnv(nvmedrv.DefaultEnvOptions()))

		trid, err := nvmedrv.ParseTransportID("trtype:TCP traddr:10.0.0.1 hostnqn:nqn.2014-08.org.nvmexpress:host1")
		require.NoError(t, err)

		var hostNQN string
		probe := func(_ nvmedrv.TransportID, opts *nvmedrv.ControllerOptions) bool {
			hostNQN = opts.HostNQN
			return false
		}
		require.NoError(t, e.Probe(trid, probe, nil))
		assert.Equal(t, "nqn.2014-08.org.nvmexpress:host1", hostNQN)
	})

	t.Run("subnqn mismatch", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.AddDevice(DeviceConfig{TransportID: "trtype:TCP traddr:10.0.0.1 subnqn:nqn.2016-06.io.spdk:cnode1"})
		require.NoError(t, err)
		require.NoError(t, e.InitEnv(nvmedrv.DefaultEnvOptions()))

		trid, err := nvmedrv.ParseTransportID("trtype:TCP traddr:10.0.0.1 subnqn:nqn.2016-06.io.spdk:cnode2")
		require.NoError(t, err)
		p := &probeResult{}
		require.NoError(t, e.Probe(trid, p.probe(true), p.attach))
		assert.Empty(t, p.probed)
	})
}

func TestFileBackedNamespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	e := newTestEngine(t)
	_, err := e.AddDevice(DeviceConfig{Namespaces: []NamespaceConfig{{SizeBytes: 1 << 20, File: path}}})
	require.NoError(t, err)
	require.NoError(t, e.InitEnv(nvmedrv.DefaultEnvOptions()))

	p := &probeResult{}
	require.NoError(t, e.Probe(nil, p.probe(true), p.attach))
	require.Len(t, p.attached, 1)
	c := p.attached[0]

	qp, err := c.AllocIOQueuePair(nvmedrv.PriorityUrgent)
	require.NoError(t, err)

	data := make([]byte, 512)
	copy(data, "on disk")
	require.NoError(t, qp.Submit(&nvmedrv.Command{Opcode: nvmedrv.OpWrite, NSID: 1, Buf: data, LBA: 3, Count: 1, Tag: 7, Flags: nvmedrv.FlagForceUnitAccess}))

	var got []uint64
	n, err := qp.ProcessCompletions(0, func(tag uint64, cpl *nvmedrv.Completion) {
		assert.False(t, cpl.IsError())
		got = append(got, tag)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{7}, got)

	t.Run("invalid namespace", func(t *testing.T) {
		require.NoError(t, qp.Submit(&nvmedrv.Command{Opcode: nvmedrv.OpRead, NSID: 9, Buf: data, Count: 1}))
		_, err := qp.ProcessCompletions(0, func(_ uint64, cpl *nvmedrv.Completion) {
			assert.Equal(t, nvmedrv.StatusInvalidNamespaceOrFormat, cpl.Status.StatusCode())
			assert.True(t, cpl.Status.DNR())
		})
		require.NoError(t, err)
	})

	require.NoError(t, qp.Free())
	require.NoError(t, c.Detach())
}
