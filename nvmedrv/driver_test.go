package nvmedrv_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srilakshmi/nvmedirect/emulator"
	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

func TestEnvOptionsValidate(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		assert.NoError(t, nvmedrv.DefaultEnvOptions().Validate())
	})

	cases := map[string]func(o *nvmedrv.EnvOptions){
		"no name":           func(o *nvmedrv.EnvOptions) { o.Name = "" },
		"bad shm id":        func(o *nvmedrv.EnvOptions) { o.ShmID = -2 },
		"bad main core":     func(o *nvmedrv.EnvOptions) { o.MainCore = -5 },
		"negative memory":   func(o *nvmedrv.EnvOptions) { o.MemSizeMB = -1 },
		"decimal mask":      func(o *nvmedrv.EnvOptions) { o.CoreMask = "3" },
		"empty mask":        func(o *nvmedrv.EnvOptions) { o.CoreMask = "0x0" },
		"no pci conflict":   func(o *nvmedrv.EnvOptions) { o.NoPCI, o.PCIAllowed = true, []string{"0000:01:00.0"} },
		"bad pci allowlist": func(o *nvmedrv.EnvOptions) { o.PCIAllowed = []string{"not-a-bdf"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := nvmedrv.DefaultEnvOptions()
			mutate(&o)
			assert.Error(t, o.Validate())
		})
	}
}

func TestDriverInitEnv(t *testing.T) {
	t.Run("operations require init", func(t *testing.T) {
		d := nvmedrv.New(emulator.New())
		assert.False(t, d.Initialized())

		_, err := d.AllocDMA(4096, 4096)
		assert.ErrorIs(t, err, nvmedrv.ErrEnvNotInitialized)

		err = d.Discover(nil, &nvmedrv.Collector{})
		assert.ErrorIs(t, err, nvmedrv.ErrEnvNotInitialized)
	})

	t.Run("second init fails", func(t *testing.T) {
		d := nvmedrv.New(emulator.New())
		require.NoError(t, d.InitEnv(nvmedrv.DefaultEnvOptions()))
		assert.True(t, d.Initialized())

		other := nvmedrv.DefaultEnvOptions()
		other.Name = "second"
		assert.ErrorIs(t, d.InitEnv(other), nvmedrv.ErrEnvAlreadyInitialized)
		assert.ErrorIs(t, d.InitEnv(nvmedrv.DefaultEnvOptions()), nvmedrv.ErrEnvAlreadyInitialized)
	})

	t.Run("invalid options leave env uninitialized", func(t *testing.T) {
		d := nvmedrv.New(emulator.New())
		bad := nvmedrv.DefaultEnvOptions()
		bad.CoreMask = "zz"
		require.Error(t, d.InitEnv(bad))
		assert.False(t, d.Initialized())
		assert.NoError(t, d.InitEnv(nvmedrv.DefaultEnvOptions()))
	})
}

func TestDMABuffer(t *testing.T) {
	r := newRig(t)

	t.Run("alloc zeroed", func(t *testing.T) {
		buf, err := r.driver.AllocDMAZeroed(8192, 4096)
		require.NoError(t, err)
		defer buf.Free()

		assert.Equal(t, 8192, buf.Len())
		assert.Equal(t, 4096, buf.Align())
		assert.Equal(t, make([]byte, 8192), buf.Bytes())
	})

	t.Run("invalid requests", func(t *testing.T) {
		for _, c := range []struct{ size, align int }{{0, 4096}, {-1, 4096}, {4096, 0}, {4096, 3000}} {
			_, err := r.driver.AllocDMA(c.size, c.align)
			assert.ErrorIs(t, err, nvmedrv.ErrInvalidDMARequest, "size %d align %d", c.size, c.align)
		}
	})

	t.Run("double free is a no-op", func(t *testing.T) {
		buf, err := r.driver.AllocDMA(512, 512)
		require.NoError(t, err)
		require.NoError(t, buf.Free())
		assert.NoError(t, buf.Free())
		assert.Nil(t, buf.Bytes())
		assert.Zero(t, buf.Len())
	})

	t.Run("free while in flight", func(t *testing.T) {
		c := r.attach(t)
		qp, err := c.AllocIOQueuePair(nvmedrv.PriorityUrgent)
		require.NoError(t, err)
		defer qp.Free()

		buf, err := r.driver.AllocDMAZeroed(512, 512)
		require.NoError(t, err)
		ns := c.Namespace(1)
		require.NoError(t, ns.Write(qp, buf, 0, 1, &recorder{}, 0))

		assert.Equal(t, 1, buf.InFlight())
		assert.ErrorIs(t, buf.Free(), nvmedrv.ErrBufferInFlight)

		drain(t, qp)
		assert.Zero(t, buf.InFlight())
		assert.NoError(t, buf.Free())
	})
}
