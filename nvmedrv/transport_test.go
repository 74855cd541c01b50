package nvmedrv_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

func TestParseTransportID(t *testing.T) {
	t.Run("pcie", func(t *testing.T) {
		trid, err := nvmedrv.ParseTransportID("trtype:PCIe traddr:0000:01:00.0")
		require.NoError(t, err)
		assert.Equal(t, nvmedrv.TransportPCIe, trid.Type())
		assert.Equal(t, "0000:01:00.0", trid.Address())
		assert.Equal(t, nvmedrv.AddressFamilyNone, trid.AddressFamily())
		assert.False(t, trid.Type().IsFabrics())
	})

	t.Run("pcie short bdf", func(t *testing.T) {
		trid, err := nvmedrv.ParseTransportID("trtype=pcie traddr=01:00.0")
		require.NoError(t, err)
		assert.True(t, trid.Equal(nvmedrv.NewTransportID(nvmedrv.TransportPCIe, "0000:01:00.0")))
	})

	t.Run("tcp infers address family", func(t *testing.T) {
		trid, err := nvmedrv.ParseTransportID(
			"trtype:TCP traddr:10.0.0.5 trsvcid:4420 subnqn:nqn.2016-06.io.spdk:cnode1")
		require.NoError(t, err)
		assert.Equal(t, nvmedrv.TransportTCP, trid.Type())
		assert.Equal(t, nvmedrv.AddressFamilyIPv4, trid.AddressFamily())
		assert.Equal(t, "4420", trid.ServiceID())
		assert.Equal(t, "nqn.2016-06.io.spdk:cnode1", trid.SubNQN())
		assert.True(t, trid.Type().IsFabrics())
	})

	t.Run("rdma ipv6", func(t *testing.T) {
		trid, err := nvmedrv.ParseTransportID("trtype:RDMA adrfam:IPv6 traddr:fe80::1 trsvcid:4420")
		require.NoError(t, err)
		assert.Equal(t, nvmedrv.AddressFamilyIPv6, trid.AddressFamily())
	})

	t.Run("fc", func(t *testing.T) {
		trid, err := nvmedrv.ParseTransportID(
			"trtype:FC traddr:nn-0x20000090fa000001:pn-0x10000090fa000001")
		require.NoError(t, err)
		assert.Equal(t, nvmedrv.AddressFamilyFC, trid.AddressFamily())
	})

	t.Run("vfiouser", func(t *testing.T) {
		trid, err := nvmedrv.ParseTransportID("trtype:VFIOUSER traddr:/var/run/vfu0")
		require.NoError(t, err)
		assert.Equal(t, nvmedrv.TransportVFIOUser, trid.Type())
		assert.Equal(t, "/var/run/vfu0", trid.Address())
	})

	t.Run("custom", func(t *testing.T) {
		trid, err := nvmedrv.ParseTransportID("trtype:CUSTOM traddr:mock-dev-0")
		require.NoError(t, err)
		assert.Equal(t, nvmedrv.TransportCustom, trid.Type())
	})

	t.Run("round trip", func(t *testing.T) {
		inputs := []string{
			"trtype:PCIe traddr:0000:5e:00.0",
			"trtype:TCP adrfam:IPv4 traddr:192.168.1.10 trsvcid:4420 subnqn:nqn.2016-06.io.spdk:cnode1 hostnqn:nqn.2014-08.org.nvmexpress:uuid:1",
			"trtype:RDMA adrfam:IPv6 traddr:fe80::1 trsvcid:4421 priority:3",
		}
		for _, in := range inputs {
			trid, err := nvmedrv.ParseTransportID(in)
			require.NoError(t, err, in)
			again, err := nvmedrv.ParseTransportID(trid.String())
			require.NoError(t, err, trid.String())
			assert.True(t, trid.Equal(*again), in)
		}
	})

	t.Run("rejects", func(t *testing.T) {
		cases := map[string]string{
			"empty":                 "",
			"missing trtype":        "traddr:0000:01:00.0",
			"missing traddr":        "trtype:PCIe",
			"unknown trtype":        "trtype:carrier-pigeon traddr:1",
			"unknown key":           "trtype:PCIe traddr:0000:01:00.0 color:blue",
			"duplicate key":         "trtype:PCIe trtype:PCIe traddr:0000:01:00.0",
			"empty value":           "trtype: traddr:0000:01:00.0",
			"bad bdf":               "trtype:PCIe traddr:0000:01:20.0",
			"pcie with port":        "trtype:PCIe traddr:0000:01:00.0 trsvcid:4420",
			"tcp hostname":          "trtype:TCP traddr:storage.local trsvcid:4420",
			"tcp bad port":          "trtype:TCP traddr:10.0.0.5 trsvcid:99999",
			"family mismatch":       "trtype:TCP adrfam:IPv6 traddr:10.0.0.5",
			"bad fc":                "trtype:FC traddr:nn-0x1:pn-0x2",
			"bad subnqn":            "trtype:TCP traddr:10.0.0.5 subnqn:cnode1",
			"negative priority":     "trtype:TCP traddr:10.0.0.5 priority:-1",
			"subnqn too long":       "trtype:TCP traddr:10.0.0.5 subnqn:nqn." + strings.Repeat("a", 230),
			"no separator in field": "trtype:PCIe traddr:0000:01:00.0 junk",
			"vfiouser relative":     "trtype:VFIOUSER traddr:var/run/vfu0",
			"vfiouser with port":    "trtype:VFIOUSER traddr:/var/run/vfu0 trsvcid:4420",
			"custom control char":   "trtype:CUSTOM traddr:dev\x01ice",
		}
		for name, in := range cases {
			t.Run(name, func(t *testing.T) {
				trid, err := nvmedrv.ParseTransportID(in)
				assert.Nil(t, trid)
				var perr *nvmedrv.ParseError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, in, perr.Input)
			})
		}
	})
}

func TestTransportIDEqual(t *testing.T) {
	a := nvmedrv.NewTransportID(nvmedrv.TransportPCIe, "0000:01:00.0")
	b := nvmedrv.NewTransportID(nvmedrv.TransportPCIe, "01:00.0")
	c := nvmedrv.NewTransportID(nvmedrv.TransportPCIe, "0000:02:00.0")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, nvmedrv.TransportID{}.IsZero())
	assert.False(t, a.IsZero())
}

func TestNormalizePCIAddress(t *testing.T) {
	got, ok := nvmedrv.NormalizePCIAddress("5E:00.1")
	require.True(t, ok)
	assert.Equal(t, "0000:5e:00.1", got)

	for _, bad := range []string{"", "5e", "0000:5e:00", "10000:00:00.0", "00:00.8", "zz:00.0"} {
		_, ok := nvmedrv.NormalizePCIAddress(bad)
		assert.False(t, ok, bad)
	}
}

func TestParseTransportType(t *testing.T) {
	kind, ok := nvmedrv.ParseTransportType("TCP")
	require.True(t, ok)
	assert.Equal(t, nvmedrv.TransportTCP, kind)
	assert.Equal(t, "TCP", kind.String())

	_, ok = nvmedrv.ParseTransportType("infiniband")
	assert.False(t, ok)
}
