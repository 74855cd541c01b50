package nvmedrv_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srilakshmi/nvmedirect/emulator"
	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

func TestNamespaceWriteRead(t *testing.T) {
	r := newRig(t)
	c := r.attach(t)
	ns := c.Namespace(1)
	qp, err := c.AllocIOQueuePair(nvmedrv.PriorityUrgent)
	require.NoError(t, err)

	const size = 8 << 10
	count := uint32(size / ns.SectorSize())

	wbuf := r.buffer(t, size)
	copy(wbuf.Bytes(), "test")
	for i := 4; i < size; i++ {
		wbuf.Bytes()[i] = byte(i)
	}
	rbuf := r.buffer(t, size)

	wrec := &recorder{}
	require.NoError(t, ns.Write(qp, wbuf, 16, count, wrec, 0))
	assert.Equal(t, 1, qp.Outstanding())
	assert.Empty(t, wrec.calls, "callback must not run before polling")

	drain(t, qp)
	require.Len(t, wrec.calls, 1)
	assert.False(t, wrec.calls[0].IsError(), wrec.calls[0].Status.String())

	rrec := &recorder{}
	require.NoError(t, ns.Read(qp, rbuf, 16, count, rrec, 0))
	drain(t, qp)
	require.Len(t, rrec.calls, 1)
	assert.False(t, rrec.calls[0].IsError())
	assert.True(t, bytes.Equal(wbuf.ReadOnly(), rbuf.ReadOnly()))

	stats := qp.Stats()
	assert.Equal(t, uint64(2), stats.Submitted)
	assert.Equal(t, uint64(2), stats.Completed)
	assert.Equal(t, uint64(size), stats.BytesWritten)
	assert.Equal(t, uint64(size), stats.BytesRead)
	assert.Zero(t, stats.CompletionErrors)
}

func TestWriteThenReadIntoTwoBuffers(t *testing.T) {
	r := newRig(t)

	c := &nvmedrv.Collector{}
	require.NoError(t, r.driver.Discover(nil, c))
	t.Cleanup(func() { _ = c.DetachAll() })
	ctrlr, err := c.First()
	require.NoError(t, err)

	active := ctrlr.ActiveNamespaces()
	require.NotEmpty(t, active)
	ns := active[0]

	qp, err := ctrlr.AllocIOQueuePair(nvmedrv.PriorityUrgent)
	require.NoError(t, err)
	defer qp.Free()

	const sectors = 8
	size := sectors * int(ns.SectorSize())
	wbuf := r.buffer(t, size)
	copy(wbuf.Bytes(), "test")
	rbufs := []*nvmedrv.DMABuffer{r.buffer(t, size), r.buffer(t, size)}

	var writes, completed int
	reads := make([]int, len(rbufs))

	require.NoError(t, ns.Write(qp, wbuf, 0, sectors, nvmedrv.CallbackFunc(func(cpl *nvmedrv.Completion) {
		assert.False(t, cpl.IsError(), cpl.Status.String())
		writes++
		completed++
	}), 0))
	for i := 0; completed < 1; i++ {
		require.Less(t, i, 10000, "write did not complete")
		_, err := qp.ProcessCompletions(0)
		require.NoError(t, err)
	}

	for i, b := range rbufs {
		i := i
		require.NoError(t, ns.Read(qp, b, 0, sectors, nvmedrv.CallbackFunc(func(cpl *nvmedrv.Completion) {
			assert.False(t, cpl.IsError(), cpl.Status.String())
			reads[i]++
			completed++
		}), 0))
	}
	for i := 0; completed < 3; i++ {
		require.Less(t, i, 10000, "reads did not complete")
		_, err := qp.ProcessCompletions(0)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, writes)
	assert.Equal(t, []int{1, 1}, reads)
	assert.Zero(t, qp.Outstanding())
	for _, b := range rbufs {
		assert.Equal(t, []byte("test"), b.ReadOnly()[:4])
	}

	_, err = qp.ProcessCompletions(0)
	require.NoError(t, err)
	assert.Equal(t, 3, completed, "callbacks run once")
}

func TestNamespaceSubmitErrors(t *testing.T) {
	r := newRig(t,
		emulator.DeviceConfig{Namespaces: []emulator.NamespaceConfig{{SizeBytes: 1 << 20}, {Inactive: true}}},
		emulator.DeviceConfig{},
	)
	c := r.attach(t)
	other, err := r.driver.Connect(r.trids[1], nil)
	require.NoError(t, err)
	defer other.Detach()

	ns := c.Namespace(1)
	qp, err := c.AllocIOQueuePair(nvmedrv.PriorityUrgent)
	require.NoError(t, err)
	foreign, err := other.AllocIOQueuePair(nvmedrv.PriorityUrgent)
	require.NoError(t, err)
	freed, err := c.AllocIOQueuePair(nvmedrv.PriorityUrgent)
	require.NoError(t, err)
	require.NoError(t, freed.Free())

	buf := r.buffer(t, 4096)
	gone, err := r.driver.AllocDMA(4096, 4096)
	require.NoError(t, err)
	require.NoError(t, gone.Free())

	cases := []struct {
		name   string
		submit func(cb nvmedrv.Callback) error
		want   error
	}{
		{"nil callback", func(nvmedrv.Callback) error { return ns.Write(qp, buf, 0, 1, nil, 0) }, nvmedrv.ErrInvalidCommand},
		{"zero count", func(cb nvmedrv.Callback) error { return ns.Write(qp, buf, 0, 0, cb, 0) }, nvmedrv.ErrInvalidCommand},
		{"nil queue pair", func(cb nvmedrv.Callback) error { return ns.Read(nil, buf, 0, 1, cb, 0) }, nvmedrv.ErrQueuePairFreed},
		{"freed queue pair", func(cb nvmedrv.Callback) error { return ns.Read(freed, buf, 0, 1, cb, 0) }, nvmedrv.ErrQueuePairFreed},
		{"foreign queue pair", func(cb nvmedrv.Callback) error { return ns.Write(foreign, buf, 0, 1, cb, 0) }, nvmedrv.ErrForeignQueuePair},
		{"inactive namespace", func(cb nvmedrv.Callback) error { return c.Namespace(2).Write(qp, buf, 0, 1, cb, 0) }, nvmedrv.ErrNamespaceInactive},
		{"buffer too small", func(cb nvmedrv.Callback) error { return ns.Read(qp, buf, 0, 9, cb, 0) }, nvmedrv.ErrBufferTooSmall},
		{"freed buffer", func(cb nvmedrv.Callback) error { return ns.Write(qp, gone, 0, 1, cb, 0) }, nvmedrv.ErrBufferFreed},
		{"nil buffer", func(cb nvmedrv.Callback) error { return ns.Write(qp, nil, 0, 1, cb, 0) }, nvmedrv.ErrBufferFreed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			err := tc.submit(rec)

			var serr *nvmedrv.SubmitError
			require.ErrorAs(t, err, &serr)
			assert.ErrorIs(t, err, tc.want)

			_, perr := qp.ProcessCompletions(0)
			require.NoError(t, perr)
			assert.Empty(t, rec.calls, "rejected command must never complete")
			assert.Zero(t, buf.InFlight())
		})
	}
	assert.Zero(t, qp.Stats().Submitted)
}

func TestCompletionStatus(t *testing.T) {
	r := newRig(t, emulator.DeviceConfig{
		Namespaces: []emulator.NamespaceConfig{{SizeBytes: 64 << 10}},
	})
	c := r.attach(t)
	ns := c.Namespace(1)
	qp, err := c.AllocIOQueuePair(nvmedrv.PriorityUrgent)
	require.NoError(t, err)
	buf := r.buffer(t, 4096)

	t.Run("lba out of range", func(t *testing.T) {
		rec := &recorder{}
		require.NoError(t, ns.Write(qp, buf, ns.NumSectors(), 1, rec, 0))
		drain(t, qp)

		require.Len(t, rec.calls, 1)
		st := rec.calls[0].Status
		assert.True(t, st.IsError())
		assert.Equal(t, nvmedrv.StatusTypeGeneric, st.StatusType())
		assert.Equal(t, nvmedrv.StatusLBAOutOfRange, st.StatusCode())
		assert.True(t, st.DNR())
		assert.Zero(t, buf.InFlight())
	})

	t.Run("range crossing the end", func(t *testing.T) {
		rec := &recorder{}
		require.NoError(t, ns.Read(qp, buf, ns.NumSectors()-2, 8, rec, 0))
		drain(t, qp)
		require.Len(t, rec.calls, 1)
		assert.Equal(t, nvmedrv.StatusLBAOutOfRange, rec.calls[0].Status.StatusCode())
	})

	t.Run("protection info not formatted", func(t *testing.T) {
		rec := &recorder{}
		require.NoError(t, ns.Write(qp, buf, 0, 1, rec, nvmedrv.FlagPRAct))
		drain(t, qp)
		require.Len(t, rec.calls, 1)
		assert.Equal(t, nvmedrv.StatusInvalidField, rec.calls[0].Status.StatusCode())
	})

	t.Run("error completions are counted", func(t *testing.T) {
		assert.Equal(t, uint64(3), qp.Stats().CompletionErrors)
		assert.Zero(t, qp.Stats().BytesWritten)
	})
}

func TestWriteZeroesAndFlush(t *testing.T) {
	r := newRig(t)
	c := r.attach(t)
	ns := c.Namespace(1)
	qp, err := c.AllocIOQueuePair(nvmedrv.PriorityUrgent)
	require.NoError(t, err)

	buf := r.buffer(t, 4096)
	for i := range buf.Bytes() {
		buf.Bytes()[i] = 0xa5
	}
	rec := &recorder{}
	require.NoError(t, ns.Write(qp, buf, 0, 8, rec, nvmedrv.FlagForceUnitAccess))
	require.NoError(t, ns.WriteZeroes(qp, 2, 2, rec, 0))
	require.NoError(t, ns.Flush(qp, rec))
	drain(t, qp)
	require.Len(t, rec.calls, 3)
	for _, cpl := range rec.calls {
		assert.False(t, cpl.IsError(), cpl.Status.String())
	}

	out := r.buffer(t, 4096)
	require.NoError(t, ns.Read(qp, out, 0, 8, rec, 0))
	drain(t, qp)

	data := out.ReadOnly()
	assert.Equal(t, bytes.Repeat([]byte{0xa5}, 1024), data[:1024])
	assert.Equal(t, make([]byte, 1024), data[1024:2048])
	assert.Equal(t, bytes.Repeat([]byte{0xa5}, 2048), data[2048:])

	err = ns.WriteZeroes(qp, 0, 0, rec, 0)
	assert.ErrorIs(t, err, nvmedrv.ErrInvalidCommand)
}
