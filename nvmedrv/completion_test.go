package nvmedrv_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

func TestStatus(t *testing.T) {
	ok := nvmedrv.NewStatus(nvmedrv.StatusTypeGeneric, nvmedrv.StatusSuccess)
	assert.False(t, ok.IsError())
	assert.False(t, ok.Phase())
	assert.True(t, ok.WithPhase().Phase())
	assert.Equal(t, "success", ok.String())

	s := nvmedrv.NewStatus(nvmedrv.StatusTypeGeneric, nvmedrv.StatusLBAOutOfRange).WithDNR()
	assert.True(t, s.IsError())
	assert.True(t, s.DNR())
	assert.False(t, s.More())
	assert.Equal(t, nvmedrv.StatusLBAOutOfRange, s.StatusCode())
	assert.Equal(t, nvmedrv.StatusTypeGeneric, s.StatusType())

	media := nvmedrv.NewStatus(nvmedrv.StatusTypeMediaError, 0x81)
	assert.True(t, media.IsError())
	assert.Equal(t, nvmedrv.StatusTypeMediaError, media.StatusType())
	assert.Equal(t, uint8(0x81), media.StatusCode())
}
