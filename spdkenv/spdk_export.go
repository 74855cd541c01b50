//go:build cgo && spdk

package spdkenv

/*
#include <stdint.h>
#include <spdk/nvme.h>
*/
import "C"

import (
	"runtime/cgo"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

//export goProbe
func goProbe(ctx C.uintptr_t, trid *C.struct_spdk_nvme_transport_id, opts *C.struct_spdk_nvme_ctrlr_opts) C.int {
	pc := cgo.Handle(ctx).Value().(*probeCtx)
	o := optionsFromC(opts)
	if !pc.probe(transportIDFromC(trid), &o) {
		return 0
	}
	optionsToC(o, opts)
	return 1
}

//export goAttach
func goAttach(ctx C.uintptr_t, trid *C.struct_spdk_nvme_transport_id, ctrlr *C.struct_spdk_nvme_ctrlr, opts *C.struct_spdk_nvme_ctrlr_opts) {
	pc := cgo.Handle(ctx).Value().(*probeCtx)
	pc.attach(transportIDFromC(trid), &controller{ctrlr: ctrlr}, optionsFromC(opts))
}

//export goComplete
func goComplete(qctx C.uintptr_t, tag C.uint64_t, dw0 C.uint32_t, sqhd, sqid, cid, status C.uint16_t) {
	q := cgo.Handle(qctx).Value().(*queuePair)
	q.cpl = nvmedrv.Completion{
		DW0:    uint32(dw0),
		SQHead: uint16(sqhd),
		SQID:   uint16(sqid),
		CID:    uint16(cid),
		Status: nvmedrv.Status(status),
	}
	q.complete(uint64(tag))
}
