//go:build cgo && spdk

package spdkenv

/*
#cgo pkg-config: spdk_nvme spdk_env_dpdk

#include <errno.h>
#include <stdbool.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

#include <spdk/env.h>
#include <spdk/nvme.h>
#include <spdk/nvme_spec.h>

extern int goProbe(uintptr_t ctx, struct spdk_nvme_transport_id *trid, struct spdk_nvme_ctrlr_opts *opts);
extern void goAttach(uintptr_t ctx, struct spdk_nvme_transport_id *trid, struct spdk_nvme_ctrlr *ctrlr, struct spdk_nvme_ctrlr_opts *opts);
extern void goComplete(uintptr_t qctx, uint64_t tag, uint32_t dw0, uint16_t sqhd, uint16_t sqid, uint16_t cid, uint16_t status);

static struct spdk_pci_addr *nvd_pci_allowed = NULL;

static int nvd_env_init(const char *name, int shm_id, const char *core_mask, int main_core,
                        int mem_size, const char *huge_dir, int no_pci,
                        char **allowed, int nallowed) {
    struct spdk_env_opts opts;
    spdk_env_opts_init(&opts);
    opts.name = name;
    opts.shm_id = shm_id;
    opts.core_mask = core_mask;
    opts.main_core = main_core;
    if (mem_size > 0) {
        opts.mem_size = mem_size;
    }
    if (huge_dir && huge_dir[0] != '\0') {
        opts.hugedir = huge_dir;
    }
    opts.no_pci = no_pci != 0;
    if (nallowed > 0) {
        nvd_pci_allowed = calloc(nallowed, sizeof(struct spdk_pci_addr));
        if (!nvd_pci_allowed) {
            return -ENOMEM;
        }
        for (int i = 0; i < nallowed; i++) {
            if (spdk_pci_addr_parse(&nvd_pci_allowed[i], allowed[i]) != 0) {
                free(nvd_pci_allowed);
                nvd_pci_allowed = NULL;
                return -EINVAL;
            }
        }
        opts.pci_allowed = nvd_pci_allowed;
        opts.num_pci_addr = nallowed;
    }
    return spdk_env_init(&opts);
}

static bool nvd_probe_cb(void *ctx, const struct spdk_nvme_transport_id *trid,
                         struct spdk_nvme_ctrlr_opts *opts) {
    return goProbe((uintptr_t)ctx, (struct spdk_nvme_transport_id *)trid, opts) != 0;
}

static void nvd_attach_cb(void *ctx, const struct spdk_nvme_transport_id *trid,
                          struct spdk_nvme_ctrlr *ctrlr, const struct spdk_nvme_ctrlr_opts *opts) {
    goAttach((uintptr_t)ctx, (struct spdk_nvme_transport_id *)trid, ctrlr,
             (struct spdk_nvme_ctrlr_opts *)opts);
}

static int nvd_probe(const struct spdk_nvme_transport_id *trid, uintptr_t ctx) {
    return spdk_nvme_probe(trid, (void *)ctx, nvd_probe_cb, nvd_attach_cb, NULL);
}

static __thread uintptr_t nvd_cur_qctx;

static void nvd_io_done(void *arg, const struct spdk_nvme_cpl *cpl) {
    uint16_t status;
    memcpy(&status, &cpl->status, sizeof(status));
    goComplete(nvd_cur_qctx, (uint64_t)(uintptr_t)arg, cpl->cdw0, cpl->sqhd, cpl->sqid, cpl->cid, status);
}

static int32_t nvd_process(struct spdk_nvme_qpair *qpair, uint32_t max, uintptr_t qctx) {
    uintptr_t prev = nvd_cur_qctx;
    nvd_cur_qctx = qctx;
    int32_t rc = spdk_nvme_qpair_process_completions(qpair, max);
    nvd_cur_qctx = prev;
    return rc;
}

static int nvd_submit(struct spdk_nvme_ns *ns, struct spdk_nvme_qpair *qpair, uint8_t opc,
                      void *buf, uint64_t lba, uint32_t count, uint64_t tag, uint32_t flags) {
    void *arg = (void *)(uintptr_t)tag;
    switch (opc) {
    case SPDK_NVME_OPC_READ:
        return spdk_nvme_ns_cmd_read(ns, qpair, buf, lba, count, nvd_io_done, arg, flags);
    case SPDK_NVME_OPC_WRITE:
        return spdk_nvme_ns_cmd_write(ns, qpair, buf, lba, count, nvd_io_done, arg, flags);
    case SPDK_NVME_OPC_WRITE_ZEROES:
        return spdk_nvme_ns_cmd_write_zeroes(ns, qpair, lba, count, nvd_io_done, arg, flags);
    case SPDK_NVME_OPC_FLUSH:
        return spdk_nvme_ns_cmd_flush(ns, qpair, nvd_io_done, arg);
    default:
        return -EINVAL;
    }
}

static struct spdk_nvme_qpair *nvd_alloc_qpair(struct spdk_nvme_ctrlr *ctrlr, int prio) {
    struct spdk_nvme_io_qpair_opts opts;
    spdk_nvme_ctrlr_get_default_io_qpair_opts(ctrlr, &opts, sizeof(opts));
    opts.qprio = prio;
    return spdk_nvme_ctrlr_alloc_io_qpair(ctrlr, &opts, sizeof(opts));
}

static void nvd_ns_extra(struct spdk_nvme_ns *ns, uint16_t *nawun, uint16_t *nawupf,
                         uint16_t *nabsn, uint16_t *noiob) {
    const struct spdk_nvme_ns_data *d = spdk_nvme_ns_get_data(ns);
    *nawun = d->nawun;
    *nawupf = d->nawupf;
    *nabsn = d->nabsn;
    *noiob = d->noiob;
}
*/
import "C"

import (
	"bytes"
	"errors"
	"fmt"
	"runtime/cgo"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

// SPDK keeps its environment in process globals and cannot initialize it
// twice.
var (
	envMu          sync.Mutex
	envInitialized bool
	envCStrings    []unsafe.Pointer
)

// Engine binds nvmedrv to SPDK.
type Engine struct {
	logger *zap.Logger
}

var _ nvmedrv.Engine = (*Engine)(nil)

// New returns the SPDK engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) setLogger(l *zap.Logger) { e.logger = l }

func (e *Engine) InitEnv(opts nvmedrv.EnvOptions) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envInitialized {
		return nvmedrv.ErrEnvAlreadyInitialized
	}

	// The environment keeps pointers to these for the life of the process.
	keep := func(s string) *C.char {
		cs := C.CString(s)
		envCStrings = append(envCStrings, unsafe.Pointer(cs))
		return cs
	}

	allowed := make([]*C.char, len(opts.PCIAllowed))
	for i, addr := range opts.PCIAllowed {
		allowed[i] = C.CString(addr)
	}
	defer func() {
		for _, cs := range allowed {
			C.free(unsafe.Pointer(cs))
		}
	}()
	var allowedPtr **C.char
	if len(allowed) > 0 {
		allowedPtr = (**C.char)(C.malloc(C.size_t(len(allowed)) * C.size_t(unsafe.Sizeof(uintptr(0)))))
		defer C.free(unsafe.Pointer(allowedPtr))
		copy(unsafe.Slice(allowedPtr, len(allowed)), allowed)
	}

	noPCI := 0
	if opts.NoPCI {
		noPCI = 1
	}
	rc := C.nvd_env_init(keep(opts.Name), C.int(opts.ShmID), keep(opts.CoreMask), C.int(opts.MainCore),
		C.int(opts.MemSizeMB), keep(opts.HugeDir), C.int(noPCI), allowedPtr, C.int(len(allowed)))
	if rc < 0 {
		return fmt.Errorf("spdk_env_init: %w", syscall.Errno(-rc))
	}
	envInitialized = true
	e.logger.Info("spdk environment initialized", zap.String("name", opts.Name))
	return nil
}

type probeCtx struct {
	engine *Engine
	probe  nvmedrv.NativeProbeFunc
	attach nvmedrv.NativeAttachFunc
}

func (e *Engine) Probe(trid *nvmedrv.TransportID, probe nvmedrv.NativeProbeFunc, attach nvmedrv.NativeAttachFunc) error {
	envMu.Lock()
	ready := envInitialized
	envMu.Unlock()
	if !ready {
		return nvmedrv.ErrEnvNotInitialized
	}

	var ctrid *C.struct_spdk_nvme_transport_id
	if trid != nil {
		ctrid = (*C.struct_spdk_nvme_transport_id)(C.calloc(1, C.size_t(unsafe.Sizeof(C.struct_spdk_nvme_transport_id{}))))
		defer C.free(unsafe.Pointer(ctrid))
		cs := C.CString(trid.String())
		defer C.free(unsafe.Pointer(cs))
		if rc := C.spdk_nvme_transport_id_parse(ctrid, cs); rc != 0 {
			return fmt.Errorf("spdk_nvme_transport_id_parse %q: %w", trid.String(), syscall.Errno(-rc))
		}
	}

	h := cgo.NewHandle(&probeCtx{engine: e, probe: probe, attach: attach})
	defer h.Delete()

	if rc := C.nvd_probe(ctrid, C.uintptr_t(h)); rc != 0 {
		return fmt.Errorf("spdk_nvme_probe: %w", syscall.Errno(-rc))
	}
	return nil
}

func (e *Engine) AllocDMA(size, align int, zeroed bool) nvmedrv.DMARegion {
	var p unsafe.Pointer
	if zeroed {
		p = C.spdk_dma_zmalloc(C.size_t(size), C.size_t(align), nil)
	} else {
		p = C.spdk_dma_malloc(C.size_t(size), C.size_t(align), nil)
	}
	if p == nil {
		return nil
	}
	return &dmaRegion{ptr: p, buf: unsafe.Slice((*byte)(p), size)}
}

type dmaRegion struct {
	once sync.Once
	ptr  unsafe.Pointer
	buf  []byte
}

func (r *dmaRegion) Bytes() []byte { return r.buf }

func (r *dmaRegion) Free() {
	r.once.Do(func() {
		C.spdk_dma_free(r.ptr)
		r.ptr = nil
		r.buf = nil
	})
}

func cString(p unsafe.Pointer, n int) string {
	b := C.GoBytes(p, C.int(n))
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func transportIDFromC(t *C.struct_spdk_nvme_transport_id) nvmedrv.TransportID {
	kind := nvmedrv.TransportType(t.trtype)
	addr := cString(unsafe.Pointer(&t.traddr[0]), len(t.traddr))

	parts := []string{"trtype:" + kind.String(), "traddr:" + addr}
	if svc := cString(unsafe.Pointer(&t.trsvcid[0]), len(t.trsvcid)); svc != "" {
		parts = append(parts, "trsvcid:"+svc)
	}
	if nqn := cString(unsafe.Pointer(&t.subnqn[0]), len(t.subnqn)); nqn != "" {
		parts = append(parts, "subnqn:"+nqn)
	}
	if parsed, err := nvmedrv.ParseTransportID(strings.Join(parts, " ")); err == nil {
		return *parsed
	}
	return nvmedrv.NewTransportID(kind, addr)
}

func optionsFromC(o *C.struct_spdk_nvme_ctrlr_opts) nvmedrv.ControllerOptions {
	return nvmedrv.ControllerOptions{
		NumIOQueues:         uint32(o.num_io_queues),
		IOQueueSize:         uint32(o.io_queue_size),
		IOQueueRequests:     uint32(o.io_queue_requests),
		AdminQueueSize:      uint16(o.admin_queue_size),
		KeepAliveTimeout:    time.Duration(o.keep_alive_timeout_ms) * time.Millisecond,
		Arbitration:         nvmedrv.Arbitration(o.arb_mechanism),
		HostNQN:             cString(unsafe.Pointer(&o.hostnqn[0]), len(o.hostnqn)),
		HeaderDigest:        bool(o.header_digest),
		DataDigest:          bool(o.data_digest),
		DisableErrorLogging: bool(o.disable_error_logging),
	}
}

func optionsToC(src nvmedrv.ControllerOptions, o *C.struct_spdk_nvme_ctrlr_opts) {
	o.num_io_queues = C.uint32_t(src.NumIOQueues)
	o.io_queue_size = C.uint32_t(src.IOQueueSize)
	o.io_queue_requests = C.uint32_t(src.IOQueueRequests)
	o.admin_queue_size = C.uint16_t(src.AdminQueueSize)
	o.keep_alive_timeout_ms = C.uint32_t(src.KeepAliveTimeout / time.Millisecond)
	o.arb_mechanism = C.enum_spdk_nvme_cc_ams(src.Arbitration)
	o.header_digest = C.bool(src.HeaderDigest)
	o.data_digest = C.bool(src.DataDigest)
	o.disable_error_logging = C.bool(src.DisableErrorLogging)
	if src.HostNQN != "" {
		n := min(len(src.HostNQN), len(o.hostnqn)-1)
		dst := unsafe.Slice((*byte)(unsafe.Pointer(&o.hostnqn[0])), len(o.hostnqn))
		clear(dst)
		copy(dst, src.HostNQN[:n])
	}
}

type controller struct {
	ctrlr *C.struct_spdk_nvme_ctrlr
}

func (c *controller) Data() nvmedrv.ControllerData {
	d := C.spdk_nvme_ctrlr_get_data(c.ctrlr)
	return nvmedrv.ControllerData{
		VendorID:                 uint16(d.vid),
		SubsystemVendorID:        uint16(d.ssvid),
		SerialNumber:             cString(unsafe.Pointer(&d.sn[0]), len(d.sn)),
		ModelNumber:              cString(unsafe.Pointer(&d.mn[0]), len(d.mn)),
		FirmwareRevision:         cString(unsafe.Pointer(&d.fr[0]), len(d.fr)),
		ControllerID:             uint16(d.cntlid),
		AtomicWriteUnitNormal:    uint16(d.awun),
		AtomicWriteUnitPowerFail: uint16(d.awupf),
		NumNamespaces:            uint32(C.spdk_nvme_ctrlr_get_num_ns(c.ctrlr)),
	}
}

func (c *controller) NumNamespaces() uint32 {
	return uint32(C.spdk_nvme_ctrlr_get_num_ns(c.ctrlr))
}

func (c *controller) Namespace(id uint32) nvmedrv.NativeNamespace {
	ns := C.spdk_nvme_ctrlr_get_ns(c.ctrlr, C.uint32_t(id))
	if ns == nil {
		return nil
	}
	return &namespace{ns: ns, id: id}
}

func (c *controller) AllocIOQueuePair(prio nvmedrv.QueuePriority) (nvmedrv.NativeQueuePair, error) {
	qp := C.nvd_alloc_qpair(c.ctrlr, C.int(prio))
	if qp == nil {
		return nil, errors.New("spdk_nvme_ctrlr_alloc_io_qpair returned NULL")
	}
	q := &queuePair{ctrlr: c, qpair: qp}
	q.handle = cgo.NewHandle(q)
	return q, nil
}

func (c *controller) Detach() error {
	if rc := C.spdk_nvme_detach(c.ctrlr); rc != 0 {
		return fmt.Errorf("spdk_nvme_detach: %w", syscall.Errno(-rc))
	}
	c.ctrlr = nil
	return nil
}

type namespace struct {
	ns *C.struct_spdk_nvme_ns
	id uint32
}

func (n *namespace) ID() uint32     { return n.id }
func (n *namespace) IsActive() bool { return bool(C.spdk_nvme_ns_is_active(n.ns)) }

func (n *namespace) Data() nvmedrv.NamespaceData {
	if !n.IsActive() {
		return nvmedrv.NamespaceData{}
	}
	var nawun, nawupf, nabsn, noiob C.uint16_t
	C.nvd_ns_extra(n.ns, &nawun, &nawupf, &nabsn, &noiob)
	return nvmedrv.NamespaceData{
		SizeBytes:                uint64(C.spdk_nvme_ns_get_size(n.ns)),
		SectorSize:               uint32(C.spdk_nvme_ns_get_sector_size(n.ns)),
		NumSectors:               uint64(C.spdk_nvme_ns_get_num_sectors(n.ns)),
		AtomicWriteUnitNormal:    uint16(nawun),
		AtomicWriteUnitPowerFail: uint16(nawupf),
		AtomicBoundarySizeNormal: uint16(nabsn),
		OptimalIOBoundary:        uint32(noiob),
		ProtectionInfo:           C.spdk_nvme_ns_get_pi_type(n.ns) != 0,
	}
}

type queuePair struct {
	ctrlr  *controller
	qpair  *C.struct_spdk_nvme_qpair
	handle cgo.Handle
	fn     func(tag uint64, cpl *nvmedrv.Completion)
	cpl    nvmedrv.Completion
}

func (q *queuePair) Submit(cmd *nvmedrv.Command) error {
	ns := C.spdk_nvme_ctrlr_get_ns(q.ctrlr.ctrlr, C.uint32_t(cmd.NSID))
	if ns == nil {
		return fmt.Errorf("namespace %d not found", cmd.NSID)
	}
	var buf unsafe.Pointer
	if len(cmd.Buf) > 0 {
		buf = unsafe.Pointer(&cmd.Buf[0])
	}
	rc := C.nvd_submit(ns, q.qpair, C.uint8_t(cmd.Opcode), buf, C.uint64_t(cmd.LBA),
		C.uint32_t(cmd.Count), C.uint64_t(cmd.Tag), C.uint32_t(cmd.Flags))
	switch {
	case rc == 0:
		return nil
	case rc == -C.ENOMEM:
		return nvmedrv.ErrQueueFull
	default:
		return fmt.Errorf("submit %s: %w", cmd.Opcode, syscall.Errno(-rc))
	}
}

func (q *queuePair) ProcessCompletions(max uint32, fn func(tag uint64, cpl *nvmedrv.Completion)) (int, error) {
	prev := q.fn
	q.fn = fn
	rc := C.nvd_process(q.qpair, C.uint32_t(max), C.uintptr_t(q.handle))
	q.fn = prev
	if rc < 0 {
		return 0, fmt.Errorf("spdk_nvme_qpair_process_completions: %w", syscall.Errno(-rc))
	}
	return int(rc), nil
}

func (q *queuePair) complete(tag uint64) {
	if q.fn != nil {
		q.fn(tag, &q.cpl)
	}
}

func (q *queuePair) Free() error {
	rc := C.spdk_nvme_ctrlr_free_io_qpair(q.qpair)
	q.handle.Delete()
	q.qpair = nil
	if rc != 0 {
		return fmt.Errorf("spdk_nvme_ctrlr_free_io_qpair: %w", syscall.Errno(-rc))
	}
	return nil
}
