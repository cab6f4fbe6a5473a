// Package mdf implements the Multi-DSP Framework utilities: given a
// subgraph set, compute the subsystem bitmask it needs, allocate loaned
// memory shared by a processor group, and bring dynamic-PD satellites up
// or down on demand.
//
// Grounded on gsl_mdf_utils.c/.h (original_source/gsl): query_graph_ss_mask,
// register_dynamic_pd/deregister_dynamic_pd with reverse-order unwind on
// failure, and notify_ss_restarted. Processor-group layout (master,
// satellites, loaned-memory size, domain type) is loaded from
// internal/gslconfig the way the original loads it from ACDB's
// PARAM_ID_PROC_GROUP_INFO_PARAMS/PARAM_ID_PROC_DOMAIN_INFO.
package mdf

import (
	"sync"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gslconfig"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gsllog"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/shmem"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/signal"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/ssstate"
)

var log = gsllog.For("mdf")

// DynPD is the narrow OS collaborator for bringing a dynamic-PD subsystem
// up or down (ar_osal_dyn_pd.c on target).
type DynPD interface {
	Init(procID uint32) error
	Deinit(procID uint32) error
}

// Satellite is the narrow SPF announce surface: register/unregister a
// satellite processor via APM_CMD_SHARED_SATELLITE_MEM_MAP_REGIONS.
type Satellite interface {
	AnnounceSatellite(procID uint32, loanedHandle *shmem.AllocResult) error
	WithdrawSatellite(procID uint32) error
}

type groupState struct {
	mu          sync.Mutex
	refCount    int
	loaned      *shmem.AllocResult
	dynPDUp     map[uint32]int // per-satellite dyn-pd refcount within the group
}

// Utils is the process-wide MDF utilities instance.
type Utils struct {
	cfg       *gslconfig.Config
	acdbCli   acdb.Client
	shmemMgr  *shmem.Manager
	dynPD     DynPD
	satellite Satellite
	tracker   *ssstate.Tracker

	mu     sync.Mutex
	groups map[uint32]*groupState // keyed by group master proc
}

func New(cfg *gslconfig.Config, acdbCli acdb.Client, shmemMgr *shmem.Manager, dynPD DynPD, sat Satellite, tracker *ssstate.Tracker) *Utils {
	return &Utils{
		cfg: cfg, acdbCli: acdbCli, shmemMgr: shmemMgr, dynPD: dynPD, satellite: sat, tracker: tracker,
		groups: make(map[uint32]*groupState),
	}
}

// QueryGraphSSMask returns the union of processor bits the given subgraph
// set needs, looked up via GET_SUBGRAPH_PROCIDS.
func (u *Utils) QueryGraphSSMask(sgIDs []uint32) (uint32, error) {
	var mask uint32
	for _, id := range sgIDs {
		procIDs, err := u.acdbCli.GetSubgraphProcIDs(id)
		if err != nil {
			return 0, arerr.Wrap(arerr.EFAILED, "mdf.QueryGraphSSMask", err)
		}
		for _, p := range procIDs {
			mask |= p
		}
	}
	return mask, nil
}

func (u *Utils) groupFor(master uint32) *groupState {
	u.mu.Lock()
	defer u.mu.Unlock()
	g, ok := u.groups[master]
	if !ok {
		g = &groupState{dynPDUp: make(map[uint32]int)}
		u.groups[master] = g
	}
	return g
}

// ensureLoanedMemory allocates the processor group's loaned memory block on
// first use; subsequent callers just bump the refcount. This refcount is
// independent of the subgraph pool's refcounts per SPEC_FULL.md supplemented
// feature C.2.
func (u *Utils) ensureLoanedMemory(master uint32, ssMask uint32) (*shmem.AllocResult, error) {
	group, ok := u.cfg.GroupFor(master)
	if !ok {
		return nil, arerr.New(arerr.ENOTREADY, "mdf.ensureLoanedMemory: processor group not configured")
	}
	g := u.groupFor(master)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.loaned != nil {
		g.refCount++
		return g.loaned, nil
	}
	res, err := u.shmemMgr.AllocExt(group.LoanedShmemSize, ssMask, shmem.FlagLoaned, master)
	if err != nil {
		return nil, arerr.Wrap(arerr.ENOMEMORY, "mdf.ensureLoanedMemory: alloc", err)
	}
	g.loaned = res
	g.refCount = 1
	return res, nil
}

func (u *Utils) releaseLoanedMemory(master uint32) {
	g := u.groupFor(master)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loaned == nil {
		return
	}
	g.refCount--
	if g.refCount <= 0 {
		u.shmemMgr.Free(g.loaned)
		g.loaned = nil
	}
}

// RegisterDynamicPD walks every satellite in ssMask that is configured as
// DYNAMIC_PD, brings it up, loans memory for the group if not already
// held, and announces the satellite to SPF. On any failure it unwinds in
// reverse.
func (u *Utils) RegisterDynamicPD(ssMask uint32, master uint32, srcPort uint32, sig *signal.Signal) (dynSSMask uint32, err error) {
	group, ok := u.cfg.GroupFor(master)
	if !ok {
		return 0, arerr.New(arerr.ENOTREADY, "mdf.RegisterDynamicPD: processor group not configured")
	}

	var brought []uint32
	var loanedAllocated bool

	defer func() {
		if err == nil {
			return
		}
		for i := len(brought) - 1; i >= 0; i-- {
			proc := brought[i]
			if e := u.satellite.WithdrawSatellite(proc); e != nil {
				log.Error("withdraw during unwind failed", "proc", proc, "err", e)
			}
			u.decDynPD(master, proc)
		}
		if loanedAllocated {
			u.releaseLoanedMemory(master)
		}
	}()

	for _, sat := range group.Satellites {
		if ssMask&sat == 0 {
			continue
		}
		if group.DomainTypes[sat] != gslconfig.DynamicPD {
			continue
		}
		if !ProcDevicePresent(sat) {
			log.Warn("configured satellite has no host-visible remoteproc node, skipping", "proc", sat)
			continue
		}
		if u.incDynPD(master, sat) == 1 {
			if e := u.dynPD.Init(sat); e != nil {
				u.decDynPD(master, sat)
				return 0, arerr.Wrap(arerr.EFAILED, "mdf.RegisterDynamicPD: dyn-pd-init", e)
			}
		}
		dynSSMask |= sat
		brought = append(brought, sat)
	}

	if dynSSMask == 0 {
		return 0, nil
	}

	loaned, allocErr := u.ensureLoanedMemory(master, ssMask)
	if allocErr != nil {
		err = allocErr
		return 0, err
	}
	loanedAllocated = true

	for _, sat := range brought {
		if e := u.satellite.AnnounceSatellite(sat, loaned); e != nil {
			err = arerr.Wrap(arerr.EFAILED, "mdf.RegisterDynamicPD: announce satellite", e)
			return 0, err
		}
	}

	return dynSSMask, nil
}

func (u *Utils) incDynPD(master, proc uint32) int {
	g := u.groupFor(master)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dynPDUp[proc]++
	return g.dynPDUp[proc]
}

func (u *Utils) decDynPD(master, proc uint32) int {
	g := u.groupFor(master)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dynPDUp[proc] > 0 {
		g.dynPDUp[proc]--
	}
	return g.dynPDUp[proc]
}

// DeregisterDynamicPD decrements refcounts and tears down dyn-pd (and
// releases the loaned memory) on last release, reversing RegisterDynamicPD.
func (u *Utils) DeregisterDynamicPD(ssMask uint32, master uint32) error {
	group, ok := u.cfg.GroupFor(master)
	if !ok {
		return nil
	}
	var anyReleased bool
	for _, sat := range group.Satellites {
		if ssMask&sat == 0 {
			continue
		}
		if group.DomainTypes[sat] != gslconfig.DynamicPD {
			continue
		}
		if e := u.satellite.WithdrawSatellite(sat); e != nil {
			log.Error("withdraw satellite failed", "proc", sat, "err", e)
		}
		if u.decDynPD(master, sat) == 0 {
			if e := u.dynPD.Deinit(sat); e != nil {
				log.Error("dyn-pd-deinit failed", "proc", sat, "err", e)
			}
		}
		anyReleased = true
	}
	if anyReleased {
		u.releaseLoanedMemory(master)
	}
	return nil
}

// NotifySSRestarted triggers re-mapping of the loaned memory for every
// affected processor group after an SSR recovery.
func (u *Utils) NotifySSRestarted(mask uint32) {
	u.mu.Lock()
	masters := make([]uint32, 0, len(u.groups))
	for m := range u.groups {
		masters = append(masters, m)
	}
	u.mu.Unlock()

	for _, master := range masters {
		group, ok := u.cfg.GroupFor(master)
		if !ok {
			continue
		}
		affected := mask & (group.Master)
		for _, sat := range group.Satellites {
			affected |= mask & sat
		}
		if affected == 0 {
			continue
		}
		g := u.groupFor(master)
		g.mu.Lock()
		loaned := g.loaned
		g.mu.Unlock()
		if loaned != nil {
			if err := u.satellite.AnnounceSatellite(group.Master, loaned); err != nil {
				log.Error("re-announce after SSR failed", "master", master, "err", err)
			}
		}
	}
}
