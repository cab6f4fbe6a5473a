// Package graph implements the per-client graph instance: the GKV-node
// list, the state machine, and the calibration/open/close/start/stop
// protocol against SPF. Datapath endpoints live in datapath.go.
//
// The mutex hierarchy separates open-close, start-stop, config, and the
// GKV-node list into independent locks rather than one coarse lock, the
// same "one lock per serialisation domain, one condition variable per
// waiter group" split a multi-channel protocol stack uses when several
// independent state machines share a process.
package graph

import (
	"sync"
	"time"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/globalcal"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gpr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gsllog"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/mdf"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/sgpool"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/shmem"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/signal"
)

var log = gsllog.For("graph")

// State is one of the graph instance's life-cycle states.
type State int

const (
	Idle State = iota
	Opened
	Stopped
	Started
	Error
	ErrorAllowCleanup
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Opened:
		return "OPENED"
	case Stopped:
		return "STOPPED"
	case Started:
		return "STARTED"
	case Error:
		return "ERROR"
	case ErrorAllowCleanup:
		return "ERROR_ALLOW_CLEANUP"
	default:
		return "UNKNOWN"
	}
}

// CommandGroup names the concurrency group a signal belongs to: one of
// control-group-1/2/3, read-dp, write-dp, or transient-state.
const (
	GroupControl1      = "control-1"
	GroupControl2      = "control-2"
	GroupControl3      = "control-3"
	GroupReadDP        = "read-dp"
	GroupWriteDP       = "write-dp"
	GroupTransientState = "transient-state"
)

// Opcodes this package emits.
const (
	OpGraphOpen    gpr.Opcode = 0x01001000
	OpGraphPrepare gpr.Opcode = 0x01001001
	OpGraphStart   gpr.Opcode = 0x01001002
	OpGraphStop    gpr.Opcode = 0x01001003
	OpGraphClose   gpr.Opcode = 0x01001004
	OpGraphSuspend gpr.Opcode = 0x01001005
	OpGraphFlush   gpr.Opcode = 0x01001006
	OpSetCfg       gpr.Opcode = 0x01001007
	OpGetCfg       gpr.Opcode = 0x01001008
	OpRegisterCfg  gpr.Opcode = 0x01001009
	OpRegisterSharedCfg gpr.Opcode = 0x0100100A
)

// inBandThreshold is the 256-byte in-band/out-of-band cutoff.
const inBandThreshold = 256

// apmModuleInstanceID is the APM module's own id, the addressing fallback
// for a multi-parameter set/get-config payload.
const apmModuleInstanceID = 0x00000001

// GKVNode represents one (GKV, CKV) opened within a graph instance.
type GKVNode struct {
	GKV, CKV acdb.KV
	SGs      []*sgpool.Subgraph
	Edges    []acdb.Edge

	SGStartMask uint64 // bit i: this node contributed the start refcount on SGs[i]
	SGStopMask  uint64

	GlobalPersistCalIDs []uint32
}

// Coordinator owns every process-wide singleton a graph instance needs:
// the subgraph pool, global-persist-cal pool, shared-memory manager, MDF
// utilities, GPR facade, and ACDB client. One Coordinator per process;
// every Graph is constructed from it.
type Coordinator struct {
	SGPool    *sgpool.Pool
	GlobalCal *globalcal.Pool
	Shmem     *shmem.Manager
	MDF       *mdf.Utils
	GPR       *gpr.Facade
	ACDB      acdb.Client

	// openCloseMu and startStopMu are the process-wide locks #1 and #2 in
	// the mutex hierarchy; open/close and start/stop that cross a refcount
	// boundary serialise on these.
	openCloseMu sync.Mutex
	startStopMu sync.Mutex

	nextGraphID uint64
	idMu        sync.Mutex
}

func NewCoordinator(sgPool *sgpool.Pool, globalCal *globalcal.Pool, shmemMgr *shmem.Manager, mdfUtils *mdf.Utils, gprFacade *gpr.Facade, acdbCli acdb.Client) *Coordinator {
	return &Coordinator{SGPool: sgPool, GlobalCal: globalCal, Shmem: shmemMgr, MDF: mdfUtils, GPR: gprFacade, ACDB: acdbCli}
}

func (c *Coordinator) allocGraphID() uint64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.nextGraphID++
	return c.nextGraphID
}

// Graph is a client handle: one per open() call.
type Graph struct {
	coord *Coordinator

	id         uint64
	srcPort    uint32
	masterProc uint32
	dynSSMask  uint32 // satellites registered via RegisterDynamicPD across every Open; torn down in Close

	lifecycleMu sync.Mutex // per-graph lifecycle lock, hierarchy level 3
	configMu    sync.Mutex // get/set-config lock, level 4
	gkvListMu   sync.Mutex // GKV-list lock, level 5

	state State
	nodes []*GKVNode

	signals map[string]*signal.Signal

	readEP, writeEP *DatapathEndpoint

	stopInProg, flushInProg   bool
	readInProg, writeInProg   bool
	transStateChangeSig       *signal.Signal
}

// NewGraph allocates a fresh, unopened graph instance bound to coord and
// masterProc. srcPort is the packet-router source port this instance will
// register/unregister for reply dispatch.
func NewGraph(coord *Coordinator, masterProc uint32, srcPort uint32) *Graph {
	g := &Graph{
		coord:      coord,
		id:         coord.allocGraphID(),
		srcPort:    srcPort,
		masterProc: masterProc,
		state:      Idle,
		signals:    make(map[string]*signal.Signal),
	}
	for _, grp := range []string{GroupControl1, GroupControl2, GroupControl3, GroupReadDP, GroupWriteDP, GroupTransientState} {
		sig := signal.New()
		g.signals[grp] = sig
	}
	g.transStateChangeSig = g.signals[GroupTransientState]
	return g
}

// ID returns this instance's process-unique graph id, used by callers that
// track live graphs externally (e.g. initfacade's SSR fan-out).
func (g *Graph) ID() uint64 { return g.id }

// MasterProc returns the SPF master processor this instance was opened
// against.
func (g *Graph) MasterProc() uint32 { return g.masterProc }

func (g *Graph) State() State {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	return g.state
}

func (g *Graph) setState(s State) {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	if g.state == Error || g.state == ErrorAllowCleanup {
		if s != Error && s != ErrorAllowCleanup {
			return // ERROR is a sink; monotonic once entered
		}
	}
	g.state = s
}

// checkNotErrored returns ESUBSYSRESET if the graph is in a terminal error
// state and the requested operation is not close.
func (g *Graph) checkNotErrored(allowInError bool) error {
	st := g.State()
	if (st == Error || st == ErrorAllowCleanup) && !allowInError {
		return arerr.New(arerr.ESUBSYSRESET, "graph: instance is in ERROR state")
	}
	return nil
}

// Open looks up GKV/CKV in ACDB, adds every subgraph+edge to the pool,
// allocates the combined SUB_GRAPH_LIST + edge payload, sends
// APM_CMD_GRAPH_OPEN, applies calibration, and registers dynamic-PDs if the
// graph spans non-master processors.
func (g *Graph) Open(gkv, ckv acdb.KV) error {
	if err := g.checkNotErrored(false); err != nil {
		return err
	}

	g.coord.openCloseMu.Lock()
	defer g.coord.openCloseMu.Unlock()

	result, err := g.coord.ACDB.GetGraph(gkv, ckv)
	if err != nil {
		return arerr.Wrap(arerr.EFAILED, "graph.Open: GetGraph", err)
	}

	node := &GKVNode{GKV: gkv, CKV: ckv, Edges: result.Edges}

	wasNew := make(map[uint32]bool)
	var rollback []uint32
	for _, sgData := range result.Subgraphs {
		sg, isNew := g.coord.SGPool.Add(sgData.SGID)
		if isNew {
			sg.RoutingProc = sgData.RoutingProc
			sg.Flushable = sgData.Flushable
			sg.SGType = sgData.SGType
			sg.ProcIDs = sgData.ProcIDs
		}
		wasNew[sgData.SGID] = isNew
		node.SGs = append(node.SGs, sg)
		rollback = append(rollback, sgData.SGID)
	}

	sgIDs := make([]uint32, len(node.SGs))
	for i, sg := range node.SGs {
		sgIDs[i] = sg.SGID
	}
	pruned := sgpool.PruneSGList(sgIDs, wasNew)

	if len(pruned.New) == 0 {
		// Zero-subgraph (or fully-shared) graph: nothing new to tell SPF
		// about, so no command goes out at all.
		g.addNode(node)
		g.setState(Opened)
		return nil
	}

	ssMask, err := g.coord.MDF.QueryGraphSSMask(pruned.New)
	if err != nil {
		g.rollbackOpen(rollback)
		return err
	}

	payloadSize := len(pruned.New)*4 + len(node.Edges)*8
	alloc, err := g.coord.Shmem.Alloc(uint32(payloadSize), g.masterProc)
	if err != nil {
		g.rollbackOpen(rollback)
		return arerr.Wrap(arerr.ENOMEMORY, "graph.Open: shmem alloc", err)
	}
	defer g.coord.Shmem.Free(alloc)

	sig := g.signals[GroupControl1]
	pkt := g.coord.GPR.AllocatePacket(OpGraphOpen, g.srcPort, 0, payloadSize, 0)
	g.coord.GPR.RegisterReplySignal(g.srcPort, gpr.BasicResponseOpcode, sig)
	_, err = g.coord.GPR.SendCmd(g.id, GroupControl1, pkt, sig, commandTimeout)
	if err != nil {
		g.rollbackOpen(rollback)
		return err
	}

	if ssMask&^g.masterProc != 0 {
		dynSSMask, err := g.coord.MDF.RegisterDynamicPD(ssMask, g.masterProc, g.srcPort, sig)
		if err != nil {
			log.Error("dynamic-PD registration failed during open", "err", err)
		} else {
			g.dynSSMask |= dynSSMask
		}
	}

	if err := g.applyCalibration(node, ckv); err != nil {
		log.Error("calibration failed during open", "err", err)
	}

	g.addNode(node)
	g.setState(Opened)
	return nil
}

func (g *Graph) rollbackOpen(sgIDs []uint32) {
	for _, id := range sgIDs {
		g.coord.SGPool.Remove(id, func(sg *sgpool.Subgraph) {})
	}
}

func (g *Graph) addNode(n *GKVNode) {
	g.gkvListMu.Lock()
	defer g.gkvListMu.Unlock()
	g.nodes = append(g.nodes, n)
}

const commandTimeout = 2 * time.Second

// Prepare sends GRAPH_PREPARE for SGs with start_ref==0.
func (g *Graph) Prepare() error {
	if err := g.checkNotErrored(false); err != nil {
		return err
	}
	return g.sendForUnstarted(OpGraphPrepare, GroupControl1)
}

// Start sends GRAPH_START only for SGs whose start_ref_cnt is currently
// zero, then transitions to STARTED.
func (g *Graph) Start() error {
	if err := g.checkNotErrored(false); err != nil {
		return err
	}
	g.coord.startStopMu.Lock()
	defer g.coord.startStopMu.Unlock()

	var toStart []uint32
	g.gkvListMu.Lock()
	for _, n := range g.nodes {
		for i, sg := range n.SGs {
			bit := uint64(1) << uint(i)
			if n.SGStartMask&bit != 0 {
				continue
			}
			if g.coord.SGPool.IncStart(sg) {
				toStart = append(toStart, sg.SGID)
			}
			n.SGStartMask |= bit
			n.SGStopMask &^= bit
		}
	}
	g.gkvListMu.Unlock()

	if len(toStart) > 0 {
		if err := g.sendSGList(OpGraphStart, GroupControl2, toStart); err != nil {
			return err
		}
	}
	g.setState(Started)
	if ep := g.readEP; ep != nil && !ep.startedOnce {
		ep.startedOnce = true
		ep.RequeueAll()
	}
	return nil
}

// Stop quiesces datapaths then sends GRAPH_STOP only for SGs whose
// start_ref_cnt==1 && stop_ref_cnt==0, transitioning to STOPPED.
func (g *Graph) Stop() error {
	if err := g.checkNotErrored(false); err != nil {
		return err
	}
	g.coord.startStopMu.Lock()
	defer g.coord.startStopMu.Unlock()

	g.lifecycleMu.Lock()
	g.stopInProg = true
	g.lifecycleMu.Unlock()
	g.quiesceDatapaths()
	defer func() {
		g.lifecycleMu.Lock()
		g.stopInProg = false
		g.lifecycleMu.Unlock()
	}()

	var toStop []uint32
	g.gkvListMu.Lock()
	for _, n := range g.nodes {
		for i, sg := range n.SGs {
			bit := uint64(1) << uint(i)
			if n.SGStopMask&bit != 0 {
				continue
			}
			if g.coord.SGPool.DecStop(sg) {
				toStop = append(toStop, sg.SGID)
			}
			n.SGStopMask |= bit
			n.SGStartMask &^= bit
		}
	}
	g.gkvListMu.Unlock()

	if len(toStop) > 0 {
		if err := g.sendSGList(OpGraphStop, GroupControl2, toStop); err != nil {
			return err
		}
	}
	g.setState(Stopped)
	return nil
}

// sendForUnstarted builds a SUB_GRAPH_LIST for every SG across all nodes
// whose start_ref_cnt is currently zero and sends opcode for it.
func (g *Graph) sendForUnstarted(opcode gpr.Opcode, group string) error {
	var sgIDs []uint32
	g.gkvListMu.Lock()
	for _, n := range g.nodes {
		for _, sg := range n.SGs {
			if sg.StartRefCnt == 0 {
				sgIDs = append(sgIDs, sg.SGID)
			}
		}
	}
	g.gkvListMu.Unlock()
	if len(sgIDs) == 0 {
		return nil
	}
	return g.sendSGList(opcode, group, sgIDs)
}

func (g *Graph) sendSGList(opcode gpr.Opcode, group string, sgIDs []uint32) error {
	sig := g.signals[group]
	payloadSize := len(sgIDs) * 4
	pkt := g.coord.GPR.AllocatePacket(opcode, g.srcPort, 0, payloadSize, 0)
	g.coord.GPR.RegisterReplySignal(g.srcPort, gpr.BasicResponseOpcode, sig)
	_, err := g.coord.GPR.SendCmd(g.id, group, pkt, sig, commandTimeout)
	if err != nil {
		if arerr.CodeOf(err) == arerr.ESUBSYSRESET {
			g.setState(Error)
		}
	}
	return err
}

// Suspend emits STOP for SGs whose other-instance refcounts make suspend
// illegal (i.e. shared with another instance), and SUSPEND for the rest —
// the ones exclusively owned by this instance.
func (g *Graph) Suspend() error {
	if err := g.checkNotErrored(false); err != nil {
		return err
	}
	var stopIDs, suspendIDs []uint32
	g.gkvListMu.Lock()
	for _, n := range g.nodes {
		for _, sg := range n.SGs {
			if sg.StartRefCnt > 1 {
				stopIDs = append(stopIDs, sg.SGID)
			} else {
				suspendIDs = append(suspendIDs, sg.SGID)
			}
		}
	}
	g.gkvListMu.Unlock()

	if len(stopIDs) > 0 {
		if err := g.sendSGList(OpGraphStop, GroupControl2, stopIDs); err != nil {
			return err
		}
	}
	if len(suspendIDs) > 0 {
		if err := g.sendSGList(OpGraphSuspend, GroupControl2, suspendIDs); err != nil {
			return err
		}
	}
	g.setState(Stopped)
	return nil
}

// Flush quiesces datapaths, sends FLUSH for SGs with the flushable
// property, then re-queues all read buffers.
func (g *Graph) Flush() error {
	if err := g.checkNotErrored(false); err != nil {
		return err
	}
	g.lifecycleMu.Lock()
	g.flushInProg = true
	g.lifecycleMu.Unlock()
	g.quiesceDatapaths()
	defer func() {
		g.lifecycleMu.Lock()
		g.flushInProg = false
		g.lifecycleMu.Unlock()
	}()

	var flushIDs []uint32
	g.gkvListMu.Lock()
	for _, n := range g.nodes {
		for _, sg := range n.SGs {
			if sg.Flushable {
				flushIDs = append(flushIDs, sg.SGID)
			}
		}
	}
	g.gkvListMu.Unlock()

	if len(flushIDs) > 0 {
		if err := g.sendSGList(OpGraphFlush, GroupControl3, flushIDs); err != nil {
			return err
		}
	}
	if g.readEP != nil {
		g.readEP.RequeueAll()
	}
	return nil
}

// Close deregisters calibration (tail node first), closes remaining SPF
// subgraphs/edges, decrements refcounts, deregisters dynamic-PDs, and
// unregisters the packet-router source port. Always legal, even in ERROR.
func (g *Graph) Close() error {
	g.coord.openCloseMu.Lock()
	defer g.coord.openCloseMu.Unlock()

	st := g.State()
	skipWire := st == Error || st == ErrorAllowCleanup

	g.gkvListMu.Lock()
	nodes := append([]*GKVNode(nil), g.nodes...)
	g.nodes = nil
	g.gkvListMu.Unlock()

	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		g.deregisterNodeCal(n)

		var closeSGs []uint32
		for _, sg := range n.SGs {
			last, err := g.coord.SGPool.Remove(sg.SGID, g.freeSGCal)
			if err != nil {
				log.Error("sgpool remove failed during close", "sg", sg.SGID, "err", err)
				continue
			}
			if last {
				closeSGs = append(closeSGs, sg.SGID)
			}
		}
		if !skipWire && len(closeSGs) > 0 {
			if err := g.sendSGList(OpGraphClose, GroupControl1, closeSGs); err != nil {
				log.Error("GRAPH_CLOSE send failed", "err", err)
			}
		}
	}

	if err := g.coord.MDF.DeregisterDynamicPD(g.dynSSMask, g.masterProc); err != nil {
		log.Error("deregister dynamic-PD on close failed", "err", err)
	}
	g.dynSSMask = 0
	g.coord.GPR.UnregisterPort(g.srcPort)
	g.setState(Idle)
	return nil
}

func (g *Graph) freeSGCal(sg *sgpool.Subgraph) {
	// Cached shmem allocations for persistent cal are tracked by handle in
	// the allocation result returned from the shmem manager; the pool
	// itself only stores raw bytes, so there is nothing further to unmap
	// here beyond clearing the maps (ownership note, DESIGN NOTES §9).
	sg.PersistCal = nil
	sg.CMAPersist = nil
}

func (g *Graph) deregisterNodeCal(n *GKVNode) {
	for _, calID := range n.GlobalPersistCalIDs {
		if err := g.coord.GlobalCal.Remove(calID); err != nil {
			log.Error("global-persist cal deregister failed", "cal", calID, "err", err)
		}
	}
}
