// datapath.go implements §4.I: per-endpoint shared-memory ring buffers
// against a DSP endpoint module, with buffer accounting, EOS, and the
// quiescing protocol stop/flush rely on.
package graph

import (
	"sync"
	"time"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gpr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/shmem"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/signal"
)

// Direction selects which of the graph's two optional datapath endpoints a
// call targets.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

const (
	OpDataWrite  gpr.Opcode = 0x02001000
	OpDataEOS    gpr.Opcode = 0x02001001
	OpDataEOSRsp gpr.Opcode = 0x02001002
	OpDataReadReq gpr.Opcode = 0x02001003
	OpDataReadDone gpr.Opcode = 0x02001004
)

// DataPathConfig is what configure_data_path takes: ring geometry and the
// tag used to resolve the endpoint module-instance-id.
type DataPathConfig struct {
	GKV       acdb.KV
	Tag       uint32
	BufSize   uint32
	NumBufs   int
}

type ringBuf struct {
	data  []byte
	alloc *shmem.AllocResult
}

// DatapathEndpoint owns a ring of shared-memory buffers, a cached
// module-instance-id, and its own signal/lock.
type DatapathEndpoint struct {
	g         *Graph
	dir       Direction
	miid      uint32
	bufSize   uint32
	ring      []ringBuf
	writeIdx  int
	readIdx   int
	filled    int // count of buffers SPF has returned as done (read) or accepted (write)
	inFlight  int

	mu  sync.Mutex
	sig *signal.Signal

	startedOnce bool // guards the IDLE->STARTED re-queue-once rule
}

// ConfigureDataPath allocates the ring, resolves the endpoint's
// module-instance-id via the client-supplied tag, and maps the buffer
// pages.
func (g *Graph) ConfigureDataPath(dir Direction, cfg DataPathConfig) error {
	modules, err := g.coord.ACDB.GetTaggedModules(cfg.Tag, cfg.GKV)
	if err != nil {
		return arerr.Wrap(arerr.EFAILED, "graph.ConfigureDataPath: tag lookup", err)
	}
	miid := uint32(0)
	if len(modules) > 0 {
		miid = modules[0].ModuleInstanceID
	}

	ep := &DatapathEndpoint{g: g, dir: dir, miid: miid, bufSize: cfg.BufSize}
	groupName := GroupWriteDP
	if dir == DirRead {
		groupName = GroupReadDP
	}
	ep.sig = g.signals[groupName]

	for i := 0; i < cfg.NumBufs; i++ {
		alloc, err := g.coord.Shmem.Alloc(cfg.BufSize, g.masterProc)
		if err != nil {
			return arerr.Wrap(arerr.ENOMEMORY, "graph.ConfigureDataPath: ring alloc", err)
		}
		ep.ring = append(ep.ring, ringBuf{data: make([]byte, cfg.BufSize), alloc: alloc})
	}

	if dir == DirRead {
		g.readEP = ep
	} else {
		g.writeEP = ep
	}
	return nil
}

// Write copies client bytes into the next available ring buffer, sends
// DATA_CMD_WR_SH_MEM_EP_DATA_BUFFER_V2, and advances the write pointer,
// blocking if every buffer is currently in flight.
func (g *Graph) Write(tag uint32, buf []byte) (consumed int, err error) {
	if err := g.checkNotErrored(false); err != nil {
		return 0, err
	}
	ep := g.writeEP
	if ep == nil {
		return 0, arerr.New(arerr.ENOTREADY, "graph.Write: no write endpoint configured")
	}

	g.lifecycleMu.Lock()
	g.writeInProg = true
	g.lifecycleMu.Unlock()
	defer func() {
		g.lifecycleMu.Lock()
		g.writeInProg = false
		g.lifecycleMu.Unlock()
		g.transStateChangeSig.Set(signal.FlagSPFResponse, arerr.EOK, nil)
	}()

	ep.mu.Lock()
	if ep.inFlight >= len(ep.ring) {
		ep.mu.Unlock()
		flags, _, _ := ep.sig.TimedWait(writeTimeout)
		if flags&signal.FlagClose != 0 {
			return 0, arerr.New(arerr.EABORTED, "graph.Write: closed while blocked")
		}
		if flags&signal.FlagSSR != 0 {
			return 0, arerr.New(arerr.ESUBSYSRESET, "graph.Write: SSR while blocked")
		}
		ep.mu.Lock()
	}
	idx := ep.writeIdx % len(ep.ring)
	n := copy(ep.ring[idx].data, buf)
	ep.writeIdx++
	ep.inFlight++
	ep.mu.Unlock()

	sig := g.signals[GroupWriteDP]
	pkt := g.coord.GPR.AllocatePacket(OpDataWrite, g.srcPort, ep.miid, n, 0)
	g.coord.GPR.RegisterReplySignal(g.srcPort, gpr.BasicResponseOpcode, sig)
	_, sendErr := g.coord.GPR.SendCmd(g.id, GroupWriteDP, pkt, sig, writeTimeout)
	if sendErr != nil && arerr.CodeOf(sendErr) == arerr.ESUBSYSRESET {
		g.setState(Error)
	}
	return n, sendErr
}

// WriteEOS sends the end-of-stream command and waits for
// DATA_CMD_RSP_WR_SH_MEM_EP_EOS_RENDERED, which the caller should translate
// into a GSL_EVENT_ID_EOS callback (owned by initfacade's event dispatch).
func (g *Graph) WriteEOS() error {
	ep := g.writeEP
	if ep == nil {
		return arerr.New(arerr.ENOTREADY, "graph.WriteEOS: no write endpoint configured")
	}
	sig := g.signals[GroupWriteDP]
	pkt := g.coord.GPR.AllocatePacket(OpDataEOS, g.srcPort, ep.miid, 0, 0)
	g.coord.GPR.RegisterReplySignal(g.srcPort, gpr.BasicResponseOpcode, sig)
	_, err := g.coord.GPR.SendCmd(g.id, GroupWriteDP, pkt, sig, writeTimeout)
	return err
}

// Read copies the next filled buffer into buf and re-queues the drained
// buffer to SPF.
func (g *Graph) Read(tag uint32, buf []byte) (filled int, err error) {
	if err := g.checkNotErrored(false); err != nil {
		return 0, err
	}
	ep := g.readEP
	if ep == nil {
		return 0, arerr.New(arerr.ENOTREADY, "graph.Read: no read endpoint configured")
	}

	g.lifecycleMu.Lock()
	g.readInProg = true
	g.lifecycleMu.Unlock()
	defer func() {
		g.lifecycleMu.Lock()
		g.readInProg = false
		g.lifecycleMu.Unlock()
		g.transStateChangeSig.Set(signal.FlagSPFResponse, arerr.EOK, nil)
	}()

	flags, _, _ := ep.sig.TimedWait(readTimeout)
	if flags&signal.FlagClose != 0 {
		return 0, arerr.New(arerr.EABORTED, "graph.Read: closed while blocked")
	}
	if flags&signal.FlagSSR != 0 {
		return 0, arerr.New(arerr.ESUBSYSRESET, "graph.Read: SSR while blocked")
	}
	if flags&signal.FlagTimeout != 0 {
		return 0, arerr.New(arerr.ETIMEOUT, "graph.Read: timed out waiting for buffer")
	}

	ep.mu.Lock()
	idx := ep.readIdx % len(ep.ring)
	n := copy(buf, ep.ring[idx].data)
	ep.readIdx++
	if ep.inFlight > 0 {
		ep.inFlight--
	}
	ep.mu.Unlock()

	ep.requeueOne(g, idx)
	return n, nil
}

func (ep *DatapathEndpoint) requeueOne(g *Graph, idx int) {
	sig := g.signals[GroupReadDP]
	pkt := g.coord.GPR.AllocatePacket(OpDataReadReq, g.srcPort, ep.miid, int(ep.bufSize), 0)
	g.coord.GPR.RegisterReplySignal(g.srcPort, gpr.BasicResponseOpcode, sig)
	g.coord.GPR.SendCmd(g.id, GroupReadDP, pkt, sig, readTimeout)
	ep.mu.Lock()
	ep.inFlight++
	ep.mu.Unlock()
}

// RequeueAll queues every ring buffer to SPF. Called exactly once when the
// graph transitions IDLE->STARTED (re-start after stop does not re-queue a
// second time) and again after Flush completes.
func (ep *DatapathEndpoint) RequeueAll() {
	for i := range ep.ring {
		ep.requeueOne(ep.g, i)
	}
}

// quiesceDatapaths wakes blocked readers/writers with CLOSE and waits for
// in-flight buffers to drain, as Stop and Flush both require before
// committing.
func (g *Graph) quiesceDatapaths() {
	if g.writeEP != nil {
		g.writeEP.sig.Set(signal.FlagClose, arerr.EABORTED, nil)
	}
	if g.readEP != nil {
		g.readEP.sig.Set(signal.FlagClose, arerr.EABORTED, nil)
	}
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if g.datapathsDrained() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if g.writeEP != nil {
		g.writeEP.sig.Clear(signal.FlagClose)
	}
	if g.readEP != nil {
		g.readEP.sig.Clear(signal.FlagClose)
	}
}

func (g *Graph) datapathsDrained() bool {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	return !g.readInProg && !g.writeInProg
}

const (
	writeTimeout = time.Second
	readTimeout  = time.Second
	drainTimeout = 500 * time.Millisecond
)
