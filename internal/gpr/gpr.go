// Package gpr is the thin facade above the platform's Generic Packet
// Router: allocate a command packet, send it, and block on a signal until
// the matching reply arrives or a timeout/SSR fires. The facade itself
// never interprets payload bytes, which carry the SPF API headers' own
// bit-exact contract — it only correlates requests to replies.
//
// One outstanding command per (graph, command-group) is enforced the same
// way a single-in-flight-per-queue transmit discipline is, with replies
// demultiplexed back to a waiter by source port the way a dispatch-by-port
// callback table would.
package gpr

import (
	"sync"
	"time"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gsllog"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/signal"
)

var log = gsllog.For("gpr")

// Opcode is a GPR/APM/DATA_CMD opcode, e.g. APM_CMD_GRAPH_OPEN.
type Opcode uint32

// Packet is a single GPR message: a header plus an 8-byte-aligned payload
// region, matching allocate_packet's contract.
type Packet struct {
	Opcode     Opcode
	SrcPort    uint32
	DstPort    uint32
	DstDomain  uint32
	Token      uint32
	Payload    []byte
}

// Router is the narrow platform collaborator this facade drives: the
// actual shared-memory packet router that sends bytes is an external
// collaborator whose internals are out of scope here.
type Router interface {
	Send(pkt *Packet) error
}

// Reply is what a send_cmd caller receives.
type Reply struct {
	Status  arerr.Code
	Opcode  Opcode
	Payload []byte
}

// groupKey identifies one (graph, command-group) pair; the facade
// guarantees at most one in-flight command per key at any instant.
type groupKey struct {
	graphID uint64
	group   string
}

// Facade multiplexes replies by destination port to the right graph's
// command-group signal. One Facade instance serves the whole process; each
// graph instance registers its source port and command-group signals.
type Facade struct {
	router Router

	mu       sync.Mutex
	inFlight map[groupKey]bool
	byPort   map[uint32]map[Opcode]*signal.Signal // srcPort -> opcode -> signal
	nextTok  uint32
}

func New(router Router) *Facade {
	return &Facade{
		router:   router,
		inFlight: make(map[groupKey]bool),
		byPort:   make(map[uint32]map[Opcode]*signal.Signal),
	}
}

// AllocatePacket reserves a packet with an 8-byte-aligned payload region,
// stamping a fresh correlation token.
func (f *Facade) AllocatePacket(opcode Opcode, srcPort, dstPort uint32, payloadSize int, dstDomain uint32) *Packet {
	f.mu.Lock()
	f.nextTok++
	tok := f.nextTok
	f.mu.Unlock()

	aligned := (payloadSize + 7) &^ 7
	return &Packet{
		Opcode:    opcode,
		SrcPort:   srcPort,
		DstPort:   dstPort,
		DstDomain: dstDomain,
		Token:     tok,
		Payload:   make([]byte, aligned),
	}
}

// RegisterReplySignal wires a (srcPort, opcode) pair to the signal that
// should be posted when a matching reply arrives. Graph instances call this
// once per command-group signal at construction time.
func (f *Facade) RegisterReplySignal(srcPort uint32, opcode Opcode, sig *signal.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byPort[srcPort]
	if !ok {
		m = make(map[Opcode]*signal.Signal)
		f.byPort[srcPort] = m
	}
	m[opcode] = sig
}

// UnregisterPort removes every signal registered for srcPort, called when a
// graph instance closes and unregisters its packet-router source port.
func (f *Facade) UnregisterPort(srcPort uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byPort, srcPort)
}

// Dispatch is invoked by the underlying router on an arbitrary worker
// thread when a reply packet arrives. It demultiplexes by port+opcode and
// posts to the matching signal; unexpected opcodes are dropped (freed, in
// the original's terms — here, simply not retained).
func (f *Facade) Dispatch(srcPort uint32, reply *Reply) {
	f.mu.Lock()
	m, ok := f.byPort[srcPort]
	var sig *signal.Signal
	if ok {
		sig = m[reply.Opcode]
	}
	f.mu.Unlock()

	if sig == nil {
		log.Warn("dropping reply for unregistered port/opcode", "port", srcPort, "opcode", reply.Opcode)
		return
	}
	sig.Set(signal.FlagSPFResponse, reply.Status, reply)
}

// SendCmd sends pkt and blocks on sig until the matching reply arrives,
// times out, or a close/SSR flag is posted. It enforces the single
// in-flight command per (graphID, group) rule; a caller attempting a second
// send on the same group before the first completes gets ENOTREADY.
func (f *Facade) SendCmd(graphID uint64, group string, pkt *Packet, sig *signal.Signal, timeout time.Duration) (*Reply, error) {
	key := groupKey{graphID: graphID, group: group}

	f.mu.Lock()
	if f.inFlight[key] {
		f.mu.Unlock()
		return nil, arerr.New(arerr.ENOTREADY, "gpr.SendCmd: command already in flight for group")
	}
	f.inFlight[key] = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inFlight, key)
		f.mu.Unlock()
	}()

	sig.Clear(signal.FlagSPFResponse | signal.FlagTimeout)
	sig.SetToken(pkt.Token)

	log.Trace("send_cmd", "opcode", pkt.Opcode, "graph", graphID, "group", group, "token", pkt.Token)
	if err := f.router.Send(pkt); err != nil {
		return nil, arerr.Wrap(arerr.EFAILED, "gpr.SendCmd: router send", err)
	}

	flags, status, packet := sig.TimedWait(timeout)
	switch {
	case flags&signal.FlagClose != 0:
		return nil, arerr.New(arerr.EABORTED, "gpr.SendCmd: closed while waiting")
	case flags&signal.FlagSSR != 0:
		return nil, arerr.New(arerr.ESUBSYSRESET, "gpr.SendCmd: subsystem reset while waiting")
	case flags&signal.FlagTimeout != 0:
		return nil, arerr.New(arerr.ETIMEOUT, "gpr.SendCmd: timed out waiting for reply")
	}

	reply, ok := packet.(*Reply)
	if !ok || reply == nil {
		return nil, arerr.New(arerr.EUNEXPECTED, "gpr.SendCmd: nil or malformed reply packet")
	}
	if status != arerr.EOK {
		return reply, arerr.New(arerr.EFAILED, "gpr.SendCmd: non-zero SPF reply status")
	}
	if reply.Opcode != pkt.Opcode && !isBasicResponse(reply.Opcode) {
		return reply, arerr.New(arerr.EUNEXPECTED, "gpr.SendCmd: reply opcode mismatch")
	}
	return reply, nil
}

// BasicResponseOpcode is the generic ACK/NACK opcode many GRAPH_* commands
// reply with instead of echoing the request opcode.
const BasicResponseOpcode Opcode = 0x02001005

func isBasicResponse(op Opcode) bool { return op == BasicResponseOpcode }
