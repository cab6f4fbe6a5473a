// Package sgpool is the process-wide subgraph pool: a map from SG-ID to a
// shared record holding the refcounts and adjacency every concurrent graph
// instance references. All mutation happens under the pool's single mutex:
// every refcount transition is performed under the global subgraph-pool
// lock.
//
// Grounded on gsl_graph.c's subgraph list management (original_source/gsl):
// add/remove-with-refcount, add_children/remove_children with new-vs-
// existing edge partitioning, and prune_sg_list's "must open to SPF" vs
// "already open" split.
package sgpool

import (
	"sync"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
)

// Edge is a directed SG-to-SG connection with its own refcount, created on
// SPF only on its refcount's 0->1 transition.
type Edge struct {
	To       uint32
	RefCount int
}

// Subgraph is the process-wide shared record for one SG-ID.
type Subgraph struct {
	SGID uint32

	OpenRefCnt  int
	StartRefCnt int
	StopRefCnt  int

	RoutingProc uint32
	Flushable   bool
	SGType      uint32
	ProcIDs     []uint32

	Children []Edge

	// PersistCal holds the cached per-processor persistent calibration
	// blobs keyed by (memType,procID); GlobalPersist cal entries live in
	// the sibling globalcal package and are referenced by CalID only.
	PersistCal map[persistKey][]byte
	CMAPersist map[persistKey][]byte
}

type persistKey struct {
	MemType uint32
	ProcID  uint32
}

// Pool is the single process-wide instance; construct exactly one.
type Pool struct {
	mu sync.Mutex
	sg map[uint32]*Subgraph
}

func New() *Pool {
	return &Pool{sg: make(map[uint32]*Subgraph)}
}

// Add increments sgid's open refcount, allocating a fresh record on the
// 0->1 transition. wasNew reports whether this call created the record
// (and therefore the caller must send GRAPH_OPEN for it).
func (p *Pool) Add(sgid uint32) (sg *Subgraph, wasNew bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sg, ok := p.sg[sgid]
	if !ok {
		sg = &Subgraph{
			SGID:       sgid,
			PersistCal: make(map[persistKey][]byte),
			CMAPersist: make(map[persistKey][]byte),
		}
		p.sg[sgid] = sg
		wasNew = true
	}
	sg.OpenRefCnt++
	return sg, wasNew
}

// Remove decrements sgid's open refcount, freeing cached shmem allocations
// and the record itself on the 1->0 transition. freeCal is invoked with the
// record's cached blobs right before the record is dropped, so the caller
// (graph/sgpool's owner) can unmap them.
func (p *Pool) Remove(sgid uint32, freeCal func(*Subgraph)) (wasLast bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sg, ok := p.sg[sgid]
	if !ok {
		return false, arerr.New(arerr.ENOTFOUND, "sgpool.Remove: unknown sg")
	}
	if sg.OpenRefCnt == 0 {
		return false, arerr.New(arerr.EUNEXPECTED, "sgpool.Remove: refcount already zero")
	}
	sg.OpenRefCnt--
	if sg.OpenRefCnt == 0 {
		if freeCal != nil {
			freeCal(sg)
		}
		delete(p.sg, sgid)
		return true, nil
	}
	return false, nil
}

// Find peeks at a subgraph record without mutating it.
func (p *Pool) Find(sgid uint32) (*Subgraph, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sg, ok := p.sg[sgid]
	return sg, ok
}

// AddChildren increments the refcount on each edge in edges belonging to
// sg, partitioning them into newly-created (0->1) vs already-existing.
func (p *Pool) AddChildren(sg *Subgraph, edges []uint32) (newEdges, existingEdges []uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, to := range edges {
		found := false
		for i := range sg.Children {
			if sg.Children[i].To == to {
				sg.Children[i].RefCount++
				existingEdges = append(existingEdges, to)
				found = true
				break
			}
		}
		if !found {
			sg.Children = append(sg.Children, Edge{To: to, RefCount: 1})
			newEdges = append(newEdges, to)
		}
	}
	return newEdges, existingEdges
}

// RemoveChildren is the symmetric teardown: decrements the refcount on each
// edge, returning the set whose refcount reached zero (and was therefore
// removed from SPF).
func (p *Pool) RemoveChildren(sg *Subgraph, edges []uint32) (removed []uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, to := range edges {
		for i := range sg.Children {
			if sg.Children[i].To != to {
				continue
			}
			sg.Children[i].RefCount--
			if sg.Children[i].RefCount <= 0 {
				removed = append(removed, to)
				sg.Children = append(sg.Children[:i], sg.Children[i+1:]...)
			}
			break
		}
	}
	return removed
}

// PruneResult is prune_sg_list's output: the set that must be sent to SPF
// (refcount just transitioned to 1) vs the set that was already open.
type PruneResult struct {
	New      []uint32
	Existing []uint32
}

// PruneSGList classifies sgids by whether Add just created a fresh record
// for them (wasNew map, built by the caller from its Add() calls),
// separating the "must-send-to-SPF" set from "already open".
func PruneSGList(sgids []uint32, wasNew map[uint32]bool) PruneResult {
	var r PruneResult
	for _, id := range sgids {
		if wasNew[id] {
			r.New = append(r.New, id)
		} else {
			r.Existing = append(r.Existing, id)
		}
	}
	return r
}

// IncStart increments sg's start refcount, returning true if this call
// crossed 0->1 (the only case SPF needs a GRAPH_START for this SG).
func (p *Pool) IncStart(sg *Subgraph) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sg.StartRefCnt++
	return sg.StartRefCnt == 1
}

// DecStop decrements sg's start refcount and increments its stop refcount,
// returning true only when start_ref_cnt==1 && stop_ref_cnt==0 before the
// call, i.e. this is the instance that must actually emit GRAPH_STOP.
func (p *Pool) DecStop(sg *Subgraph) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	mustStop := sg.StartRefCnt == 1 && sg.StopRefCnt == 0
	if sg.StartRefCnt > 0 {
		sg.StartRefCnt--
	}
	if mustStop {
		sg.StopRefCnt++
	}
	return mustStop
}

// ResetStopAfterCycle clears stop_ref_cnt once a stop/start cycle has fully
// completed and a fresh start is being requested, keeping the
// open_ref_cnt >= start_ref_cnt+stop_ref_cnt invariant intact across
// repeated stop-then-start sequences on the same SG.
func (p *Pool) ResetStopAfterCycle(sg *Subgraph) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sg.StopRefCnt = 0
}

// Invariant reports whether open_ref_cnt >= start_ref_cnt+stop_ref_cnt.
// Exported for tests exercising the pool from outside this package.
func (sg *Subgraph) Invariant() bool {
	return sg.OpenRefCnt >= sg.StartRefCnt+sg.StopRefCnt
}
