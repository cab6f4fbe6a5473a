package graph

import (
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
)

// AddGKV opens an additional (GKV, CKV) node into an already-open graph
// instance, without touching the existing nodes. AddGKV(g) followed by
// RemoveGKV(g) is a no-op on every refcount it touched.
func (g *Graph) AddGKV(gkv, ckv acdb.KV) error {
	return g.Open(gkv, ckv)
}

// RemoveGKV closes exactly the node matching gkv, leaving the rest of the
// graph instance untouched.
func (g *Graph) RemoveGKV(gkv acdb.KV) error {
	g.gkvListMu.Lock()
	var target *GKVNode
	var rest []*GKVNode
	for _, n := range g.nodes {
		if target == nil && kvEqual(n.GKV, gkv) {
			target = n
			continue
		}
		rest = append(rest, n)
	}
	g.nodes = rest
	g.gkvListMu.Unlock()

	if target == nil {
		return arerr.New(arerr.ENOTFOUND, "graph.RemoveGKV: no matching node")
	}
	return g.closeNode(target, g.State() == Error || g.State() == ErrorAllowCleanup)
}

func (g *Graph) closeNode(n *GKVNode, skipWire bool) error {
	g.deregisterNodeCal(n)
	var closeSGs []uint32
	for _, sg := range n.SGs {
		last, err := g.coord.SGPool.Remove(sg.SGID, g.freeSGCal)
		if err != nil {
			continue
		}
		if last {
			closeSGs = append(closeSGs, sg.SGID)
		}
	}
	if !skipWire && len(closeSGs) > 0 {
		return g.sendSGList(OpGraphClose, GroupControl1, closeSGs)
	}
	return nil
}

func kvEqual(a, b acdb.KV) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[uint32]uint32, len(a))
	for _, p := range a {
		seen[p.KeyID] = p.Value
	}
	for _, p := range b {
		v, ok := seen[p.KeyID]
		if !ok || v != p.Value {
			return false
		}
	}
	return true
}

// Change performs an atomic swap: open the new GKV node, then close every
// old node. If the open fails, the error is returned and the old nodes are
// left open untouched: Open has already released the pool references it
// took, so SGs present in both old and new are never torn down.
func (g *Graph) Change(newGKV, newCKV acdb.KV) error {
	g.gkvListMu.Lock()
	oldNodes := append([]*GKVNode(nil), g.nodes...)
	oldSGIDs := make(map[uint32]bool)
	for _, n := range oldNodes {
		for _, sg := range n.SGs {
			oldSGIDs[sg.SGID] = true
		}
	}
	g.gkvListMu.Unlock()

	if err := g.Open(newGKV, newCKV); err != nil {
		// Open() already rolled back its own partial adds internally, so
		// by this point the pool only reflects oldSGIDs; nothing further
		// to do here beyond reporting failure with the old graph state
		// intact.
		return err
	}

	for _, n := range oldNodes {
		g.gkvListMu.Lock()
		for i, cur := range g.nodes {
			if cur == n {
				g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
				break
			}
		}
		g.gkvListMu.Unlock()

		preserveSGs := make(map[uint32]bool)
		for _, newNode := range g.nodes {
			for _, sg := range newNode.SGs {
				preserveSGs[sg.SGID] = true
			}
		}
		g.closeNodePreserving(n, preserveSGs)
	}
	return nil
}

// closeNodePreserving is closeNode restricted to not emit GRAPH_CLOSE (nor
// decrement past exclusivity) for any SG-ID in preserve, implementing
// change_single_gkv's "never torn down if still referenced by the new
// node" rule.
func (g *Graph) closeNodePreserving(n *GKVNode, preserve map[uint32]bool) error {
	g.deregisterNodeCal(n)
	var closeSGs []uint32
	for _, sg := range n.SGs {
		last, err := g.coord.SGPool.Remove(sg.SGID, g.freeSGCal)
		if err != nil {
			continue
		}
		if last && !preserve[sg.SGID] {
			closeSGs = append(closeSGs, sg.SGID)
		}
	}
	if len(closeSGs) > 0 {
		return g.sendSGList(OpGraphClose, GroupControl1, closeSGs)
	}
	return nil
}

// PrepareToChangeSingleGKV and ChangeSingleGKV split Change into two steps
// so a tuning tool can swap a subset of SGs without tearing down the rest
// of the graph.
type PendingChange struct {
	oldNode *GKVNode
}

func (g *Graph) PrepareToChangeSingleGKV(oldGKV acdb.KV) (*PendingChange, error) {
	g.gkvListMu.Lock()
	defer g.gkvListMu.Unlock()
	for _, n := range g.nodes {
		if kvEqual(n.GKV, oldGKV) {
			return &PendingChange{oldNode: n}, nil
		}
	}
	return nil, arerr.New(arerr.ENOTFOUND, "graph.PrepareToChangeSingleGKV: no matching node")
}

func (g *Graph) ChangeSingleGKV(pc *PendingChange, newGKV, newCKV acdb.KV) error {
	if err := g.Open(newGKV, newCKV); err != nil {
		return err
	}
	g.gkvListMu.Lock()
	for i, cur := range g.nodes {
		if cur == pc.oldNode {
			g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
			break
		}
	}
	preserveSGs := make(map[uint32]bool)
	for _, n := range g.nodes {
		for _, sg := range n.SGs {
			preserveSGs[sg.SGID] = true
		}
	}
	g.gkvListMu.Unlock()
	return g.closeNodePreserving(pc.oldNode, preserveSGs)
}
