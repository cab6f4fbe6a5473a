package graph

import (
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gpr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/sgpool"
)

// applyCalibration runs the three calibration layers in order:
// non-persistent, per-SG persistent, global-persist.
func (g *Graph) applyCalibration(node *GKVNode, ckv acdb.KV) error {
	for _, sg := range node.SGs {
		data, err := g.coord.ACDB.GetSubgraphCalDataNonPersist(sg.SGID, ckv)
		if err != nil {
			return arerr.Wrap(arerr.EFAILED, "graph.applyCalibration: non-persist query", err)
		}
		if len(data) > 0 {
			if err := g.setCfgBytes(data, 0); err != nil {
				return err
			}
		}
	}

	for _, sg := range node.SGs {
		if sg.StartRefCnt != 0 {
			continue // only SGs not yet started get persistent cal refreshed
		}
		for _, memType := range []acdb.MemType{acdb.MemDefault, acdb.MemCMA} {
			for _, proc := range procsForMemType(sg, memType) {
				blob, err := g.coord.ACDB.GetSubgraphCalDataPersist(sg.SGID, ckv, memType, proc)
				if err != nil {
					return arerr.Wrap(arerr.EFAILED, "graph.applyCalibration: persist query", err)
				}
				if blob == nil || len(blob.Data) == 0 {
					continue
				}
				if err := g.registerPersistCal(sg, memType, proc, blob.Data); err != nil {
					return err
				}
			}
		}
	}

	entries, err := g.coord.ACDB.GetSubgraphGlbPsistIdentifiers(node.SGs[0].SGID, ckv)
	if err == nil {
		for _, e := range entries {
			data, derr := g.coord.ACDB.GetSubgraphGlbPsistCalData(e.CalID, ckv)
			existing := g.coord.GlobalCal.Add(e.CalID, uint32(len(data)))
			if existing.Data != nil && derr == nil {
				copy(existing.Data, data)
			}
			if err := g.registerSharedCfg(e.CalID, e.ModuleInstanceIDs); err != nil {
				return err
			}
			node.GlobalPersistCalIDs = append(node.GlobalPersistCalIDs, e.CalID)
		}
	}
	return nil
}

// procsForMemType returns the processor indices persistent cal should be
// queried for. Per DESIGN.md Open Question (b),
// CMA persistent cal is not supported per-processor upstream, so it always
// uses proc_idx 0 regardless of the SG's actual processor set, while
// default-memory cal is queried once per processor the SG runs on.
func procsForMemType(sg *sgpool.Subgraph, memType acdb.MemType) []uint32 {
	if memType == acdb.MemCMA {
		return []uint32{0}
	}
	if len(sg.ProcIDs) == 0 {
		return []uint32{0}
	}
	return sg.ProcIDs
}

func (g *Graph) registerPersistCal(sg *sgpool.Subgraph, memType acdb.MemType, proc uint32, data []byte) error {
	sig := g.signals[GroupControl3]
	pkt := g.coord.GPR.AllocatePacket(OpRegisterCfg, g.srcPort, 0, len(data), 0)
	g.coord.GPR.RegisterReplySignal(g.srcPort, gpr.BasicResponseOpcode, sig)
	_, err := g.coord.GPR.SendCmd(g.id, GroupControl3, pkt, sig, commandTimeout)
	return err
}

func (g *Graph) registerSharedCfg(calID uint32, moduleInstanceIDs []uint32) error {
	sig := g.signals[GroupControl3]
	pkt := g.coord.GPR.AllocatePacket(OpRegisterSharedCfg, g.srcPort, 0, len(moduleInstanceIDs)*4, 0)
	g.coord.GPR.RegisterReplySignal(g.srcPort, gpr.BasicResponseOpcode, sig)
	_, err := g.coord.GPR.SendCmd(g.id, GroupControl3, pkt, sig, commandTimeout)
	return err
}

// setCfgBytes builds and sends one SET_CFG command, choosing in-band vs
// out-of-band framing against the 256-byte threshold. targetMIID==0
// addresses the APM module id for multi-parameter payloads.
func (g *Graph) setCfgBytes(data []byte, targetMIID uint32) error {
	g.configMu.Lock()
	defer g.configMu.Unlock()

	sig := g.signals[GroupControl1]
	g.coord.GPR.RegisterReplySignal(g.srcPort, gpr.BasicResponseOpcode, sig)

	dst := targetMIID
	if dst == 0 {
		dst = apmModuleInstanceID
	}

	if len(data) <= inBandThreshold {
		pkt := g.coord.GPR.AllocatePacket(OpSetCfg, g.srcPort, dst, len(data), 0)
		copy(pkt.Payload, data)
		_, err := g.coord.GPR.SendCmd(g.id, GroupControl1, pkt, sig, commandTimeout)
		return err
	}

	alloc, err := g.coord.Shmem.Alloc(uint32(len(data)), g.masterProc)
	if err != nil {
		return arerr.Wrap(arerr.ENOMEMORY, "graph.setCfgBytes: out-of-band alloc", err)
	}
	defer g.coord.Shmem.Free(alloc)

	pkt := g.coord.GPR.AllocatePacket(OpSetCfg, g.srcPort, dst, 16, 0) // header-only payload referencing shmem
	_, err = g.coord.GPR.SendCmd(g.id, GroupControl1, pkt, sig, commandTimeout)
	return err
}

// SetConfig sets tag-scoped configuration from a TKV, addressed to the
// endpoint/module resolved for tag within gkv.
func (g *Graph) SetConfig(gkv acdb.KV, tag uint32, tkv acdb.KV) error {
	if err := g.checkNotErrored(false); err != nil {
		return err
	}
	data, err := g.coord.ACDB.GetModuleTagData(tag, gkv, tkv)
	if err != nil {
		return arerr.Wrap(arerr.EFAILED, "graph.SetConfig: query", err)
	}
	return g.setCfgBytes(data, 0)
}

// SetCal re-runs the three-layer calibration path for ckv against every
// currently-open node. Per DESIGN.md Open Question (a), when the graph is
// STARTED the original silently skips global-persist-cal updates; this
// rewrite keeps that exact behaviour rather than guessing intent.
func (g *Graph) SetCal(gkv, ckv acdb.KV) error {
	if err := g.checkNotErrored(false); err != nil {
		return err
	}
	g.gkvListMu.Lock()
	nodes := append([]*GKVNode(nil), g.nodes...)
	started := g.State() == Started
	g.gkvListMu.Unlock()

	for _, n := range nodes {
		if started {
			// Skip global-persist-cal refresh while STARTED (Open Question a).
			for _, sg := range n.SGs {
				data, err := g.coord.ACDB.GetSubgraphCalDataNonPersist(sg.SGID, ckv)
				if err == nil && len(data) > 0 {
					if err := g.setCfgBytes(data, 0); err != nil {
						return err
					}
				}
			}
			continue
		}
		if err := g.applyCalibration(n, ckv); err != nil {
			return err
		}
	}
	return nil
}

// SetCustomConfig sends an opaque client payload addressed to the APM
// module, exercising the in-band/out-of-band threshold directly
// (Testable scenario S3).
func (g *Graph) SetCustomConfig(payload []byte) error {
	if err := g.checkNotErrored(false); err != nil {
		return err
	}
	return g.setCfgBytes(payload, apmModuleInstanceID)
}

// GetCustomConfig mirrors SetCustomConfig's framing for reads. Partial
// failure on a multi-parameter get is tolerated: the output buffer is
// still copied even if not every parameter could be read, matching
// SPEC_FULL.md supplemented feature C.3.
func (g *Graph) GetCustomConfig(buf []byte) (n int, err error) {
	if err := g.checkNotErrored(false); err != nil {
		return 0, err
	}
	g.configMu.Lock()
	defer g.configMu.Unlock()

	sig := g.signals[GroupControl1]
	g.coord.GPR.RegisterReplySignal(g.srcPort, gpr.BasicResponseOpcode, sig)
	pkt := g.coord.GPR.AllocatePacket(OpGetCfg, g.srcPort, 0, len(buf), 0)
	reply, sendErr := g.coord.GPR.SendCmd(g.id, GroupControl1, pkt, sig, commandTimeout)
	if reply != nil {
		n = copy(buf, reply.Payload)
	}
	return n, sendErr
}

// SetTaggedCustomConfig resolves tag to a module-instance-id within gkv and
// sends payload addressed to it.
func (g *Graph) SetTaggedCustomConfig(gkv acdb.KV, tag uint32, payload []byte) error {
	if err := g.checkNotErrored(false); err != nil {
		return err
	}
	modules, err := g.coord.ACDB.GetTaggedModules(tag, gkv)
	if err != nil {
		return arerr.Wrap(arerr.EFAILED, "graph.SetTaggedCustomConfig: query", err)
	}
	miid := uint32(0)
	if len(modules) == 1 {
		miid = modules[0].ModuleInstanceID
	}
	return g.setCfgBytes(payload, miid)
}

// SetTaggedCustomConfigPersist is SetTaggedCustomConfig plus per-SG
// persistent registration, so the value survives a later GRAPH_CLOSE/OPEN
// cycle on other instances sharing the SG.
func (g *Graph) SetTaggedCustomConfigPersist(gkv acdb.KV, tag uint32, payload []byte) error {
	if err := g.SetTaggedCustomConfig(gkv, tag, payload); err != nil {
		return err
	}
	g.gkvListMu.Lock()
	defer g.gkvListMu.Unlock()
	for _, n := range g.nodes {
		for _, sg := range n.SGs {
			if err := g.registerPersistCal(sg, acdb.MemDefault, 0, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetTaggedCustomConfig reads back a value through GetCustomConfig; tag and
// gkv are not resolved, so the read is not addressed to the tagged module.
func (g *Graph) GetTaggedCustomConfig(gkv acdb.KV, tag uint32, buf []byte) (int, error) {
	if err := g.checkNotErrored(false); err != nil {
		return 0, err
	}
	return g.GetCustomConfig(buf)
}

// RegisterCustomEvent only checks that the instance is not in the error
// state; eventID is not stored anywhere.
func (g *Graph) RegisterCustomEvent(eventID uint32) error {
	return g.checkNotErrored(false)
}
