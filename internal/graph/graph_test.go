package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gpr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/globalcal"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/mdf"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gslconfig"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/sgpool"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/shmem"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/ssstate"
)

const testMaster = uint32(1)

// fakeMapper is a trivial shmem.Mapper stand-in, handing out ascending
// fake SPF handles without touching real memory.
type fakeMapper struct{ next uint32 }

func (f *fakeMapper) MapRegions(ssMask, master, size uint32, flags shmem.AllocFlag) (uint32, uint64, bool, error) {
	f.next++
	return f.next, 0, true, nil
}
func (f *fakeMapper) UnmapRegions(ssMask, master, handle uint32) error { return nil }

// autoReplyRouter answers every Send with a synchronous BasicResponseOpcode
// EOK reply, dispatched back to the facade it was built against — good
// enough for exercising SendCmd's correlation logic without a real SPF peer.
type autoReplyRouter struct {
	facade *gpr.Facade
}

func (r *autoReplyRouter) Send(pkt *gpr.Packet) error {
	r.facade.Dispatch(pkt.SrcPort, &gpr.Reply{Status: 0, Opcode: gpr.BasicResponseOpcode})
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *acdb.Fake) {
	t.Helper()
	fake := acdb.NewFake()

	router := &autoReplyRouter{}
	facade := gpr.New(router)
	router.facade = facade

	shmemMgr := shmem.NewManager(&fakeMapper{}, testMaster)
	tracker := ssstate.New()
	mdfUtils := mdf.New(gslconfig.Default(), fake, shmemMgr, nil, nil, tracker)

	coord := NewCoordinator(sgpool.New(), globalcal.New(), shmemMgr, mdfUtils, facade, fake)
	return coord, fake
}

func seedSimpleGraph(fake *acdb.Fake, gkv, ckv acdb.KV, sgIDs ...uint32) {
	var subs []acdb.SubgraphData
	for _, id := range sgIDs {
		subs = append(subs, acdb.SubgraphData{SGID: id, ProcIDs: []uint32{testMaster}})
		fake.SubgraphProcIDs[id] = []uint32{testMaster}
	}
	fake.Graphs[fakeKVKey(gkv, ckv)] = &acdb.GraphResult{Subgraphs: subs}
}

// fakeKVKey mirrors acdb.Fake's private kvKey well enough for a single-entry
// GKV/CKV pair built from one KeyID each, which is all these tests need.
func fakeKVKey(gkv, ckv acdb.KV) string {
	s := ""
	for _, kv := range []acdb.KV{gkv, ckv} {
		for _, p := range kv {
			s += string(rune(p.KeyID)) + ":" + string(rune(p.Value)) + ","
		}
		s += "|"
	}
	return s
}

func TestOpenStartStopCloseLifecycle(t *testing.T) {
	coord, fake := newTestCoordinator(t)
	gkv := acdb.KV{{KeyID: 10, Value: 1}}
	ckv := acdb.KV{{KeyID: 20, Value: 1}}
	seedSimpleGraph(fake, gkv, ckv, 100, 101)

	g := NewGraph(coord, testMaster, 0x2001)

	require.NoError(t, g.Open(gkv, ckv))
	assert.Equal(t, Opened, g.State())

	sg100, ok := coord.SGPool.Find(100)
	require.True(t, ok)
	assert.Equal(t, 1, sg100.OpenRefCnt)

	require.NoError(t, g.Start())
	assert.Equal(t, Started, g.State())
	assert.Equal(t, 1, sg100.StartRefCnt)

	require.NoError(t, g.Stop())
	assert.Equal(t, Stopped, g.State())
	assert.Equal(t, 0, sg100.StartRefCnt)
	assert.Equal(t, 1, sg100.StopRefCnt)

	require.NoError(t, g.Close())
	assert.Equal(t, Idle, g.State())
	_, stillThere := coord.SGPool.Find(100)
	assert.False(t, stillThere, "subgraph record should be freed once the last instance closes")
}

func TestSharedSubgraphRefcountsAcrossInstances(t *testing.T) {
	coord, fake := newTestCoordinator(t)
	gkvA := acdb.KV{{KeyID: 10, Value: 1}}
	gkvB := acdb.KV{{KeyID: 10, Value: 2}}
	ckv := acdb.KV{{KeyID: 20, Value: 1}}
	// both instances reference shared subgraph 200, plus one private SG each
	seedSimpleGraph(fake, gkvA, ckv, 200, 201)
	seedSimpleGraph(fake, gkvB, ckv, 200, 202)

	g1 := NewGraph(coord, testMaster, 0x3001)
	g2 := NewGraph(coord, testMaster, 0x3002)

	require.NoError(t, g1.Open(gkvA, ckv))
	require.NoError(t, g2.Open(gkvB, ckv))

	shared, ok := coord.SGPool.Find(200)
	require.True(t, ok)
	assert.Equal(t, 2, shared.OpenRefCnt, "shared subgraph must reflect both instances' opens")

	require.NoError(t, g1.Close())
	shared, ok = coord.SGPool.Find(200)
	require.True(t, ok, "shared subgraph survives while g2 still references it")
	assert.Equal(t, 1, shared.OpenRefCnt)

	require.NoError(t, g2.Close())
	_, ok = coord.SGPool.Find(200)
	assert.False(t, ok, "shared subgraph is freed once the last referencing instance closes")
}

func TestOpenOnErroredInstanceFails(t *testing.T) {
	coord, fake := newTestCoordinator(t)
	gkv := acdb.KV{{KeyID: 10, Value: 1}}
	ckv := acdb.KV{{KeyID: 20, Value: 1}}
	seedSimpleGraph(fake, gkv, ckv, 300)

	g := NewGraph(coord, testMaster, 0x4001)
	require.NoError(t, g.Open(gkv, ckv))
	g.setState(Error)

	err := g.Open(gkv, ckv)
	assert.Error(t, err)
	// Close must still be legal once ERROR'd, per the "close is always legal" rule.
	assert.NoError(t, g.Close())
}

func TestZeroSubgraphGraphOpensWithoutSPFCommand(t *testing.T) {
	coord, fake := newTestCoordinator(t)
	gkv := acdb.KV{{KeyID: 11, Value: 1}}
	ckv := acdb.KV{{KeyID: 21, Value: 1}}
	fake.Graphs[fakeKVKey(gkv, ckv)] = &acdb.GraphResult{}

	g := NewGraph(coord, testMaster, 0x5001)
	require.NoError(t, g.Open(gkv, ckv))
	assert.Equal(t, Opened, g.State())
	assert.NoError(t, g.Close())
}

func TestTimedWaitSurfacesTimeoutAsError(t *testing.T) {
	// A router that never replies should surface ETIMEOUT through SendCmd
	// rather than hanging the test; commandTimeout is 2s so give it a
	// slightly longer deadline here.
	coord, fake := newTestCoordinator(t)
	coord.GPR = gpr.New(&blackholeRouter{})
	gkv := acdb.KV{{KeyID: 12, Value: 1}}
	ckv := acdb.KV{{KeyID: 22, Value: 1}}
	seedSimpleGraph(fake, gkv, ckv, 400)

	g := NewGraph(coord, testMaster, 0x6001)
	start := time.Now()
	err := g.Open(gkv, ckv)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

type blackholeRouter struct{}

func (blackholeRouter) Send(pkt *gpr.Packet) error { return nil }
