package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
)

func TestAddGKVThenRemoveGKVIsRefcountNeutral(t *testing.T) {
	coord, fake := newTestCoordinator(t)
	gkv1 := acdb.KV{{KeyID: 70, Value: 1}}
	gkv2 := acdb.KV{{KeyID: 70, Value: 2}}
	ckv := acdb.KV{{KeyID: 80, Value: 1}}
	seedSimpleGraph(fake, gkv1, ckv, 700)
	seedSimpleGraph(fake, gkv2, ckv, 701)

	g := NewGraph(coord, testMaster, 0x9001)
	require.NoError(t, g.Open(gkv1, ckv))

	require.NoError(t, g.AddGKV(gkv2, ckv))
	sg701, ok := coord.SGPool.Find(701)
	require.True(t, ok)
	assert.Equal(t, 1, sg701.OpenRefCnt)

	require.NoError(t, g.RemoveGKV(gkv2))
	_, ok = coord.SGPool.Find(701)
	assert.False(t, ok, "removing the added node must fully release its subgraph")

	sg700, ok := coord.SGPool.Find(700)
	require.True(t, ok)
	assert.Equal(t, 1, sg700.OpenRefCnt, "the original node's refcount must be untouched by the add/remove pair")
}

func TestChangePreservesSharedSubgraphAcrossSwap(t *testing.T) {
	coord, fake := newTestCoordinator(t)
	gkvOld := acdb.KV{{KeyID: 71, Value: 1}}
	gkvNew := acdb.KV{{KeyID: 71, Value: 2}}
	ckv := acdb.KV{{KeyID: 81, Value: 1}}
	// old graph: shared SG 800 + private SG 801; new graph: shared SG 800 + private SG 802
	seedSimpleGraph(fake, gkvOld, ckv, 800, 801)
	seedSimpleGraph(fake, gkvNew, ckv, 800, 802)

	g := NewGraph(coord, testMaster, 0x9002)
	require.NoError(t, g.Open(gkvOld, ckv))

	require.NoError(t, g.Change(gkvNew, ckv))

	_, stillOpen800 := coord.SGPool.Find(800)
	assert.True(t, stillOpen800, "subgraph shared between old and new node must survive the swap")
	_, stillOpen801 := coord.SGPool.Find(801)
	assert.False(t, stillOpen801, "subgraph exclusive to the old node must be released")
	sg802, ok := coord.SGPool.Find(802)
	require.True(t, ok)
	assert.Equal(t, 1, sg802.OpenRefCnt)
}

func TestPrepareThenChangeSingleGKV(t *testing.T) {
	coord, fake := newTestCoordinator(t)
	gkvOld := acdb.KV{{KeyID: 72, Value: 1}}
	gkvNew := acdb.KV{{KeyID: 72, Value: 2}}
	ckv := acdb.KV{{KeyID: 82, Value: 1}}
	seedSimpleGraph(fake, gkvOld, ckv, 900)
	seedSimpleGraph(fake, gkvNew, ckv, 901)

	g := NewGraph(coord, testMaster, 0x9003)
	require.NoError(t, g.Open(gkvOld, ckv))

	pc, err := g.PrepareToChangeSingleGKV(gkvOld)
	require.NoError(t, err)

	require.NoError(t, g.ChangeSingleGKV(pc, gkvNew, ckv))

	_, ok := coord.SGPool.Find(900)
	assert.False(t, ok, "the old node's exclusive subgraph must be released once the swap completes")
	sg901, ok := coord.SGPool.Find(901)
	require.True(t, ok)
	assert.Equal(t, 1, sg901.OpenRefCnt)
}
