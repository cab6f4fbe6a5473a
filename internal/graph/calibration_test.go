package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
)

func TestOpenAppliesNonPersistentCalibration(t *testing.T) {
	coord, fake := newTestCoordinator(t)
	gkv := acdb.KV{{KeyID: 90, Value: 1}}
	ckv := acdb.KV{{KeyID: 91, Value: 1}}
	seedSimpleGraph(fake, gkv, ckv, 1000)
	fake.NonPersistCal[fakeNonPersistKey(1000, ckv)] = []byte{1, 2, 3, 4}

	g := NewGraph(coord, testMaster, 0xA001)
	require.NoError(t, g.Open(gkv, ckv))
	assert.Equal(t, Opened, g.State())
}

func TestOpenAppliesOutOfBandConfigAboveThreshold(t *testing.T) {
	coord, fake := newTestCoordinator(t)
	gkv := acdb.KV{{KeyID: 92, Value: 1}}
	ckv := acdb.KV{{KeyID: 93, Value: 1}}
	seedSimpleGraph(fake, gkv, ckv, 1001)
	big := make([]byte, inBandThreshold+64)
	fake.NonPersistCal[fakeNonPersistKey(1001, ckv)] = big

	g := NewGraph(coord, testMaster, 0xA002)
	require.NoError(t, g.Open(gkv, ckv), "out-of-band cal payloads must round-trip through shmem alloc/free without failing Open")
}

func TestOpenRegistersGlobalPersistCal(t *testing.T) {
	coord, fake := newTestCoordinator(t)
	gkv := acdb.KV{{KeyID: 94, Value: 1}}
	ckv := acdb.KV{{KeyID: 95, Value: 1}}
	seedSimpleGraph(fake, gkv, ckv, 1002)
	fake.GlobalPersist[fakeNonPersistKey(1002, ckv)] = []acdb.GlobalPersistEntry{
		{CalID: 55, ModuleInstanceIDs: []uint32{apmModuleInstanceID}},
	}

	g := NewGraph(coord, testMaster, 0xA003)
	require.NoError(t, g.Open(gkv, ckv))

	_, ok := coord.GlobalCal.Find(55)
	assert.True(t, ok, "a global-persist cal-id referenced during Open must be registered in the shared pool")

	require.NoError(t, g.Close())
	_, ok = coord.GlobalCal.Find(55)
	assert.False(t, ok, "closing the owning node must release the global-persist cal-id")
}

// fakeNonPersistKey mirrors acdb.Fake's unexported kvKey(KV{{KeyID: sgID}}, ckv)
// composition used by GetSubgraphCalDataNonPersist/GetSubgraphGlbPsistIdentifiers.
func fakeNonPersistKey(sgID uint32, ckv acdb.KV) string {
	return fakeKVKey(acdb.KV{{KeyID: sgID}}, ckv)
}
