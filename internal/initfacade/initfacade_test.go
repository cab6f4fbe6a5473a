package initfacade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gpr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/graph"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gslconfig"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/mdf"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/shmem"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/ssstate"
)

type nullRouter struct{}

func (nullRouter) Send(pkt *gpr.Packet) error { return nil }

func TestInitRequiresACDBClient(t *testing.T) {
	_, err := Init(Config{Router: nullRouter{}})
	assert.Error(t, err)
}

func TestInitWiresMapperDynPDSatelliteFactories(t *testing.T) {
	var gotMapper, gotDynPD, gotSatellite bool

	f, err := Init(Config{
		GSL:    gslconfig.Default(),
		ACDB:   acdb.NewFake(),
		Router: nullRouter{},
		NewMapper: func(*gpr.Facade) shmem.Mapper {
			gotMapper = true
			return nil
		},
		NewDynPD: func(*gpr.Facade) mdf.DynPD {
			gotDynPD = true
			return nil
		},
		NewSatellite: func(*gpr.Facade) mdf.Satellite {
			gotSatellite = true
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, gotMapper)
	assert.True(t, gotDynPD)
	assert.True(t, gotSatellite)

	g := f.NewGraph(1, 0x2000)
	require.NotNil(t, g)
	f.ReleaseGraph(g)
}

func TestSubsystemDownNotifiesOnlyMatchingMasterGraphs(t *testing.T) {
	cfg := gslconfig.Default()
	cfg.ProcessorGroups = []gslconfig.ProcessorGroup{
		{Master: 1, DomainTypes: map[uint32]gslconfig.ProcDomainType{}},
		{Master: 2, DomainTypes: map[uint32]gslconfig.ProcDomainType{}},
	}

	f, err := Init(Config{GSL: cfg, ACDB: acdb.NewFake(), Router: nullRouter{}})
	require.NoError(t, err)

	g1 := f.NewGraph(1, 0x2001)
	g2 := f.NewGraph(2, 0x2002)

	f.Tracker().Set(1, 1, ssstate.Up)
	f.Tracker().Set(1, 1, ssstate.Down)

	assert.Equal(t, graph.Error, g1.State(), "graph on the downed master must move to ERROR")
	assert.Equal(t, graph.Idle, g2.State(), "graph on an unaffected master must be untouched")
}
