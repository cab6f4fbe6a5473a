package spftransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gpr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/shmem"
)

// loopbackRouter answers every Send synchronously with a BasicResponseOpcode
// EOK reply addressed back to the packet's own source port, standing in for
// an SPF peer that always acknowledges.
type loopbackRouter struct {
	facade *gpr.Facade
	sent   []*gpr.Packet
}

func (r *loopbackRouter) Send(pkt *gpr.Packet) error {
	r.sent = append(r.sent, pkt)
	r.facade.Dispatch(pkt.SrcPort, &gpr.Reply{Status: 0, Opcode: gpr.BasicResponseOpcode})
	return nil
}

func newLoopback() (*loopbackRouter, *gpr.Facade) {
	r := &loopbackRouter{}
	f := gpr.New(r)
	r.facade = f
	return r, f
}

func TestMapperMapRegionsRoundTrip(t *testing.T) {
	router, facade := newLoopback()
	m := NewMapper(facade, 0x2000)

	handle, _, offsetMode, err := m.MapRegions(0x3, 0x1, 4096, shmem.FlagLoaned)
	require.NoError(t, err)
	assert.True(t, offsetMode)
	require.Len(t, router.sent, 1)
	assert.Equal(t, OpSharedMemMapRegions, router.sent[0].Opcode)
	assert.Equal(t, handle, router.sent[0].Token, "offset-mode handle is keyed by the request token")
}

func TestMapperUnmapRegionsSendsStoredHandle(t *testing.T) {
	router, facade := newLoopback()
	m := NewMapper(facade, 0x2001)

	require.NoError(t, m.UnmapRegions(0x3, 0x1, 99))
	require.Len(t, router.sent, 1)
	assert.Equal(t, OpSharedMemUnmapRegions, router.sent[0].Opcode)
	assert.Equal(t, uint32(99), router.sent[0].Token)
}

func TestDynPDInitAndDeinit(t *testing.T) {
	router, facade := newLoopback()
	d := NewDynPD(facade, 0x2002)

	require.NoError(t, d.Init(0x4))
	require.NoError(t, d.Deinit(0x4))
	require.Len(t, router.sent, 2)
	assert.Equal(t, OpDynPDInit, router.sent[0].Opcode)
	assert.Equal(t, OpDynPDDeinit, router.sent[1].Opcode)
}

func TestSatelliteAnnounceCarriesLoanedHandle(t *testing.T) {
	router, facade := newLoopback()
	s := NewSatellite(facade, 0x2003)

	loaned := &shmem.AllocResult{SPFMapHandle: 77}
	require.NoError(t, s.AnnounceSatellite(0x4, loaned))
	require.Len(t, router.sent, 1)
	assert.Equal(t, uint32(77), router.sent[0].Token)

	require.NoError(t, s.WithdrawSatellite(0x4))
	require.Len(t, router.sent, 2)
	assert.Equal(t, OpSatelliteWithdraw, router.sent[1].Opcode)
}
