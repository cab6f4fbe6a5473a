package mdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gslconfig"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/shmem"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/ssstate"
)

// satellite is a processor id with no remoteproc entry in
// procdiscover_linux.go, so ProcDevicePresent reports it present on any host.
const (
	master    = uint32(1)
	satellite = uint32(1 << 5)
)

type fakeMapper struct{ next uint32 }

func (f *fakeMapper) MapRegions(ssMask uint32, m uint32, size uint32, flags shmem.AllocFlag) (uint32, uint64, bool, error) {
	f.next++
	return f.next, 0, true, nil
}
func (f *fakeMapper) UnmapRegions(ssMask, m, h uint32) error { return nil }

type fakeDynPD struct {
	initCalls, deinitCalls []uint32
	failInit               bool
}

func (f *fakeDynPD) Init(proc uint32) error {
	f.initCalls = append(f.initCalls, proc)
	if f.failInit {
		return assertErr
	}
	return nil
}
func (f *fakeDynPD) Deinit(proc uint32) error {
	f.deinitCalls = append(f.deinitCalls, proc)
	return nil
}

var assertErr = &dummyErr{}

type dummyErr struct{}

func (*dummyErr) Error() string { return "init failed" }

type fakeSatellite struct {
	announced, withdrawn []uint32
}

func (f *fakeSatellite) AnnounceSatellite(proc uint32, loaned *shmem.AllocResult) error {
	f.announced = append(f.announced, proc)
	return nil
}
func (f *fakeSatellite) WithdrawSatellite(proc uint32) error {
	f.withdrawn = append(f.withdrawn, proc)
	return nil
}

func newTestUtils(t *testing.T, dynPD DynPD, sat Satellite) (*Utils, *acdb.Fake) {
	cfg := gslconfig.Default()
	cfg.ProcessorGroups = []gslconfig.ProcessorGroup{
		{
			Master:          master,
			Satellites:      []uint32{satellite},
			LoanedShmemSize: 4096,
			DomainTypes:     map[uint32]gslconfig.ProcDomainType{satellite: gslconfig.DynamicPD},
		},
	}
	fake := acdb.NewFake()
	mgr := shmem.NewManager(&fakeMapper{}, master)
	return New(cfg, fake, mgr, dynPD, sat, ssstate.New()), fake
}

func TestRegisterDynamicPDBringsUpAndAnnounces(t *testing.T) {
	dyn := &fakeDynPD{}
	sat := &fakeSatellite{}
	u, _ := newTestUtils(t, dyn, sat)

	mask, err := u.RegisterDynamicPD(master|satellite, master, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, satellite, mask)
	assert.Equal(t, []uint32{satellite}, dyn.initCalls)
	assert.Equal(t, []uint32{satellite}, sat.announced)
}

func TestRegisterDynamicPDOnlyInitsOnce(t *testing.T) {
	dyn := &fakeDynPD{}
	sat := &fakeSatellite{}
	u, _ := newTestUtils(t, dyn, sat)

	_, err := u.RegisterDynamicPD(master|satellite, master, 1, nil)
	require.NoError(t, err)
	_, err = u.RegisterDynamicPD(master|satellite, master, 1, nil)
	require.NoError(t, err)
	assert.Len(t, dyn.initCalls, 1)
}

func TestDeregisterTearsDownOnLastRelease(t *testing.T) {
	dyn := &fakeDynPD{}
	sat := &fakeSatellite{}
	u, _ := newTestUtils(t, dyn, sat)

	_, err := u.RegisterDynamicPD(master|satellite, master, 1, nil)
	require.NoError(t, err)
	require.NoError(t, u.DeregisterDynamicPD(master|satellite, master))
	assert.Equal(t, []uint32{satellite}, dyn.deinitCalls)
	assert.Equal(t, []uint32{satellite}, sat.withdrawn)
}

func TestRegisterDynamicPDUnwindsOnInitFailure(t *testing.T) {
	dyn := &fakeDynPD{failInit: true}
	sat := &fakeSatellite{}
	u, _ := newTestUtils(t, dyn, sat)

	_, err := u.RegisterDynamicPD(master|satellite, master, 1, nil)
	assert.Error(t, err)
	assert.Empty(t, sat.announced)
}
