package spftransport

import (
	"time"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gpr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/shmem"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/signal"
)

// Opcodes this bridge drives, named after their APM_CMD_* counterparts.
const (
	OpSharedMemMapRegions   gpr.Opcode = 0x0100100B
	OpSharedMemUnmapRegions gpr.Opcode = 0x0100100C
	OpDynPDInit             gpr.Opcode = 0x0100100D
	OpDynPDDeinit           gpr.Opcode = 0x0100100E
	OpSatelliteAnnounce     gpr.Opcode = 0x0100100F
	OpSatelliteWithdraw     gpr.Opcode = 0x01001010
)

const bridgeTimeout = 3 * time.Second

// perProc folds a control srcPort and a target processor id into a single
// graphID for the facade's single-in-flight-per-(graphID,group) bookkeeping,
// so concurrent bridge calls against different processors never contend
// with each other.
func perProc(srcPort, procID uint32) uint64 {
	return uint64(srcPort) | uint64(procID)<<32
}

// mapper implements shmem.Mapper by round-tripping APM_CMD_SHARED_MEM_MAP/
// UNMAP_REGIONS through the shared GPR facade on a fixed control port,
// standing in for the real host<->SPF shared-memory mapping exchange: the
// wire bytes beyond the GPR header are out of scope here, only the
// request/reply correlation this package already owns is exercised.
type mapper struct {
	facade  *gpr.Facade
	srcPort uint32
}

// NewMapper returns a shmem.Mapper that speaks through facade on srcPort.
func NewMapper(facade *gpr.Facade, srcPort uint32) shmem.Mapper {
	return &mapper{facade: facade, srcPort: srcPort}
}

func (m *mapper) MapRegions(ssMask uint32, master uint32, sizeBytes uint32, flags shmem.AllocFlag) (uint32, uint64, bool, error) {
	sig := signal.New()
	m.facade.RegisterReplySignal(m.srcPort, gpr.BasicResponseOpcode, sig)
	pkt := m.facade.AllocatePacket(OpSharedMemMapRegions, m.srcPort, 0, 16, 0)
	if _, err := m.facade.SendCmd(perProc(m.srcPort, master), "mdf-map", pkt, sig, bridgeTimeout); err != nil {
		return 0, 0, false, err
	}
	return pkt.Token, 0, true, nil // offset-mode: the DSP addresses this region by page offset, keyed by request token
}

func (m *mapper) UnmapRegions(ssMask, master, spfHandle uint32) error {
	sig := signal.New()
	m.facade.RegisterReplySignal(m.srcPort, gpr.BasicResponseOpcode, sig)
	pkt := m.facade.AllocatePacket(OpSharedMemUnmapRegions, m.srcPort, 0, 8, 0)
	pkt.Token = spfHandle
	_, err := m.facade.SendCmd(perProc(m.srcPort, master), "mdf-unmap", pkt, sig, bridgeTimeout)
	return err
}

// dynPD implements mdf.DynPD against the remote dynamic-PD init/deinit pair.
type dynPD struct {
	facade  *gpr.Facade
	srcPort uint32
}

func NewDynPD(facade *gpr.Facade, srcPort uint32) *dynPD {
	return &dynPD{facade: facade, srcPort: srcPort}
}

func (d *dynPD) Init(procID uint32) error {
	sig := signal.New()
	d.facade.RegisterReplySignal(d.srcPort, gpr.BasicResponseOpcode, sig)
	pkt := d.facade.AllocatePacket(OpDynPDInit, d.srcPort, 0, 4, procID)
	_, err := d.facade.SendCmd(perProc(d.srcPort, procID), "mdf-dynpd-init", pkt, sig, bridgeTimeout)
	return err
}

func (d *dynPD) Deinit(procID uint32) error {
	sig := signal.New()
	d.facade.RegisterReplySignal(d.srcPort, gpr.BasicResponseOpcode, sig)
	pkt := d.facade.AllocatePacket(OpDynPDDeinit, d.srcPort, 0, 4, procID)
	_, err := d.facade.SendCmd(perProc(d.srcPort, procID), "mdf-dynpd-deinit", pkt, sig, bridgeTimeout)
	return err
}

// satellite implements mdf.Satellite against the shared-satellite
// announce/withdraw command pair.
type satellite struct {
	facade  *gpr.Facade
	srcPort uint32
}

func NewSatellite(facade *gpr.Facade, srcPort uint32) *satellite {
	return &satellite{facade: facade, srcPort: srcPort}
}

func (s *satellite) AnnounceSatellite(procID uint32, loaned *shmem.AllocResult) error {
	sig := signal.New()
	s.facade.RegisterReplySignal(s.srcPort, gpr.BasicResponseOpcode, sig)
	pkt := s.facade.AllocatePacket(OpSatelliteAnnounce, s.srcPort, 0, 8, procID)
	if loaned != nil {
		pkt.Token = loaned.SPFMapHandle
	}
	_, err := s.facade.SendCmd(perProc(s.srcPort, procID), "mdf-satellite-announce", pkt, sig, bridgeTimeout)
	return err
}

func (s *satellite) WithdrawSatellite(procID uint32) error {
	sig := signal.New()
	s.facade.RegisterReplySignal(s.srcPort, gpr.BasicResponseOpcode, sig)
	pkt := s.facade.AllocatePacket(OpSatelliteWithdraw, s.srcPort, 0, 4, procID)
	_, err := s.facade.SendCmd(perProc(s.srcPort, procID), "mdf-satellite-withdraw", pkt, sig, bridgeTimeout)
	return err
}
