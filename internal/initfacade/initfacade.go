// Package initfacade is GSL's single entry point: gsl_init/gsl_deinit. It
// owns every process-wide singleton — shared-memory manager, subgraph
// pool, global-persist-cal pool, MDF utilities, GPR facade,
// subsystem-state tracker, ACDB client — constructs a graph.Coordinator
// from them, and wires the subsystem-state tracker's callback to every
// live graph's NotifySSR.
//
// Bring-up requires the ACDB client first, then brings subsystems up in
// dependency order: the GPR facade comes before the shared-memory manager
// because the mapper factory is built on top of it.
package initfacade

import (
	"context"
	"fmt"
	"sync"

	"github.com/brutella/dnssd"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/globalcal"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gpr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/graph"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gslconfig"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gsllog"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/mdf"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/sgpool"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/shmem"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/ssstate"
)

var log = gsllog.For("initfacade")

// Config is what Init needs to bring GSL up: the bootstrap config, the ACDB
// client, and the SPF-facing transport. The shared-memory mapper and
// dynamic-PD/satellite bridge are supplied as factories rather than live
// values because they are built on top of the very gpr.Facade Init
// constructs internally — NewMapper/NewDynPD/NewSatellite in
// internal/spftransport fit this shape directly. DnssdAdvertise, when set,
// names the tuning-gateway service this process should announce over mDNS
// so ATS-style tuning tools can find a running gslhostd without a
// configured address. Empty disables discovery.
type Config struct {
	GSL    *gslconfig.Config
	ACDB   acdb.Client
	Router gpr.Router

	NewMapper    func(*gpr.Facade) shmem.Mapper
	NewDynPD     func(*gpr.Facade) mdf.DynPD
	NewSatellite func(*gpr.Facade) mdf.Satellite

	// AfterFacade, if set, runs once the GPR facade exists, before any
	// graph is opened — e.g. wiring a spftransport.Link's reply dispatch
	// to it via Link.SetFacade.
	AfterFacade func(*gpr.Facade)

	DnssdAdvertise string
	DnssdPort      int
}

// Facade is the live, process-wide GSL instance returned by Init.
type Facade struct {
	cfg   *gslconfig.Config
	coord *graph.Coordinator

	tracker *ssstate.Tracker

	mu     sync.Mutex
	graphs map[uint64]*graph.Graph

	dnssdResponder dnssd.Responder
	dnssdCancel    context.CancelFunc
}

// defaultMaster picks the processor the bin-0 shmem scratch page is
// pre-allocated against: the first configured group's master, or the
// single-master default gslctl itself assumes when nothing is configured.
func defaultMaster(cfg *gslconfig.Config) uint32 {
	if len(cfg.ProcessorGroups) > 0 {
		return cfg.ProcessorGroups[0].Master
	}
	return 1
}

// Init brings up every process-wide singleton in dependency order (GPR
// facade, shmem manager, pools, subsystem tracker, MDF utils), registers
// each configured processor group's master with the tracker together with
// its supported mask (no processor starts out UP), and returns the live
// Facade.
func Init(cfg Config) (*Facade, error) {
	if cfg.GSL == nil {
		cfg.GSL = gslconfig.Default()
	}
	if cfg.ACDB == nil {
		return nil, fmt.Errorf("initfacade.Init: ACDB client is required")
	}

	gprFacade := gpr.New(cfg.Router)
	if cfg.AfterFacade != nil {
		cfg.AfterFacade(gprFacade)
	}

	var mapper shmem.Mapper
	if cfg.NewMapper != nil {
		mapper = cfg.NewMapper(gprFacade)
	}
	shmemMgr := shmem.NewManager(mapper, defaultMaster(cfg.GSL))
	sgPool := sgpool.New()
	globalCal := globalcal.New()
	tracker := ssstate.New()

	for _, grp := range cfg.GSL.ProcessorGroups {
		mask := grp.Master
		for _, sat := range grp.Satellites {
			mask |= sat
		}
		tracker.InitMaster(grp.Master, mask)
	}

	var dynPD mdf.DynPD
	if cfg.NewDynPD != nil {
		dynPD = cfg.NewDynPD(gprFacade)
	}
	var satellite mdf.Satellite
	if cfg.NewSatellite != nil {
		satellite = cfg.NewSatellite(gprFacade)
	}
	mdfUtils := mdf.New(cfg.GSL, cfg.ACDB, shmemMgr, dynPD, satellite, tracker)

	coord := graph.NewCoordinator(sgPool, globalCal, shmemMgr, mdfUtils, gprFacade, cfg.ACDB)

	f := &Facade{
		cfg:     cfg.GSL,
		coord:   coord,
		tracker: tracker,
		graphs:  make(map[uint64]*graph.Graph),
	}

	tracker.RegisterCallback(f.onSubsystemStateChange)

	if cfg.DnssdAdvertise != "" {
		if err := f.startDnssd(cfg.DnssdAdvertise, cfg.DnssdPort); err != nil {
			log.Warn("dns-sd advertise failed, continuing without discovery", "err", err)
		}
	}

	return f, nil
}

// onSubsystemStateChange is ssstate's fan-out callback: when a processor
// goes DOWN, every live graph instance whose master proc equals the
// tracker's master argument is forced into NotifySSR, whichever bits of
// that master's mask changed. Graphs are not matched against changedMask,
// since this package does not track per-graph satellite membership beyond
// what mdf.Utils already owns internally.
func (f *Facade) onSubsystemStateChange(master uint32, changedMask uint32, state ssstate.State) {
	if state != ssstate.Down {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.graphs {
		if g == nil || g.MasterProc() != master {
			continue
		}
		g.NotifySSR()
	}
}

// NewGraph allocates a fresh graph instance bound to this facade's
// coordinator and records it so subsystem-restart notifications reach it.
func (f *Facade) NewGraph(masterProc uint32, srcPort uint32) *graph.Graph {
	g := graph.NewGraph(f.coord, masterProc, srcPort)
	f.mu.Lock()
	f.graphs[g.ID()] = g
	f.mu.Unlock()
	return g
}

// ReleaseGraph forgets a graph instance after its Close, so SSR fan-out
// stops addressing it.
func (f *Facade) ReleaseGraph(g *graph.Graph) {
	f.mu.Lock()
	delete(f.graphs, g.ID())
	f.mu.Unlock()
}

// Tracker exposes the subsystem-state tracker for a host daemon's restart
// watcher to drive with real UP/DOWN events.
func (f *Facade) Tracker() *ssstate.Tracker { return f.tracker }

// startDnssd advertises this daemon's tuning-gateway endpoint over mDNS:
// build a Config, create a Service and Responder, add the service, then
// run the responder in a background goroutine until Deinit cancels it.
func (f *Facade) startDnssd(name string, port int) error {
	cfg := dnssd.Config{
		Name: name,
		Type: "_gsl-tuning._tcp",
		Port: port,
	}
	sv, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("initfacade.startDnssd: new service: %w", err)
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("initfacade.startDnssd: new responder: %w", err)
	}
	if _, err := rp.Add(sv); err != nil {
		return fmt.Errorf("initfacade.startDnssd: add service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.dnssdResponder = rp
	f.dnssdCancel = cancel
	go func() {
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			log.Error("dns-sd responder exited", "err", err)
		}
	}()
	log.Info("advertising tuning gateway via dns-sd", "name", name, "port", port)
	return nil
}

// Deinit tears down discovery advertisement. Graph instances must be
// Close()d by their owners first; Deinit does not force-close them, since
// an abrupt teardown mid-command would violate the rule that Close is
// always legal but every other operation on an errored instance is not.
func (f *Facade) Deinit() {
	if f.dnssdCancel != nil {
		f.dnssdCancel()
	}
}
