// Command gslhostd is the GSL host-control-plane daemon: it loads the
// bootstrap config and an ACDB fixture, dials the SPF transport link,
// brings up initfacade, and serves the graph-lifecycle client API over a
// local Unix-domain listener so ATS-style tuning tools and test clients
// can drive it without linking the Go packages directly.
//
// Flags are parsed once at startup, a config file is loaded before any
// subsystem comes up, and subsystems are initialised in dependency order.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/acdb"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gpr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/graph"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gslconfig"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gsllog"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/initfacade"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/mdf"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/shmem"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/spftransport"
)

var log = gsllog.For("gslhostd")

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to a gslconfig YAML file; built-in defaults are used if omitted.")
	acdbFixture := pflag.StringP("acdb-fixture", "A", "", "Path to a YAML ACDB fixture (developer/test stand-in, not a real ACDB file parse).")
	spfNetwork := pflag.String("spf-network", "unix", "Network for the SPF transport link: unix or tcp.")
	spfAddr := pflag.StringP("spf-addr", "s", "/run/gsl/spf.sock", "Address of the SPF-side transport peer.")
	listenAddr := pflag.StringP("listen", "l", "/run/gsl/gslhostd.sock", "Unix-domain socket the client API listens on.")
	logLevel := pflag.String("log-level", "info", "Log level: debug, info, warn, error.")
	dnssdName := pflag.String("dnssd-name", "", "If set, advertise the tuning gateway over mDNS under this name.")
	dnssdPort := pflag.Int("dnssd-port", 0, "Port to advertise via mDNS alongside --dnssd-name.")
	pflag.Parse()

	applyLogLevel(*logLevel)

	cfg, err := gslconfig.Load(*configPath)
	if err != nil {
		log.Fatal("loading config", "err", err)
	}

	acdbClient, err := acdb.LoadFixture(*acdbFixture)
	if err != nil {
		log.Fatal("loading ACDB fixture", "err", err)
	}

	link, err := spftransport.Dial(*spfNetwork, *spfAddr, 5*time.Second)
	if err != nil {
		log.Fatal("dialing SPF transport", "err", err)
	}

	const controlPort = 0x1000
	facade, err := initfacade.Init(initfacade.Config{
		GSL:    cfg,
		ACDB:   acdbClient,
		Router: link,
		NewMapper: func(f *gpr.Facade) shmem.Mapper {
			return spftransport.NewMapper(f, controlPort)
		},
		NewDynPD: func(f *gpr.Facade) mdf.DynPD {
			return spftransport.NewDynPD(f, controlPort)
		},
		NewSatellite: func(f *gpr.Facade) mdf.Satellite {
			return spftransport.NewSatellite(f, controlPort)
		},
		AfterFacade:    link.SetFacade,
		DnssdAdvertise: *dnssdName,
		DnssdPort:      *dnssdPort,
	})
	if err != nil {
		log.Fatal("initfacade.Init", "err", err)
	}
	defer facade.Deinit()

	srv := newServer(facade)
	ln, err := net.Listen("unix", *listenAddr)
	if err != nil {
		log.Fatal("listening on client API socket", "err", err)
	}
	defer ln.Close()

	log.Info("gslhostd ready", "listen", *listenAddr, "spf", fmt.Sprintf("%s:%s", *spfNetwork, *spfAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go srv.handle(conn)
	}
}

func applyLogLevel(lvl string) {
	switch lvl {
	case "debug":
		gsllog.SetLevel(charmlog.DebugLevel)
	case "warn":
		gsllog.SetLevel(charmlog.WarnLevel)
	case "error":
		gsllog.SetLevel(charmlog.ErrorLevel)
	default:
		gsllog.SetLevel(charmlog.InfoLevel)
	}
}

// server is the tiny JSON-line request/response wrapper around Facade's
// graph-lifecycle calls, standing in for the real ATS tuning-gateway wire
// framing: one JSON object per line in, one JSON object per line out. It
// keeps at most one graph instance per connection, created with the src_port
// of the request that first needs it, closing it when the connection drops.
type server struct {
	facade *initfacade.Facade
}

func newServer(f *initfacade.Facade) *server {
	return &server{facade: f}
}

type apiRequest struct {
	Op         string        `json:"op"`
	MasterProc uint32        `json:"master_proc"`
	SrcPort    uint32        `json:"src_port"`
	GKV        []acdb.KVPair `json:"gkv,omitempty"`
	CKV        []acdb.KVPair `json:"ckv,omitempty"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *server) handle(conn net.Conn) {
	defer conn.Close()
	cs := &connState{facade: s.facade}
	defer cs.closeGraph()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req apiRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := cs.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// connState tracks the single graph instance a client API connection has
// opened, since each JSON-line connection speaks for exactly one src_port.
type connState struct {
	facade *initfacade.Facade
	g      *graph.Graph
}

func (c *connState) closeGraph() {
	if c.g == nil {
		return
	}
	c.g.Close()
	c.facade.ReleaseGraph(c.g)
	c.g = nil
}

func (c *connState) dispatch(req apiRequest) apiResponse {
	switch req.Op {
	case "open":
		if c.g != nil {
			return apiResponse{OK: false, Error: "graph already open on this connection"}
		}
		c.g = c.facade.NewGraph(req.MasterProc, req.SrcPort)
		if err := c.g.Open(acdb.KV(req.GKV), acdb.KV(req.CKV)); err != nil {
			c.facade.ReleaseGraph(c.g)
			c.g = nil
			return apiResponse{OK: false, Error: err.Error()}
		}
		return apiResponse{OK: true, State: c.g.State().String()}
	case "prepare":
		return c.withGraph(func() error { return c.g.Prepare() })
	case "start":
		return c.withGraph(func() error { return c.g.Start() })
	case "stop":
		return c.withGraph(func() error { return c.g.Stop() })
	case "suspend":
		return c.withGraph(func() error { return c.g.Suspend() })
	case "flush":
		return c.withGraph(func() error { return c.g.Flush() })
	case "close":
		if c.g == nil {
			return apiResponse{OK: false, Error: "no graph open on this connection"}
		}
		c.closeGraph()
		return apiResponse{OK: true}
	default:
		return apiResponse{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (c *connState) withGraph(fn func() error) apiResponse {
	if c.g == nil {
		return apiResponse{OK: false, Error: "no graph open on this connection"}
	}
	if err := fn(); err != nil {
		return apiResponse{OK: false, Error: err.Error()}
	}
	return apiResponse{OK: true, State: c.g.State().String()}
}
