// Package spftransport is the concrete host<->SPF link: a persistent
// socket connection carrying length-prefixed GPR packets, with a background
// reader goroutine that demuxes incoming replies into the gpr.Facade's
// Dispatch path. This package only owns connecting and framing; the packet
// bytes beyond GPR's own header/payload split are out of scope here.
//
// A single dial (no retry, no reconnect once the link drops) pairs with a
// dedicated read goroutine that feeds bytes to a frame decoder. Framing is
// a fixed 24-byte header (opcode, src port, dst port, dst domain, token,
// payload length, each a little-endian uint32) followed by that many bytes
// of payload. On incoming frames the reader takes the token slot as the
// reply status and dispatches on the dst port.
package spftransport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gpr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gsllog"
)

var log = gsllog.For("spftransport")

const headerSize = 24

// Link owns one connection to the SPF-side peer and implements gpr.Router.
type Link struct {
	addr    string
	network string

	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer

	facade *gpr.Facade
}

// Dial connects to the SPF peer (network is "unix" or "tcp"); the background
// reader is started later by SetFacade. facade is wired after construction,
// since the Facade itself is constructed with this Link as its Router, a
// circular dependency resolved by a two-step init: attach the facade only
// once the link that carries it is already live.
func Dial(network, addr string, timeout time.Duration) (*Link, error) {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, arerr.Wrap(arerr.ENOTREADY, fmt.Sprintf("spftransport.Dial: %s %s", network, addr), err)
	}
	l := &Link{addr: addr, network: network, conn: conn, w: bufio.NewWriter(conn)}
	return l, nil
}

// SetFacade wires the Facade whose Dispatch the reader goroutine feeds, and
// starts that goroutine. Call once, after constructing the gpr.Facade with
// this Link as its Router.
func (l *Link) SetFacade(f *gpr.Facade) {
	l.facade = f
	go l.readLoop()
}

// Send frames pkt as a fixed header plus payload and writes it to the
// connection. One writer at a time; SendCmd already serialises per
// (graph, group), but distinct groups can send concurrently, so Send
// itself still needs its own lock.
func (l *Link) Send(pkt *gpr.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(pkt.Opcode))
	binary.LittleEndian.PutUint32(hdr[4:8], pkt.SrcPort)
	binary.LittleEndian.PutUint32(hdr[8:12], pkt.DstPort)
	binary.LittleEndian.PutUint32(hdr[12:16], pkt.DstDomain)
	binary.LittleEndian.PutUint32(hdr[16:20], pkt.Token)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(pkt.Payload)))

	if _, err := l.w.Write(hdr[:]); err != nil {
		return arerr.Wrap(arerr.EFAILED, "spftransport.Send: header", err)
	}
	if len(pkt.Payload) > 0 {
		if _, err := l.w.Write(pkt.Payload); err != nil {
			return arerr.Wrap(arerr.EFAILED, "spftransport.Send: payload", err)
		}
	}
	return l.w.Flush()
}

func (l *Link) readLoop() {
	r := bufio.NewReader(l.conn)
	for {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err != io.EOF {
				log.Error("spf link read error, closing", "err", err)
			}
			return
		}
		opcode := gpr.Opcode(binary.LittleEndian.Uint32(hdr[0:4]))
		dstPort := binary.LittleEndian.Uint32(hdr[8:12])
		status := arerr.Code(binary.LittleEndian.Uint32(hdr[16:20]))
		length := binary.LittleEndian.Uint32(hdr[20:24])

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				log.Error("spf link payload read error, closing", "err", err)
				return
			}
		}

		l.facade.Dispatch(dstPort, &gpr.Reply{Status: status, Opcode: opcode, Payload: payload})
	}
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.Close()
}
