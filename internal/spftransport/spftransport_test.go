package spftransport

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gpr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/signal"
)

// TestSendFramesHeaderAndPayload verifies Send's wire layout by decoding the
// bytes on the other end of an in-memory pipe by hand, independent of the
// reader goroutine under test elsewhere.
func TestSendFramesHeaderAndPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	l := &Link{conn: client, w: bufio.NewWriter(client)}

	pkt := &gpr.Packet{
		Opcode:    gpr.Opcode(0x01001000),
		SrcPort:   0x2000,
		DstPort:   0x1,
		DstDomain: 3,
		Token:     42,
		Payload:   []byte("abcd"),
	}

	done := make(chan error, 1)
	go func() { done <- l.Send(pkt) }()

	r := bufio.NewReader(server)
	var hdr [headerSize]byte
	_, err := io.ReadFull(r, hdr[:])
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, uint32(pkt.Opcode), binary.LittleEndian.Uint32(hdr[0:4]))
	assert.Equal(t, pkt.SrcPort, binary.LittleEndian.Uint32(hdr[4:8]))
	assert.Equal(t, pkt.DstPort, binary.LittleEndian.Uint32(hdr[8:12]))
	assert.Equal(t, pkt.DstDomain, binary.LittleEndian.Uint32(hdr[12:16]))
	assert.Equal(t, pkt.Token, binary.LittleEndian.Uint32(hdr[16:20]))
	assert.Equal(t, uint32(len(pkt.Payload)), binary.LittleEndian.Uint32(hdr[20:24]))

	payload := make([]byte, len(pkt.Payload))
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)
	assert.Equal(t, pkt.Payload, payload)
}

// TestReadLoopDispatchesToFacade drives a real gpr.Facade through a Link
// whose peer writes one reply frame, confirming the background reader
// demultiplexes it to the right registered signal.
func TestReadLoopDispatchesToFacade(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	l := &Link{conn: client, w: bufio.NewWriter(client)}
	facade := gpr.New(l)
	l.SetFacade(facade)

	const srcPort = 0x2000
	s := signal.New()
	facade.RegisterReplySignal(srcPort, gpr.BasicResponseOpcode, s)

	sig := make(chan struct{})
	go func() {
		s.Wait()
		close(sig)
	}()

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(gpr.BasicResponseOpcode))
	binary.LittleEndian.PutUint32(hdr[4:8], 0)
	binary.LittleEndian.PutUint32(hdr[8:12], srcPort)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], 0)
	binary.LittleEndian.PutUint32(hdr[20:24], 0)

	go func() {
		w := bufio.NewWriter(server)
		w.Write(hdr[:])
		w.Flush()
	}()

	select {
	case <-sig:
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop did not dispatch the reply in time")
	}
}
