package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
)

func TestSetThenWaitReturnsPacket(t *testing.T) {
	s := New()
	go func() {
		time.Sleep(5 * time.Millisecond)
		s.Set(FlagSPFResponse, arerr.EOK, "reply")
	}()
	flags, status, pkt := s.Wait()
	assert.Equal(t, FlagSPFResponse, flags)
	assert.Equal(t, arerr.EOK, status)
	assert.Equal(t, "reply", pkt)
}

func TestClearRemovesStaleFlags(t *testing.T) {
	s := New()
	s.Set(FlagSPFResponse, arerr.EOK, "stale")
	s.Clear(FlagSPFResponse)
	flags, _, _ := s.TimedWait(10 * time.Millisecond)
	assert.Equal(t, FlagTimeout, flags)
}

func TestTimedWaitTimesOut(t *testing.T) {
	s := New()
	start := time.Now()
	flags, status, pkt := s.TimedWait(10 * time.Millisecond)
	require.Nil(t, pkt)
	assert.Equal(t, FlagTimeout, flags)
	assert.Equal(t, arerr.ETIMEOUT, status)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestDestroyUnblocksWaiter(t *testing.T) {
	s := New()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	s.Destroy()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Destroy")
	}
}

func TestCloseFlagAborts(t *testing.T) {
	s := New()
	s.Set(FlagClose, arerr.EABORTED, nil)
	flags, status, _ := s.Wait()
	assert.Equal(t, FlagClose, flags)
	assert.Equal(t, arerr.EABORTED, status)
}
