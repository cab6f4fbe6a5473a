// Package signal implements the GSL signal primitive: a one-shot condition
// variable carrying a bitfield of event flags plus an optional opaque
// packet pointer, used for cross-thread wakeup between the GPR transport's
// reply-dispatch callback and the thread blocked in send_cmd.
//
// A pthread_mutex_t/pthread_cond_t pair guarding a single "signalled" bool
// is the usual native shape for this; here the flags bitfield and
// expected-token matching are folded into one sync.Cond guarded by its own
// mutex, one per concurrency group.
package signal

import (
	"sync"
	"time"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
)

// Flag is a bit in the event-flags field a signal is posted with.
type Flag uint32

const (
	FlagSPFResponse Flag = 1 << iota
	FlagClose
	FlagSSR
	FlagTimeout
)

// Packet is the opaque payload a signal can carry, typically a decoded GPR
// reply. It is intentionally untyped at this layer; callers type-assert.
type Packet any

// Signal is reused across consecutive commands issued on the same
// concurrency group; callers Clear() stale flags before a send so a late
// reply from a previous command cannot be mistaken for the new one.
type Signal struct {
	mu      sync.Mutex
	cond    *sync.Cond
	flags   Flag
	status  arerr.Code
	packet  Packet
	token   uint32
	destroyed bool
}

func New() *Signal {
	s := &Signal{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetToken records the expected correlation token (typically the GPR
// packet's client token) so a reply carrying a stale token can be
// recognised and dropped by the caller before Wait is even invoked.
func (s *Signal) SetToken(token uint32) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Signal) Token() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Set posts flags/status/packet and wakes every waiter. Safe to call from
// the GPR reply-dispatch callback running on an arbitrary worker thread.
func (s *Signal) Set(flags Flag, status arerr.Code, packet Packet) {
	s.mu.Lock()
	s.flags |= flags
	s.status = status
	s.packet = packet
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Clear removes bits from the flags field, e.g. to drop a stale
// FlagSPFResponse before issuing a new command on the same group.
func (s *Signal) Clear(mask Flag) {
	s.mu.Lock()
	s.flags &^= mask
	s.mu.Unlock()
}

// Wait blocks until any flag bit is set or the signal is destroyed.
func (s *Signal) Wait() (Flag, arerr.Code, Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.flags == 0 && !s.destroyed {
		s.cond.Wait()
	}
	return s.flags, s.status, s.packet
}

// TimedWait blocks up to d, returning (FlagTimeout, ETIMEOUT, nil) if no flag was set
// in time. Implemented with a deadline-checking loop around sync.Cond,
// since sync.Cond has no native timed wait; a sibling goroutine timer
// broadcasts on expiry so the waiter doesn't spin.
func (s *Signal) TimedWait(d time.Duration) (Flag, arerr.Code, Packet) {
	deadline := time.Now().Add(d)
	timer := time.AfterFunc(d, func() { s.cond.Broadcast() })
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.flags == 0 && !s.destroyed {
		if time.Now().After(deadline) {
			return FlagTimeout, arerr.ETIMEOUT, nil
		}
		s.cond.Wait()
	}
	if s.flags == 0 {
		return FlagTimeout, arerr.ETIMEOUT, nil
	}
	return s.flags, s.status, s.packet
}

// Destroy wakes every waiter permanently; subsequent Wait calls return
// immediately. Used when a graph instance is torn down while a command is
// still outstanding (should not normally happen given the mutex hierarchy,
// but close-during-SSR can race a reply).
func (s *Signal) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}
