// Package globalcal is the process-wide global-persist calibration pool:
// cal-id -> shared calibration blob referenced by multiple graph instances,
// refcounted independently of the subgraph pool. Grounded on gsl_graph.c's
// global-persist registration path (APM_CMD_REGISTER_SHARED_CFG), the
// third and outermost layer of the calibration path.
package globalcal

import (
	"sync"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
)

// Entry is one cal-id's shared allocation.
type Entry struct {
	CalID    uint32
	RefCount int
	Data     []byte
}

// Pool is the single process-wide instance.
type Pool struct {
	mu      sync.Mutex
	entries map[uint32]*Entry
}

func New() *Pool {
	return &Pool{entries: make(map[uint32]*Entry)}
}

// Add returns a new zero-filled Entry (with Data sized to size, for the
// caller to populate and register with SPF) on the first reference, or a
// copy of the existing entry's id and refcount with Data left nil to signal
// "already registered, do not re-populate or re-send" on subsequent
// references.
func (p *Pool) Add(calID uint32, size uint32) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[calID]
	if ok {
		e.RefCount++
		return &Entry{CalID: calID, RefCount: e.RefCount, Data: nil}
	}
	e = &Entry{CalID: calID, RefCount: 1, Data: make([]byte, size)}
	p.entries[calID] = e
	return e
}

// Remove decrements the entry's refcount, freeing it on the last reference.
func (p *Pool) Remove(calID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[calID]
	if !ok {
		return arerr.New(arerr.ENOTFOUND, "globalcal.Remove: unknown cal id")
	}
	e.RefCount--
	if e.RefCount <= 0 {
		delete(p.entries, calID)
	}
	return nil
}

// Find peeks at an entry's backing data without mutating refcounts.
func (p *Pool) Find(calID uint32) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[calID]
	return e, ok
}
