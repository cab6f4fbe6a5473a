// Package ssstate is the process-wide subsystem-state tracker: one bitmask
// per SPF master processor recording which of its subsystems (MDSP, ADSP,
// APPS, SDSP, CDSP, CC_DSP, APPS2) are believed UP. Grounded on
// gsl_spf_ss_state.h/.c (original_source/gsl) — the state_set/state_get/
// is_ss_supported trio is reproduced verbatim in spirit, callback fan-out
// replacing the original's single function-pointer callback.
package ssstate

import "sync"

// Proc bit positions, matching ar_osal_sys_id.h's processor id space.
const (
	MDSP uint32 = 1 << iota
	ADSP
	APPS
	SDSP
	CDSP
	CCDSP
	APPS2
)

type State int

const (
	Down State = iota
	Up
)

// Callback is invoked synchronously under the tracker's lock is released
// (never while holding it) whenever Set changes any bit, so dependent
// modules — the shared-memory manager marking handles stale, graph
// instances entering ERROR — can react.
type Callback func(master uint32, changedMask uint32, state State)

type masterEntry struct {
	mu            sync.Mutex
	supportedMask uint32
	upMask        uint32
}

// Tracker is process-wide; construct exactly one and share it across every
// component that needs subsystem liveness (shmem, mdf, graph).
type Tracker struct {
	mu        sync.Mutex
	masters   map[uint32]*masterEntry
	callbacks []Callback
}

func New() *Tracker {
	return &Tracker{masters: make(map[uint32]*masterEntry)}
}

// InitMaster registers a master processor and the subsystem bitmask it
// supports (configured processors for that group). Subsystems outside
// supportedMask are permanently "unsupported", distinct from "down".
func (t *Tracker) InitMaster(master uint32, supportedMask uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.masters[master] = &masterEntry{supportedMask: supportedMask}
}

// RegisterCallback adds a fan-out notification target. Unlike the original
// single gsl_spf_ss_cb_t, any number of dependent modules may subscribe.
func (t *Tracker) RegisterCallback(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// Set updates the bits in ssMask to state for master, returning the new
// up-mask. Linearised under the master's own spinlock-equivalent (a plain
// mutex here); callbacks fire after the lock is released.
func (t *Tracker) Set(master uint32, ssMask uint32, state State) uint32 {
	t.mu.Lock()
	e, ok := t.masters[master]
	cbs := append([]Callback(nil), t.callbacks...)
	t.mu.Unlock()
	if !ok {
		return 0
	}

	e.mu.Lock()
	changed := ssMask & e.supportedMask
	before := e.upMask
	if state == Up {
		e.upMask |= changed
	} else {
		e.upMask &^= changed
	}
	after := e.upMask
	e.mu.Unlock()

	if before != after {
		for _, cb := range cbs {
			cb(master, changed, state)
		}
	}
	return after
}

// Get returns the current up-mask for master (0 if master is unknown).
func (t *Tracker) Get(master uint32) uint32 {
	t.mu.Lock()
	e, ok := t.masters[master]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.upMask
}

// IsSupported reports whether procID is both configured under master and
// currently up. A processor absent from the configured mask always reads
// false, distinguishing "not configured" from "configured but down" per
// DESIGN.md's note on gsl_spf_ss_state_is_ss_supported.
func (t *Tracker) IsSupported(master uint32, procID uint32) bool {
	t.mu.Lock()
	e, ok := t.masters[master]
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.supportedMask&procID == 0 {
		return false
	}
	return e.upMask&procID != 0
}
