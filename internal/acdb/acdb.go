// Package acdb defines the narrow query interface GSL consumes from the
// Audio Calibration Database. The ACDB file-format internals are an
// external collaborator; this package states only the query surface and
// ships an in-memory fake good enough to drive graph/sgpool/mdf tests
// without a real ACDB file on disk. A production build wires Client to the
// real file-backed parser instead.
package acdb

import "github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"

// KVPair is one (key-id, value) entry in a Key Vector.
type KVPair struct {
	KeyID uint32
	Value uint32
}

// KV is an ordered sequence of KVPair with unique keys; order is not
// significant to lookup, only to round-trip fidelity for callers.
type KV []KVPair

// MemType distinguishes default vs hardware-accelerator (CMA) persistent
// calibration storage, matching query_persist_cal_by_mem's split.
type MemType int

const (
	MemDefault MemType = iota
	MemCMA
)

// Edge is a directed SG-to-SG connection.
type Edge struct {
	From uint32
	To   uint32
}

// SubgraphData is what GET_SUBGRAPH_DATA returns for one subgraph.
type SubgraphData struct {
	SGID          uint32
	RoutingProc   uint32
	Flushable     bool
	SGType        uint32
	ProcIDs       []uint32
}

// GraphResult is the answer to GET_GRAPH: the full subgraph+edge closure
// for a (GKV, CKV) pair.
type GraphResult struct {
	Subgraphs []SubgraphData
	Edges     []Edge
}

// CalBlob is a raw calibration payload plus the memory-type it was fetched
// for.
type CalBlob struct {
	Data    []byte
	MemType MemType
}

// GlobalPersistEntry is one (cal-id -> module-instance-ids) tuple from
// GET_SUBGRAPH_GLB_PSIST_IDENTIFIERS.
type GlobalPersistEntry struct {
	CalID            uint32
	ModuleInstanceIDs []uint32
}

// TaggedModule is one module-instance-id resolved from a (tag, GKV) pair,
// used for endpoint module lookup (§4.I) and set_tagged_custom_config.
type TaggedModule struct {
	ModuleInstanceID uint32
	Tag              uint32
}

// Client is the full §6 ACDB query surface GSL consumes. Every call follows
// the two-step size-then-buffer convention on target; this Go interface
// collapses that into a single call returning an owned value, per DESIGN
// NOTES §9's "wrap it in a helper" recommendation — callers never see the
// null-buffer probe step.
type Client interface {
	GetGraph(gkv, ckv KV) (*GraphResult, error)
	GetSubgraphData(sgID uint32) (*SubgraphData, error)
	GetSubgraphConnections(sgIDs []uint32) ([]Edge, error)
	GetSubgraphCalDataNonPersist(sgID uint32, ckv KV) ([]byte, error)
	GetSubgraphCalDataPersist(sgID uint32, ckv KV, memType MemType, procID uint32) (*CalBlob, error)
	GetSubgraphGlbPsistIdentifiers(sgID uint32, ckv KV) ([]GlobalPersistEntry, error)
	GetSubgraphGlbPsistCalData(calID uint32, ckv KV) ([]byte, error)
	GetModuleTagData(tag uint32, gkv, tkv KV) ([]byte, error)
	GetTaggedModules(tag uint32, gkv KV) ([]TaggedModule, error)
	GetProcTaggedModules(tag uint32, gkv KV, procID uint32) ([]TaggedModule, error)
	GetDriverData(sgID uint32) (*SubgraphData, error)
	GetSubgraphProcIDs(sgID uint32) ([]uint32, error)
	GetTagsFromGKV(gkv KV) ([]uint32, error)
	GetHWAccelSubgraphInfo(sgID uint32) (bool, error)
	SaveDelta(sgID uint32, ckv KV, data []byte) error
}

// ErrNotFound-equivalent: callers use arerr.ENOTFOUND; surfaced as success
// with zero length where that is meaningful, so Client methods return
// (nil/empty, nil) rather than an error when a query legitimately yields
// nothing, and only use arerr.ENOTFOUND when the
// absence itself is the caller's error to handle (e.g. GetSubgraphData for
// an SG-ID the caller asserts must exist).
var ErrNotFound = arerr.New(arerr.ENOTFOUND, "acdb: not found")
