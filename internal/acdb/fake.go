package acdb

import "sync"

// Fake is an in-memory Client good enough for package tests and for
// cmd/gslhostd's YAML fixture (LoadFixture). Production wires a real
// file-backed ACDB parser instead.
type Fake struct {
	mu sync.Mutex

	Graphs           map[string]*GraphResult
	Connections      map[uint32][]Edge
	NonPersistCal    map[string][]byte
	PersistCal       map[string]*CalBlob
	GlobalPersist    map[string][]GlobalPersistEntry
	TaggedModules    map[uint32][]TaggedModule
	ProcTaggedModules map[string][]TaggedModule
	SubgraphInfo     map[uint32]*SubgraphData
	SubgraphProcIDs  map[uint32][]uint32
	GKVTags          map[string][]uint32
	HWAccel          map[uint32]bool
	Deltas           map[string][]byte
}

func NewFake() *Fake {
	return &Fake{
		Graphs:            make(map[string]*GraphResult),
		Connections:       make(map[uint32][]Edge),
		NonPersistCal:     make(map[string][]byte),
		PersistCal:        make(map[string]*CalBlob),
		GlobalPersist:     make(map[string][]GlobalPersistEntry),
		TaggedModules:     make(map[uint32][]TaggedModule),
		ProcTaggedModules: make(map[string][]TaggedModule),
		SubgraphInfo:      make(map[uint32]*SubgraphData),
		SubgraphProcIDs:   make(map[uint32][]uint32),
		GKVTags:           make(map[string][]uint32),
		HWAccel:           make(map[uint32]bool),
		Deltas:            make(map[string][]byte),
	}
}

func kvKey(kvs ...KV) string {
	s := ""
	for _, kv := range kvs {
		for _, p := range kv {
			s += string(rune(p.KeyID)) + ":" + string(rune(p.Value)) + ","
		}
		s += "|"
	}
	return s
}

func (f *Fake) GetGraph(gkv, ckv KV) (*GraphResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.Graphs[kvKey(gkv, ckv)]
	if !ok {
		return &GraphResult{}, nil
	}
	return g, nil
}

func (f *Fake) GetSubgraphData(sgID uint32) (*SubgraphData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sg, ok := f.SubgraphInfo[sgID]; ok {
		return sg, nil
	}
	return &SubgraphData{SGID: sgID}, nil
}

func (f *Fake) GetSubgraphConnections(sgIDs []uint32) ([]Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Edge
	for _, id := range sgIDs {
		out = append(out, f.Connections[id]...)
	}
	return out, nil
}

func (f *Fake) GetSubgraphCalDataNonPersist(sgID uint32, ckv KV) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.NonPersistCal[kvKey(KV{{KeyID: sgID}}, ckv)], nil
}

func (f *Fake) GetSubgraphCalDataPersist(sgID uint32, ckv KV, memType MemType, procID uint32) (*CalBlob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := kvKey(KV{{KeyID: sgID, Value: uint32(memType)}, {KeyID: procID}}, ckv)
	if b, ok := f.PersistCal[key]; ok {
		return b, nil
	}
	return &CalBlob{MemType: memType}, nil
}

func (f *Fake) GetSubgraphGlbPsistIdentifiers(sgID uint32, ckv KV) ([]GlobalPersistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.GlobalPersist[kvKey(KV{{KeyID: sgID}}, ckv)], nil
}

func (f *Fake) GetSubgraphGlbPsistCalData(calID uint32, ckv KV) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Deltas[kvKey(KV{{KeyID: calID}}, ckv)], nil
}

func (f *Fake) GetModuleTagData(tag uint32, gkv, tkv KV) ([]byte, error) {
	return nil, nil
}

func (f *Fake) GetTaggedModules(tag uint32, gkv KV) ([]TaggedModule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TaggedModules[tag], nil
}

func (f *Fake) GetProcTaggedModules(tag uint32, gkv KV, procID uint32) ([]TaggedModule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ProcTaggedModules[kvKey(KV{{KeyID: tag}, {KeyID: procID}}, gkv)], nil
}

func (f *Fake) GetDriverData(sgID uint32) (*SubgraphData, error) {
	return f.GetSubgraphData(sgID)
}

func (f *Fake) GetSubgraphProcIDs(sgID uint32) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SubgraphProcIDs[sgID], nil
}

func (f *Fake) GetTagsFromGKV(gkv KV) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.GKVTags[kvKey(gkv)], nil
}

func (f *Fake) GetHWAccelSubgraphInfo(sgID uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HWAccel[sgID], nil
}

func (f *Fake) SaveDelta(sgID uint32, ckv KV, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deltas[kvKey(KV{{KeyID: sgID}}, ckv)] = data
	return nil
}
