package acdb

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixture is the on-disk shape LoadFixture reads: a deliberately small
// subset of the real ACDB file format's content (graph topology, a handful
// of calibration blobs) good enough to drive a local gslhostd/gslctl
// session without a target ACDB file. This is a developer fixture, not a
// parser for the real ACDB binary format.
type Fixture struct {
	Graphs []struct {
		GKV       []KVPair       `yaml:"gkv"`
		CKV       []KVPair       `yaml:"ckv"`
		Subgraphs []SubgraphData `yaml:"subgraphs"`
		Edges     []Edge         `yaml:"edges"`
	} `yaml:"graphs"`
}

// LoadFixture reads a YAML fixture file and seeds a Fake with its contents,
// the same gopkg.in/yaml.v3-based loading pattern gslconfig.Load uses for
// the host bootstrap config.
func LoadFixture(path string) (*Fake, error) {
	f := NewFake()
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("acdb.LoadFixture: %w", err)
	}
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("acdb.LoadFixture: parse %s: %w", path, err)
	}
	for _, g := range fx.Graphs {
		f.Graphs[kvKey(KV(g.GKV), KV(g.CKV))] = &GraphResult{Subgraphs: g.Subgraphs, Edges: g.Edges}
	}
	return f, nil
}
