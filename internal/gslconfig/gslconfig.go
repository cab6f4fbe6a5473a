// Package gslconfig loads the host-side bootstrap configuration GSL needs
// before it can issue its first ACDB query: the processor-group layout (who
// is a master, who is a satellite, how much loaned memory the group needs)
// and a handful of tunables. On target this table ships compiled into
// acdb_data_files.xml; this module takes it from a YAML file instead.
package gslconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProcDomainType mirrors gsl_mdf_utils.h's proc_domain_type_t.
type ProcDomainType int

const (
	StaticPD ProcDomainType = iota + 1
	DynamicPD
)

// ProcessorGroup describes one MDF group: a master SPF processor and the
// satellites it fans loaned memory out to.
type ProcessorGroup struct {
	Master          uint32           `yaml:"master_proc"`
	Satellites      []uint32         `yaml:"satellite_procs"`
	LoanedShmemSize uint32           `yaml:"loaned_shmem_size"`
	DomainTypes     map[uint32]ProcDomainType `yaml:"domain_types"`
}

// Config is the root document.
type Config struct {
	ProcessorGroups   []ProcessorGroup `yaml:"processor_groups"`
	CommandTimeoutsMS map[string]int   `yaml:"command_timeouts_ms"`
	ShmemBinSizes     struct {
		Bin0 uint32 `yaml:"bin0_bytes"`
		Bin1 uint32 `yaml:"bin1_initial_bytes"`
	} `yaml:"shmem_bin_sizes"`
	AcdbDir string `yaml:"acdb_dir"`
}

// Default returns the built-in fallback used when no --config file is
// supplied.
func Default() *Config {
	c := &Config{
		CommandTimeoutsMS: map[string]int{
			"default": 1000,
			"open":    2000,
			"close":   2000,
		},
	}
	c.ShmemBinSizes.Bin0 = 32 * 1024
	c.ShmemBinSizes.Bin1 = 4 * 1024
	return c
}

// Load reads and parses a YAML config file, falling back to Default()
// values for any field left unset.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gslconfig.Load: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("gslconfig.Load: parse %s: %w", path, err)
	}
	return cfg, nil
}

// TimeoutFor returns the configured timeout for a command group, or the
// "default" entry when the group has no specific override.
func (c *Config) TimeoutFor(group string) int {
	if ms, ok := c.CommandTimeoutsMS[group]; ok {
		return ms
	}
	return c.CommandTimeoutsMS["default"]
}

// GroupFor returns the processor group that has proc as master or
// satellite, and ok=false if proc is not configured anywhere.
func (c *Config) GroupFor(proc uint32) (ProcessorGroup, bool) {
	for _, g := range c.ProcessorGroups {
		if g.Master == proc {
			return g, true
		}
		for _, s := range g.Satellites {
			if s == proc {
				return g, true
			}
		}
	}
	return ProcessorGroup{}, false
}
