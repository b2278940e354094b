package agent

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Build is a published agent release for one hypervisor/os/architecture triple.
type Build struct {
	Hypervisor   string `yaml:"hypervisor" json:"hypervisor"`
	OS           string `yaml:"os" json:"os"`
	Architecture string `yaml:"architecture" json:"architecture"`
	Version      string `yaml:"version" json:"version"`
	URL          string `yaml:"url" json:"url"`
	MD5Hash      string `yaml:"md5hash" json:"md5hash"`
}

// BuildSource resolves the newest build for a triple. It returns ErrNoBuild
// when none is published.
type BuildSource interface {
	LatestBuild(ctx context.Context, hypervisor, os, architecture string) (*Build, error)
}

// Catalog is a BuildSource backed by a YAML file:
//
//	builds:
//	  - hypervisor: xen
//	    os: linux
//	    architecture: x86_64
//	    version: 1.0.3
//	    url: http://mirror/agent-1.0.3.tgz
//	    md5hash: 6f5902ac237024bdd0c176cb93063dc4
type Catalog struct {
	Builds []Build `yaml:"builds"`
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML and validates every entry.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse agent catalog: %w", err)
	}
	for i, b := range c.Builds {
		if b.Hypervisor == "" || b.OS == "" || b.Architecture == "" || b.Version == "" || b.URL == "" {
			return nil, fmt.Errorf("agent catalog entry %d: hypervisor, os, architecture, version and url are required", i)
		}
		if _, err := CompareVersion(b.Version, b.Version); err != nil {
			return nil, fmt.Errorf("agent catalog entry %d: %w", i, err)
		}
	}
	return &c, nil
}

// LatestBuild returns the highest version published for the triple.
func (c *Catalog) LatestBuild(_ context.Context, hypervisor, os, architecture string) (*Build, error) {
	var best *Build
	for i := range c.Builds {
		b := &c.Builds[i]
		if b.Hypervisor != hypervisor || b.OS != os || b.Architecture != architecture {
			continue
		}
		if best == nil {
			best = b
			continue
		}
		if cmp, _ := CompareVersion(b.Version, best.Version); cmp > 0 {
			best = b
		}
	}
	if best == nil {
		return nil, ErrNoBuild
	}
	out := *best
	return &out, nil
}
