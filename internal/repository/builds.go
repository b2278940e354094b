package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/agent"
	"conductor.io/conductor/internal/pkg/logger"
)

// BuildStore is an agent.BuildSource backed by the agent_builds table.
type BuildStore struct {
	db DBTX
}

var _ agent.BuildSource = (*BuildStore)(nil)

// NewBuildStore creates a BuildStore over db.
func NewBuildStore(db DBTX) *BuildStore {
	return &BuildStore{db: db}
}

// PutBuild inserts or replaces a published build.
func (s *BuildStore) PutBuild(ctx context.Context, b agent.Build) error {
	if _, err := agent.CompareVersion(b.Version, b.Version); err != nil {
		return fmt.Errorf("put agent build: %w", err)
	}
	query := `INSERT INTO agent_builds (hypervisor, os, architecture, version, url, md5hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hypervisor, os, architecture, version) DO UPDATE SET
			url = EXCLUDED.url,
			md5hash = EXCLUDED.md5hash`
	if _, err := s.db.Exec(ctx, query, b.Hypervisor, b.OS, b.Architecture, b.Version, b.URL, b.MD5Hash); err != nil {
		return fmt.Errorf("put agent build %s: %w", b.Version, err)
	}
	return nil
}

// LatestBuild returns the highest version for the triple. Versions are
// compared numerically per component, so ordering happens here rather than
// in SQL.
func (s *BuildStore) LatestBuild(ctx context.Context, hypervisor, os, architecture string) (*agent.Build, error) {
	rows, err := s.db.Query(ctx,
		`SELECT version, url, md5hash FROM agent_builds WHERE hypervisor = $1 AND os = $2 AND architecture = $3`,
		hypervisor, os, architecture,
	)
	if err != nil {
		return nil, fmt.Errorf("query agent builds: %w", err)
	}
	defer rows.Close()

	var best *agent.Build
	for rows.Next() {
		b := agent.Build{Hypervisor: hypervisor, OS: os, Architecture: architecture}
		if err := rows.Scan(&b.Version, &b.URL, &b.MD5Hash); err != nil {
			return nil, fmt.Errorf("scan agent build: %w", err)
		}
		if best == nil {
			best = &b
			continue
		}
		cmp, err := agent.CompareVersion(b.Version, best.Version)
		if err != nil {
			logger.Warn("Skipping agent build with malformed version",
				zap.String("version", b.Version),
				zap.Error(err),
			)
			continue
		}
		if cmp > 0 {
			best = &b
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent builds: %w", err)
	}
	if best == nil {
		return nil, fmt.Errorf("%s/%s/%s: %w", hypervisor, os, architecture, agent.ErrNoBuild)
	}
	return best, nil
}
