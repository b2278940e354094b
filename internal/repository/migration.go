package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"conductor.io/conductor/internal/domain"
)

const migrationColumns = `id, instance_uuid, source_host, dest_host, old_root_gb, new_root_gb, status, disks, network_info, created_at, updated_at`

// CreateMigration inserts m, assigning an id when empty.
func (s *Store) CreateMigration(ctx context.Context, m *domain.Migration) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = domain.MigrationStatusMigrating
	}
	var network []byte
	if len(m.Network) > 0 {
		raw, err := json.Marshal(m.Network)
		if err != nil {
			return fmt.Errorf("encode network info for migration %s: %w", m.ID, err)
		}
		network = raw
	}
	query := `INSERT INTO migrations (id, instance_uuid, source_host, dest_host, old_root_gb, new_root_gb, status, network_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	err := s.db.QueryRow(ctx, query,
		m.ID, m.InstanceUUID, m.SourceHost, m.DestHost, m.OldRootGB, m.NewRootGB, string(m.Status), network,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert migration %s: %w", m.ID, err)
	}
	return nil
}

// GetMigration loads one migration by id.
func (s *Store) GetMigration(ctx context.Context, id string) (*domain.Migration, error) {
	row := s.db.QueryRow(ctx, `SELECT `+migrationColumns+` FROM migrations WHERE id = $1`, id)
	m, err := scanMigration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("migration %s: %w", id, domain.ErrMigrationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get migration %s: %w", id, err)
	}
	return m, nil
}

// FinishedMigrationForInstance returns the newest finished migration of an instance.
func (s *Store) FinishedMigrationForInstance(ctx context.Context, instanceUUID string) (*domain.Migration, error) {
	row := s.db.QueryRow(ctx, `SELECT `+migrationColumns+` FROM migrations
		WHERE instance_uuid = $1 AND status = $2
		ORDER BY updated_at DESC LIMIT 1`,
		instanceUUID, string(domain.MigrationStatusFinished),
	)
	m, err := scanMigration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("finished migration for %s: %w", instanceUUID, domain.ErrMigrationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get finished migration for %s: %w", instanceUUID, err)
	}
	return m, nil
}

// ListUnconfirmedMigrations returns finished migrations last touched before
// window ago, oldest first.
func (s *Store) ListUnconfirmedMigrations(ctx context.Context, window time.Duration) ([]*domain.Migration, error) {
	query := `SELECT ` + migrationColumns + ` FROM migrations
		WHERE status = $1 AND updated_at < NOW() - ($2 * INTERVAL '1 second')
		ORDER BY updated_at`
	rows, err := s.db.Query(ctx, query, string(domain.MigrationStatusFinished), window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed migrations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMigration writes the non-nil fields of update.
func (s *Store) UpdateMigration(ctx context.Context, id string, update domain.MigrationUpdate) error {
	var (
		sets []string
		args []any
	)
	if update.Status != nil {
		args = append(args, string(*update.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if update.Disks != nil {
		raw, err := json.Marshal(update.Disks)
		if err != nil {
			return fmt.Errorf("encode disks for migration %s: %w", id, err)
		}
		args = append(args, raw)
		sets = append(sets, fmt.Sprintf("disks = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE migrations SET %s, updated_at = NOW() WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update migration %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update migration %s: %w", id, domain.ErrMigrationNotFound)
	}
	return nil
}

func scanMigration(row pgx.Row) (*domain.Migration, error) {
	var (
		m              domain.Migration
		status         string
		disks, network []byte
	)
	if err := row.Scan(
		&m.ID, &m.InstanceUUID, &m.SourceHost, &m.DestHost, &m.OldRootGB, &m.NewRootGB, &status,
		&disks, &network, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Status = domain.MigrationStatus(status)
	if len(disks) > 0 {
		if err := json.Unmarshal(disks, &m.Disks); err != nil {
			return nil, fmt.Errorf("decode disks of migration %s: %w", m.ID, err)
		}
	}
	if len(network) > 0 {
		if err := json.Unmarshal(network, &m.Network); err != nil {
			return nil, fmt.Errorf("decode network info of migration %s: %w", m.ID, err)
		}
	}
	return &m, nil
}
