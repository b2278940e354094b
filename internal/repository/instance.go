package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"conductor.io/conductor/internal/domain"
)

// Store implements domain.Persistence.
type Store struct {
	db DBTX
}

var _ domain.Persistence = (*Store)(nil)

// NewStore creates a Store over db.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

const instanceColumns = `uuid, name, hostname, memory_mb, vcpus, root_gb, ephemeral_gb, swap_mb,
	vcpu_weight, power_state, vm_state, task_state, progress, image_ref, kernel_id, ramdisk_id,
	os_type, architecture, vm_mode, auto_disk_config, admin_pass, injected_files, updated_at`

// CreateInstance inserts a new instance record.
func (s *Store) CreateInstance(ctx context.Context, inst *domain.Instance) error {
	var adminPass *string
	if inst.AdminPass != "" {
		adminPass = &inst.AdminPass
	}
	var injected []byte
	if len(inst.InjectedFiles) > 0 {
		injected = inst.InjectedFiles
	}
	vmState := inst.VMState
	if vmState == "" {
		vmState = domain.VMStateBuilding
	}

	query := `INSERT INTO instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, NOW())`
	_, err := s.db.Exec(ctx, query,
		inst.UUID, inst.Name, inst.Hostname, inst.MemoryMB, inst.VCPUs, inst.RootGB, inst.EphemeralGB, inst.SwapMB,
		inst.VCPUWeight, int(inst.PowerState), string(vmState), string(inst.TaskState), inst.Progress,
		inst.ImageRef, inst.KernelID, inst.RamdiskID, inst.OSType, inst.Architecture, string(inst.VMMode),
		inst.AutoDiskConfig, adminPass, injected,
	)
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.UUID, err)
	}
	return nil
}

// GetInstance loads one instance by uuid.
func (s *Store) GetInstance(ctx context.Context, uuid string) (*domain.Instance, error) {
	row := s.db.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE uuid = $1`, uuid)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", uuid, domain.ErrInstanceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", uuid, err)
	}
	return inst, nil
}

// UpdateInstance writes the non-nil fields of update.
func (s *Store) UpdateInstance(ctx context.Context, uuid string, update domain.InstanceUpdate) error {
	if update.IsEmpty() {
		return nil
	}

	sets := make([]string, 0, 7)
	args := make([]any, 0, 7)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.VMMode != nil {
		add("vm_mode", string(*update.VMMode))
	}
	if update.VMState != nil {
		add("vm_state", string(*update.VMState))
	}
	if update.TaskState != nil {
		add("task_state", string(*update.TaskState))
	}
	if update.PowerState != nil {
		add("power_state", int(*update.PowerState))
	}
	if update.RootGB != nil {
		add("root_gb", *update.RootGB)
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, uuid)

	query := fmt.Sprintf(`UPDATE instances SET %s WHERE uuid = $%d`, strings.Join(sets, ", "), len(args))
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", uuid, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update instance %s: %w", uuid, domain.ErrInstanceNotFound)
	}
	return nil
}

// ClearAdminPass drops the stored admin password once it has been handed to the guest.
func (s *Store) ClearAdminPass(ctx context.Context, uuid string) error {
	if _, err := s.db.Exec(ctx, `UPDATE instances SET admin_pass = NULL WHERE uuid = $1`, uuid); err != nil {
		return fmt.Errorf("clear admin pass %s: %w", uuid, err)
	}
	return nil
}

// ListHungRebooting returns instances that have been rebooting for longer than timeout.
func (s *Store) ListHungRebooting(ctx context.Context, timeout time.Duration) ([]*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE task_state = $1 AND updated_at < NOW() - ($2 * INTERVAL '1 second')
		ORDER BY updated_at`
	rows, err := s.db.Query(ctx, query, string(domain.TaskStateRebooting), timeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list hung rebooting: %w", err)
	}
	defer rows.Close()

	var out []*domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row pgx.Row) (*domain.Instance, error) {
	var (
		inst       domain.Instance
		powerState int
		vmState    string
		taskState  string
		vmMode     string
		adminPass  *string
		injected   []byte
	)
	if err := row.Scan(
		&inst.UUID, &inst.Name, &inst.Hostname, &inst.MemoryMB, &inst.VCPUs, &inst.RootGB, &inst.EphemeralGB, &inst.SwapMB,
		&inst.VCPUWeight, &powerState, &vmState, &taskState, &inst.Progress, &inst.ImageRef, &inst.KernelID, &inst.RamdiskID,
		&inst.OSType, &inst.Architecture, &vmMode, &inst.AutoDiskConfig, &adminPass, &injected, &inst.UpdatedAt,
	); err != nil {
		return nil, err
	}
	inst.PowerState = domain.PowerState(powerState)
	inst.VMState = domain.VMState(vmState)
	inst.TaskState = domain.TaskState(taskState)
	inst.VMMode = domain.VMMode(vmMode)
	if adminPass != nil {
		inst.AdminPass = *adminPass
	}
	if len(injected) > 0 {
		inst.InjectedFiles = injected
	}
	return &inst, nil
}
