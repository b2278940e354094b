package domain

import (
	"context"
	"errors"
	"time"
)

// ErrInstanceNotFound is returned by Persistence when no instance matches.
var ErrInstanceNotFound = errors.New("instance not found")

// ErrMigrationNotFound is returned by Persistence when no migration matches.
var ErrMigrationNotFound = errors.New("migration not found")

// Persistence is the instance/migration store the orchestrator reads and
// writes through. Implementations must be strongly consistent.
type Persistence interface {
	GetInstance(ctx context.Context, uuid string) (*Instance, error)
	UpdateInstance(ctx context.Context, uuid string, update InstanceUpdate) error

	// ListHungRebooting returns instances whose task state has been
	// "rebooting" for longer than timeout.
	ListHungRebooting(ctx context.Context, timeout time.Duration) ([]*Instance, error)

	// ListUnconfirmedMigrations returns finished migrations older than window
	// that were never confirmed or reverted.
	ListUnconfirmedMigrations(ctx context.Context, window time.Duration) ([]*Migration, error)
	UpdateMigration(ctx context.Context, id string, update MigrationUpdate) error
}

// ComputeAPI is the higher-level compute service the reconciliation loops
// hand corrective actions to.
type ComputeAPI interface {
	Reboot(ctx context.Context, instance *Instance, rebootType RebootType) error
	ConfirmResize(ctx context.Context, instance *Instance) error
}
