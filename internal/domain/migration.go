package domain

import "time"

// MigrationStatus defines the status of a resize/migration record.
type MigrationStatus string

const (
	MigrationStatusMigrating MigrationStatus = "migrating"
	MigrationStatusFinished  MigrationStatus = "finished"
	MigrationStatusConfirmed MigrationStatus = "confirmed"
	MigrationStatusReverted  MigrationStatus = "reverted"
	MigrationStatusError     MigrationStatus = "error"
)

// Migration is the persisted record of a resize or cross-host move.
type Migration struct {
	ID           string          `json:"id"`
	InstanceUUID string          `json:"instance_uuid"`
	SourceHost   string          `json:"source_host"`
	DestHost     string          `json:"dest_host"`
	OldRootGB    int             `json:"old_root_gb"`
	NewRootGB    int             `json:"new_root_gb"`
	Status       MigrationStatus `json:"status"`

	// Disks is filled in once the source host has shipped the disk chain.
	Disks MigrationDisks `json:"disks"`

	// Network is the instance's network info at resize time. Confirm and
	// revert need it to unplug and unfilter the VM they tear down.
	Network NetworkInfo `json:"network,omitempty"`

	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MigrationUpdate is a partial update of a migration record.
type MigrationUpdate struct {
	Status *MigrationStatus
	Disks  *MigrationDisks
}

// MigrationStatusUpdate builds an update that only sets status.
func MigrationStatusUpdate(status MigrationStatus) MigrationUpdate {
	return MigrationUpdate{Status: &status}
}

// MigrationDisks describes the disk chain shipped to the destination host.
// It is produced once on the source by MigrateDiskAndPowerOff and consumed once
// on the destination by FinishMigration.
type MigrationDisks struct {
	// BaseCopyUUID is the immutable base of the chain, or the resized disk
	// when the root disk was shrunk on the source.
	BaseCopyUUID string `json:"base_copy"`

	// CowUUID is the mutable delta on top of the base copy. Empty after a shrink.
	CowUUID string `json:"cow,omitempty"`

	Dest   string `json:"dest"`
	SRPath string `json:"sr_path"`
}

// HasCow reports whether a delta disk was transferred.
func (d MigrationDisks) HasCow() bool { return d.CowUUID != "" }
