package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"conductor.io/conductor/internal/agent"
	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/pkg/logger"
	"conductor.io/conductor/internal/testutil"
)

func init() {
	_ = logger.Init("error", "json")
}

// recordingDB captures Exec statements without a database.
type recordingDB struct {
	sql      string
	args     []any
	affected string
}

func (d *recordingDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.sql, d.args = sql, args
	return pgconn.NewCommandTag(d.affected), nil
}

func (d *recordingDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (d *recordingDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func TestUpdateInstance_BuildsPartialUpdate(t *testing.T) {
	db := &recordingDB{affected: "UPDATE 1"}
	s := NewStore(db)

	mode := domain.VMModeHVM
	task := domain.TaskStateNone
	require.NoError(t, s.UpdateInstance(context.Background(), "u-1", domain.InstanceUpdate{
		VMMode:    &mode,
		TaskState: &task,
	}))
	require.Equal(t, `UPDATE instances SET vm_mode = $1, task_state = $2, updated_at = NOW() WHERE uuid = $3`, db.sql)
	require.Equal(t, []any{"hvm", "", "u-1"}, db.args)
}

func TestUpdateInstance_EmptyIsNoop(t *testing.T) {
	db := &recordingDB{affected: "UPDATE 1"}
	require.NoError(t, NewStore(db).UpdateInstance(context.Background(), "u-1", domain.InstanceUpdate{}))
	require.Empty(t, db.sql)
}

func TestUpdateInstance_NotFound(t *testing.T) {
	db := &recordingDB{affected: "UPDATE 0"}
	err := NewStore(db).UpdateInstance(context.Background(), "missing", domain.ProgressUpdate(10))
	require.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestUpdateMigration_NotFound(t *testing.T) {
	db := &recordingDB{affected: "UPDATE 0"}
	err := NewStore(db).UpdateMigration(context.Background(), "m-1", domain.MigrationStatusUpdate(domain.MigrationStatusError))
	require.ErrorIs(t, err, domain.ErrMigrationNotFound)
	require.Equal(t, []any{"error", "m-1"}, db.args)
}

func TestUpdateMigration_RecordsDisks(t *testing.T) {
	db := &recordingDB{affected: "UPDATE 1"}
	status := domain.MigrationStatusFinished
	disks := domain.MigrationDisks{BaseCopyUUID: "base-1", CowUUID: "cow-1"}
	require.NoError(t, NewStore(db).UpdateMigration(context.Background(), "m-1", domain.MigrationUpdate{
		Status: &status,
		Disks:  &disks,
	}))
	require.Equal(t, `UPDATE migrations SET status = $1, disks = $2, updated_at = NOW() WHERE id = $3`, db.sql)
	require.Len(t, db.args, 3)
	require.Equal(t, "finished", db.args[0])
	require.JSONEq(t, `{"base_copy":"base-1","cow":"cow-1","dest":"","sr_path":""}`, string(db.args[1].([]byte)))
	require.Equal(t, "m-1", db.args[2])
}

func TestPutBuild_RejectsMalformedVersion(t *testing.T) {
	db := &recordingDB{affected: "INSERT 0 1"}
	err := NewBuildStore(db).PutBuild(context.Background(), agent.Build{Version: "1.x"})
	require.Error(t, err)
	require.Empty(t, db.sql)
}

func newPostgresStore(t *testing.T, prefix string) (*Store, *BuildStore) {
	t.Helper()
	pool := testutil.OpenPGXPool(t, prefix)
	require.NoError(t, Migrate(context.Background(), pool))
	// Migrations are idempotent.
	require.NoError(t, Migrate(context.Background(), pool))
	return NewStore(pool), NewBuildStore(pool)
}

func TestStore_InstanceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newPostgresStore(t, "instance_round_trip")

	weight := 256
	inst := &domain.Instance{
		UUID:          "4f1c2d3e-0000-4000-8000-000000000001",
		Name:          "instance-00000001",
		Hostname:      "web-1",
		MemoryMB:      2048,
		VCPUs:         2,
		RootGB:        20,
		VCPUWeight:    &weight,
		OSType:        "linux",
		Architecture:  "x86_64",
		AdminPass:     "s3cret",
		InjectedFiles: json.RawMessage(`[{"path":"/etc/motd","contents":"aGk="}]`),
	}
	require.NoError(t, s.CreateInstance(ctx, inst))

	got, err := s.GetInstance(ctx, inst.UUID)
	require.NoError(t, err)
	require.Equal(t, inst.Name, got.Name)
	require.Equal(t, domain.VMStateBuilding, got.VMState)
	require.Equal(t, domain.TaskStateNone, got.TaskState)
	require.NotNil(t, got.VCPUWeight)
	require.Equal(t, 256, *got.VCPUWeight)
	require.Equal(t, "s3cret", got.AdminPass)
	files, err := got.DecodeInjectedFiles()
	require.NoError(t, err)
	require.Equal(t, []domain.InjectedFile{{Path: "/etc/motd", Contents: "aGk="}}, files)

	mode := domain.VMModePV
	power := domain.PowerStateRunning
	require.NoError(t, s.UpdateInstance(ctx, inst.UUID, domain.InstanceUpdate{
		Progress:   intPtr(57),
		VMMode:     &mode,
		PowerState: &power,
	}))
	require.NoError(t, s.ClearAdminPass(ctx, inst.UUID))

	got, err = s.GetInstance(ctx, inst.UUID)
	require.NoError(t, err)
	require.Equal(t, 57, got.Progress)
	require.Equal(t, domain.VMModePV, got.VMMode)
	require.Equal(t, domain.PowerStateRunning, got.PowerState)
	require.Empty(t, got.AdminPass)

	_, err = s.GetInstance(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestStore_ListHungRebooting(t *testing.T) {
	ctx := context.Background()
	s, _ := newPostgresStore(t, "hung_rebooting")
	pool := s.db

	for _, name := range []string{"stale", "fresh", "idle"} {
		require.NoError(t, s.CreateInstance(ctx, &domain.Instance{UUID: "u-" + name, Name: name}))
	}
	rebooting := domain.TaskStateRebooting
	require.NoError(t, s.UpdateInstance(ctx, "u-stale", domain.InstanceUpdate{TaskState: &rebooting}))
	require.NoError(t, s.UpdateInstance(ctx, "u-fresh", domain.InstanceUpdate{TaskState: &rebooting}))
	_, err := pool.Exec(ctx, `UPDATE instances SET updated_at = NOW() - INTERVAL '1 hour' WHERE uuid IN ('u-stale', 'u-idle')`)
	require.NoError(t, err)

	hung, err := s.ListHungRebooting(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, hung, 1)
	require.Equal(t, "u-stale", hung[0].UUID)
}

func TestStore_Migrations(t *testing.T) {
	ctx := context.Background()
	s, _ := newPostgresStore(t, "migrations")

	require.NoError(t, s.CreateInstance(ctx, &domain.Instance{UUID: "u-1", Name: "instance-1"}))
	network := domain.NetworkInfo{{Mapping: domain.VIFMapping{MAC: "aa:bb:cc:dd:ee:ff"}}}
	m := &domain.Migration{InstanceUUID: "u-1", SourceHost: "a", DestHost: "b", OldRootGB: 10, NewRootGB: 20, Network: network}
	require.NoError(t, s.CreateMigration(ctx, m))
	require.NotEmpty(t, m.ID)
	require.Equal(t, domain.MigrationStatusMigrating, m.Status)

	disks := domain.MigrationDisks{BaseCopyUUID: "base-1", CowUUID: "cow-1"}
	require.NoError(t, s.UpdateMigration(ctx, m.ID, domain.MigrationUpdate{Disks: &disks}))

	require.NoError(t, s.UpdateMigration(ctx, m.ID, domain.MigrationStatusUpdate(domain.MigrationStatusFinished)))
	_, err := s.db.Exec(ctx, `UPDATE migrations SET updated_at = NOW() - INTERVAL '2 hours' WHERE id = $1`, m.ID)
	require.NoError(t, err)

	pending, err := s.ListUnconfirmedMigrations(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, m.ID, pending[0].ID)

	pending, err = s.ListUnconfirmedMigrations(ctx, 3*time.Hour)
	require.NoError(t, err)
	require.Empty(t, pending)

	got, err := s.GetMigration(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationStatusFinished, got.Status)
	require.Equal(t, disks, got.Disks)
	require.Equal(t, network, got.Network)

	got, err = s.FinishedMigrationForInstance(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, m.ID, got.ID)
	_, err = s.FinishedMigrationForInstance(ctx, "u-2")
	require.ErrorIs(t, err, domain.ErrMigrationNotFound)

	_, err = s.GetMigration(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrMigrationNotFound)
}

func TestBuildStore_LatestBuild(t *testing.T) {
	ctx := context.Background()
	_, builds := newPostgresStore(t, "agent_builds")

	for _, v := range []string{"1.9.0", "1.10.0", "1.2.3"} {
		require.NoError(t, builds.PutBuild(ctx, agent.Build{
			Hypervisor: "xen", OS: "linux", Architecture: "x86_64",
			Version: v, URL: "http://mirror/agent-" + v + ".tgz", MD5Hash: "abc",
		}))
	}

	b, err := builds.LatestBuild(ctx, "xen", "linux", "x86_64")
	require.NoError(t, err)
	require.Equal(t, "1.10.0", b.Version)
	require.Equal(t, "http://mirror/agent-1.10.0.tgz", b.URL)

	_, err = builds.LatestBuild(ctx, "xen", "windows", "x86_64")
	require.ErrorIs(t, err, agent.ErrNoBuild)
}

func intPtr(v int) *int { return &v }
