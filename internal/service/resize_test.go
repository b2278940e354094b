package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
	apperrors "conductor.io/conductor/internal/pkg/errors"
)

func active(uuid string, rootGB int) *domain.Instance {
	return &domain.Instance{UUID: uuid, Name: "instance-" + uuid, VMState: domain.VMStateActive, RootGB: rootGB}
}

func TestComputeService_Resize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sent := domain.MigrationDisks{BaseCopyUUID: "base-1", CowUUID: "cow-1", Dest: "10.0.0.2"}

	t.Run("records migration and disks", func(t *testing.T) {
		store := newMemStore(active("a", 10))
		ops := &fakeWorkflows{disks: sent}
		svc := NewComputeService(ops, store, WithHost("host-1"))

		m, err := svc.Resize(ctx, ResizeRequest{InstanceUUID: "a", DestHost: "10.0.0.2", NewRootGB: 20, Network: testNetwork()})
		require.NoError(t, err)
		require.Equal(t, "10.0.0.2", ops.migratedTo)
		require.Equal(t, 20, ops.migrateSize)

		got := store.migration(m.ID)
		require.Equal(t, domain.MigrationStatusMigrating, got.Status)
		require.Equal(t, "host-1", got.SourceHost)
		require.Equal(t, 10, got.OldRootGB)
		require.Equal(t, 20, got.NewRootGB)
		require.Equal(t, sent, got.Disks)
		require.Equal(t, testNetwork(), got.Network)
		require.Equal(t, []domain.TaskState{domain.TaskStateResizeMigrating, domain.TaskStateResizeFinish}, store.tasks)
	})

	t.Run("failure marks migration and instance error", func(t *testing.T) {
		store := newMemStore(active("a", 10))
		svc := NewComputeService(&fakeWorkflows{migrateErr: errBoom}, store)

		_, err := svc.Resize(ctx, ResizeRequest{InstanceUUID: "a", DestHost: "10.0.0.2"})
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, domain.MigrationStatusError, store.migration("m-1").Status)
		require.Equal(t, domain.VMStateError, store.instance("a").VMState)
		require.Equal(t, domain.TaskStateNone, store.instance("a").TaskState)
	})

	tests := []struct {
		name string
		inst *domain.Instance
		req  ResizeRequest
		code string
	}{
		{
			name: "building instance",
			inst: building("a"),
			req:  ResizeRequest{InstanceUUID: "a", DestHost: "b"},
			code: apperrors.CodeInstanceUnacceptable,
		},
		{
			name: "negative size",
			inst: active("a", 10),
			req:  ResizeRequest{InstanceUUID: "a", DestHost: "b", NewRootGB: -1},
			code: apperrors.CodeValidationFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(tt.inst)
			ops := &fakeWorkflows{}
			_, err := NewComputeService(ops, store).Resize(ctx, tt.req)
			require.True(t, apperrors.HasCode(err, tt.code))
			require.Empty(t, ops.ops)
			require.Empty(t, store.migrations)
		})
	}
}

func TestComputeService_FinishResize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newFixture := func(status domain.MigrationStatus, oldGB, newGB int, finishErr error) (*memStore, *fakeWorkflows, *ComputeService) {
		inst := active("a", oldGB)
		inst.TaskState = domain.TaskStateResizeFinish
		store := newMemStore(inst)
		store.migrations["m-1"] = &domain.Migration{
			ID:           "m-1",
			InstanceUUID: "a",
			OldRootGB:    oldGB,
			NewRootGB:    newGB,
			Status:       status,
			Disks:        domain.MigrationDisks{BaseCopyUUID: "base-1", CowUUID: "cow-1"},
			Network:      testNetwork(),
		}
		ops := &fakeWorkflows{finishErr: finishErr}
		return store, ops, NewComputeService(ops, store)
	}

	tests := []struct {
		name     string
		oldGB    int
		newGB    int
		wantGB   int
		wantGrow bool
	}{
		{name: "grow", oldGB: 10, newGB: 20, wantGB: 20, wantGrow: true},
		{name: "shrink", oldGB: 20, newGB: 10, wantGB: 10},
		{name: "unspecified keeps size", oldGB: 10, newGB: 0, wantGB: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, ops, svc := newFixture(domain.MigrationStatusMigrating, tt.oldGB, tt.newGB, nil)

			require.NoError(t, svc.FinishResize(ctx, FinishResizeRequest{MigrationID: "m-1", Image: hypervisor.ImageMeta{ID: "img"}}))
			require.Equal(t, tt.wantGB, ops.finishedGB)
			require.Equal(t, tt.wantGrow, ops.finishGrow)
			require.Equal(t, testNetwork(), ops.networks["finish_migration"])

			got := store.instance("a")
			require.Equal(t, tt.wantGB, got.RootGB)
			require.Equal(t, domain.VMStateResized, got.VMState)
			require.Equal(t, domain.TaskStateResizeVerify, got.TaskState)
			require.Equal(t, domain.MigrationStatusFinished, store.migration("m-1").Status)
		})
	}

	t.Run("already finished is a no-op", func(t *testing.T) {
		_, ops, svc := newFixture(domain.MigrationStatusFinished, 10, 20, nil)
		require.NoError(t, svc.FinishResize(ctx, FinishResizeRequest{MigrationID: "m-1"}))
		require.Empty(t, ops.ops)
	})

	t.Run("reverted migration is rejected", func(t *testing.T) {
		_, ops, svc := newFixture(domain.MigrationStatusReverted, 10, 20, nil)
		err := svc.FinishResize(ctx, FinishResizeRequest{MigrationID: "m-1"})
		require.True(t, apperrors.HasCode(err, apperrors.CodeInstanceUnacceptable))
		require.Empty(t, ops.ops)
	})

	t.Run("failure marks error", func(t *testing.T) {
		store, _, svc := newFixture(domain.MigrationStatusMigrating, 10, 20, errBoom)
		require.ErrorIs(t, svc.FinishResize(ctx, FinishResizeRequest{MigrationID: "m-1"}), errBoom)
		require.Equal(t, domain.MigrationStatusError, store.migration("m-1").Status)
		require.Equal(t, domain.VMStateError, store.instance("a").VMState)
		require.Equal(t, 10, store.instance("a").RootGB)
	})

	t.Run("missing migration", func(t *testing.T) {
		svc := NewComputeService(&fakeWorkflows{}, newMemStore())
		require.ErrorIs(t, svc.FinishResize(ctx, FinishResizeRequest{MigrationID: "nope"}), domain.ErrMigrationNotFound)
	})
}

func TestComputeService_RevertResize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newFixture := func(opErr error) (*memStore, *fakeWorkflows, *ComputeService) {
		inst := active("a", 20)
		inst.VMState = domain.VMStateResized
		inst.TaskState = domain.TaskStateResizeVerify
		store := newMemStore(inst)
		store.migrations["m-1"] = &domain.Migration{
			ID:           "m-1",
			InstanceUUID: "a",
			OldRootGB:    10,
			NewRootGB:    20,
			Status:       domain.MigrationStatusFinished,
			Network:      testNetwork(),
		}
		ops := &fakeWorkflows{opErr: opErr}
		return store, ops, NewComputeService(ops, store)
	}

	t.Run("restores source", func(t *testing.T) {
		store, ops, svc := newFixture(nil)

		require.NoError(t, svc.RevertResize(ctx, "a"))
		require.Equal(t, []string{"destroy", "finish_revert"}, ops.ops)
		require.Equal(t, testNetwork(), ops.networks["destroy"])

		got := store.instance("a")
		require.Equal(t, domain.VMStateActive, got.VMState)
		require.Equal(t, domain.TaskStateNone, got.TaskState)
		require.Equal(t, 10, got.RootGB)
		require.Equal(t, domain.MigrationStatusReverted, store.migration("m-1").Status)
	})

	t.Run("failure marks error", func(t *testing.T) {
		store, ops, svc := newFixture(errBoom)

		require.ErrorIs(t, svc.RevertResize(ctx, "a"), errBoom)
		require.Equal(t, []string{"destroy"}, ops.ops)
		require.Equal(t, domain.VMStateError, store.instance("a").VMState)
		require.Equal(t, domain.MigrationStatusFinished, store.migration("m-1").Status)
	})

	t.Run("no finished migration", func(t *testing.T) {
		store, ops, svc := newFixture(nil)
		store.migrations["m-1"].Status = domain.MigrationStatusConfirmed
		require.ErrorIs(t, svc.RevertResize(ctx, "a"), domain.ErrMigrationNotFound)
		require.Empty(t, ops.ops)
	})
}

func TestComputeService_Rescue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		state     domain.VMState
		opErr     error
		wantState domain.VMState
		wantCode  string
		wantCall  bool
	}{
		{name: "active", state: domain.VMStateActive, wantState: domain.VMStateRescued, wantCall: true},
		{name: "stopped", state: domain.VMStateStopped, wantState: domain.VMStateRescued, wantCall: true},
		{name: "failure keeps state", state: domain.VMStateActive, opErr: errBoom, wantState: domain.VMStateActive, wantCall: true},
		{name: "already rescued", state: domain.VMStateRescued, wantState: domain.VMStateRescued, wantCode: apperrors.CodeInstanceUnacceptable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := active("a", 10)
			inst.VMState = tt.state
			store := newMemStore(inst)
			ops := &fakeWorkflows{opErr: tt.opErr}

			err := NewComputeService(ops, store).Rescue(ctx, RescueRequest{InstanceUUID: "a", Network: testNetwork()})
			switch {
			case tt.wantCode != "":
				require.True(t, apperrors.HasCode(err, tt.wantCode))
			case tt.opErr != nil:
				require.ErrorIs(t, err, tt.opErr)
			default:
				require.NoError(t, err)
			}
			if tt.wantCall {
				require.Equal(t, []string{"rescue"}, ops.ops)
				require.Equal(t, testNetwork(), ops.networks["rescue"])
			} else {
				require.Empty(t, ops.ops)
			}
			got := store.instance("a")
			require.Equal(t, tt.wantState, got.VMState)
			require.Equal(t, domain.TaskStateNone, got.TaskState)
		})
	}
}

func TestComputeService_Unrescue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("returns to active", func(t *testing.T) {
		inst := active("a", 10)
		inst.VMState = domain.VMStateRescued
		store := newMemStore(inst)
		ops := &fakeWorkflows{}

		require.NoError(t, NewComputeService(ops, store).Unrescue(ctx, "a"))
		require.Equal(t, []string{"unrescue"}, ops.ops)
		require.Equal(t, domain.VMStateActive, store.instance("a").VMState)
		require.Equal(t, []domain.TaskState{domain.TaskStateUnrescuing, domain.TaskStateNone}, store.tasks)
	})

	t.Run("not rescued", func(t *testing.T) {
		ops := &fakeWorkflows{}
		err := NewComputeService(ops, newMemStore(active("a", 10))).Unrescue(ctx, "a")
		require.True(t, apperrors.HasCode(err, apperrors.CodeInstanceUnacceptable))
		require.Empty(t, ops.ops)
	})
}

func TestComputeService_Snapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("uploads and clears task", func(t *testing.T) {
		store := newMemStore(active("a", 10))
		ops := &fakeWorkflows{}

		require.NoError(t, NewComputeService(ops, store).Snapshot(ctx, "a", "img-snap"))
		require.Equal(t, []string{"img-snap"}, ops.snapshots)
		require.Equal(t, []domain.TaskState{domain.TaskStateImageSnapshot, domain.TaskStateNone}, store.tasks)
		require.Equal(t, domain.VMStateActive, store.instance("a").VMState)
	})

	t.Run("failure clears task", func(t *testing.T) {
		store := newMemStore(active("a", 10))
		err := NewComputeService(&fakeWorkflows{opErr: errBoom}, store).Snapshot(ctx, "a", "img-snap")
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, domain.TaskStateNone, store.instance("a").TaskState)
	})

	t.Run("image id required", func(t *testing.T) {
		ops := &fakeWorkflows{}
		err := NewComputeService(ops, newMemStore(active("a", 10))).Snapshot(ctx, "a", "")
		require.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))
		require.Empty(t, ops.snapshots)
	})
}

func TestComputeService_ConfirmInstanceResize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inst := active("a", 20)
	inst.VMState = domain.VMStateResized
	store := newMemStore(inst)
	store.migrations["m-1"] = &domain.Migration{ID: "m-1", InstanceUUID: "a", Status: domain.MigrationStatusFinished, Network: testNetwork()}
	ops := &fakeWorkflows{}

	require.NoError(t, NewComputeService(ops, store).ConfirmInstanceResize(ctx, "a"))
	require.Equal(t, []string{"a"}, ops.confirmed)
	require.Equal(t, testNetwork(), ops.networks["confirm"])
	require.Equal(t, domain.MigrationStatusConfirmed, store.migration("m-1").Status)

	require.ErrorIs(t, NewComputeService(ops, newMemStore()).ConfirmInstanceResize(ctx, "missing"), domain.ErrInstanceNotFound)
}
