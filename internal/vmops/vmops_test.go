package vmops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
	"conductor.io/conductor/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

// memStore is an in-memory domain.Persistence that records updates.
type memStore struct {
	mu       sync.Mutex
	progress []int
	modes    []domain.VMMode
	err      error
}

func (s *memStore) GetInstance(context.Context, string) (*domain.Instance, error) {
	return nil, domain.ErrInstanceNotFound
}

func (s *memStore) UpdateInstance(_ context.Context, _ string, update domain.InstanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if update.Progress != nil {
		s.progress = append(s.progress, *update.Progress)
	}
	if update.VMMode != nil {
		s.modes = append(s.modes, *update.VMMode)
	}
	return nil
}

func (s *memStore) ListHungRebooting(context.Context, time.Duration) ([]*domain.Instance, error) {
	return nil, nil
}

func (s *memStore) ListUnconfirmedMigrations(context.Context, time.Duration) ([]*domain.Migration, error) {
	return nil, nil
}

func (s *memStore) UpdateMigration(context.Context, string, domain.MigrationUpdate) error {
	return nil
}

func (s *memStore) Progress() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress...)
}

// eventLog captures dispatched events.
type eventLog struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (l *eventLog) dispatcher() *domain.EventDispatcher {
	d := domain.NewEventDispatcher()
	for _, t := range []domain.EventType{
		domain.EventInstanceSpawned, domain.EventInstanceDestroyed,
		domain.EventInstanceRescued, domain.EventInstanceUnrescued,
		domain.EventMigrationSent, domain.EventMigrationFinished,
		domain.EventMigrationReverted, domain.EventMigrationConfirmed,
		domain.EventWorkflowRolledBack,
	} {
		d.Register(t, func(_ context.Context, e *domain.InstanceEvent) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events = append(l.events, e.EventType)
			return nil
		})
	}
	return d
}

func (l *eventLog) Events() []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.EventType(nil), l.events...)
}

type fixture struct {
	mock   *hypervisor.Mock
	store  *memStore
	events *eventLog
	ops    *VMOps
}

func newFixture(t *testing.T, configure func(*Config), opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		mock:   hypervisor.NewMock(),
		store:  &memStore{},
		events: &eventLog{},
	}
	cfg := DefaultConfig()
	cfg.RunningPollInterval = time.Millisecond
	cfg.AgentVersionTimeout = 0
	cfg.AgentPollInterval = time.Millisecond
	if configure != nil {
		configure(&cfg)
	}
	opts = append([]Option{WithEvents(f.events.dispatcher())}, opts...)
	f.ops = New(f.mock.NewDriver(), f.store, cfg, opts...)
	return f
}

func newInstance() *domain.Instance {
	return &domain.Instance{
		UUID:     "4f1c2d3e-0000-4000-8000-000000000001",
		Name:     "instance-00000001",
		Hostname: "web-1",
		MemoryMB: 512,
		VCPUs:    1,
		RootGB:   1,
		OSType:   "linux",
		VMMode:   domain.VMModePV,
	}
}

func testNetwork() domain.NetworkInfo {
	return domain.NetworkInfo{{
		Network: domain.Network{ID: "net-1", Label: "private", Bridge: "xenbr0"},
		Mapping: domain.VIFMapping{
			MAC:     "aa:bb:cc:dd:ee:ff",
			Label:   "private",
			Gateway: "10.0.0.1",
			IPs:     []domain.IP{{IP: "10.0.0.5", Netmask: "255.255.255.0", Enabled: "1"}},
		},
	}}
}

func testImage() hypervisor.ImageMeta {
	return hypervisor.ImageMeta{ID: "img-1", DiskFormat: "vhd", ContainerFormat: "ovf"}
}

func TestListInstances(t *testing.T) {
	f := newFixture(t, nil)
	f.mock.AddVM("instance-a", hypervisor.PowerRunning)
	f.mock.AddVM("instance-b", hypervisor.PowerHalted)

	names, err := f.ops.ListInstances(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"instance-a", "instance-b"}, names)

	detail, err := f.ops.ListInstancesDetail(context.Background())
	require.NoError(t, err)
	states := map[string]domain.PowerState{}
	for _, d := range detail {
		states[d.Name] = d.State
	}
	require.Equal(t, domain.PowerStateRunning, states["instance-a"])
	require.Equal(t, domain.PowerStateShutdown, states["instance-b"])
}

func TestGetInfo(t *testing.T) {
	f := newFixture(t, nil)
	inst := newInstance()

	_, err := f.ops.GetInfo(context.Background(), inst)
	require.Error(t, err)

	f.mock.AddVM(inst.Name, hypervisor.PowerPaused)
	info, err := f.ops.GetInfo(context.Background(), inst)
	require.NoError(t, err)
	require.Equal(t, domain.PowerStatePaused, info.State)
}

func TestFirewallPassThrough(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.ops.RefreshSecurityGroupRules(ctx, "sg-1"))
	require.NoError(t, f.ops.RefreshSecurityGroupMembers(ctx, "sg-2"))
	require.NoError(t, f.ops.RefreshProviderFWRules(ctx))

	calls := f.mock.Calls()
	require.Contains(t, calls, "firewall.refresh_security_group_rules sg-1")
	require.Contains(t, calls, "firewall.refresh_security_group_members sg-2")
	require.Contains(t, calls, "firewall.refresh_provider_fw_rules")
}

var errBoom = errors.New("boom")
