package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestMetrics_Observers(t *testing.T) {
	m := New()

	m.StepCompleted("create_vm", 2*time.Second)
	m.StepFailed("wait_for_agent")
	m.StepFailed("wait_for_agent")
	m.RolledBack(3, 1)
	m.AgentCall("version", "0", 150*time.Millisecond)
	m.AgentCall("version", "0", 150*time.Millisecond)
	m.Acted("rebooting", "reboot", nil)
	m.Acted("rescued", "unrescue", errors.New("boom"))

	require.Equal(t, 2.0, testutil.ToFloat64(m.SagaStepFailures.WithLabelValues("wait_for_agent")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SagaRollbacks))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SagaUndoFailures))
	require.Equal(t, 2.0, testutil.ToFloat64(m.AgentCalls.WithLabelValues("version", "0")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileActions.WithLabelValues("rebooting", "reboot", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileActions.WithLabelValues("rescued", "unrescue", "error")))
	require.Equal(t, 1, testutil.CollectAndCount(m.SagaStepDuration))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RegisterPools(func() map[string]map[string]int {
		return map[string]map[string]int{"hypervisor": {"running": 2, "cap": 20}}
	})
	m.Acted("unconfirmed_resizes", "confirm", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Contains(t, body, `conductor_reconcile_actions_total{action="confirm",loop="unconfirmed_resizes",result="ok"} 1`)
	require.Contains(t, body, `conductor_worker_pool_workers{pool="hypervisor",state="running"} 2`)
	require.True(t, strings.Contains(body, "go_goroutines"))
}

func TestMetrics_Events(t *testing.T) {
	m := New()
	d := domain.NewEventDispatcher()
	m.Subscribe(d)

	require.NoError(t, d.Dispatch(context.Background(), &domain.InstanceEvent{
		EventType: domain.EventInstanceSpawned, InstanceUUID: "a", Workflow: "spawn",
	}))
	require.NoError(t, d.Dispatch(context.Background(), &domain.InstanceEvent{
		EventType: domain.EventWorkflowRolledBack, InstanceUUID: "a", Workflow: "spawn",
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(m.InstanceEvents.WithLabelValues("INSTANCE_SPAWNED", "spawn")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.InstanceEvents.WithLabelValues("WORKFLOW_ROLLED_BACK", "spawn")))
}
