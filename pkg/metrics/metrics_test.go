package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserverRecording(t *testing.T) {
	m := New()

	m.SessionCacheAccess(true)
	m.SessionCacheAccess(true)
	m.SessionCacheAccess(false)
	if got := testutil.ToFloat64(m.cacheAccesses.WithLabelValues("hit")); got != 2 {
		t.Errorf("expected 2 cache hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheAccesses.WithLabelValues("miss")); got != 1 {
		t.Errorf("expected 1 cache miss, got %v", got)
	}

	m.VersionConflict("flow:reporte")
	if got := testutil.ToFloat64(m.versionConflicts.WithLabelValues("flow:reporte")); got != 1 {
		t.Errorf("expected 1 conflict, got %v", got)
	}

	m.DispatchObserved("encuesta", "guardar_respuesta", "ok", 12*time.Millisecond)
	if got := testutil.CollectAndCount(m.dispatchDuration); got != 1 {
		t.Errorf("expected 1 dispatch series, got %d", got)
	}

	m.TaskFinished("ocr", "ok", 2*time.Second)
	m.InflightChanged(3)
	if got := testutil.ToFloat64(m.tasksInflight); got != 3 {
		t.Errorf("expected inflight gauge 3, got %v", got)
	}

	m.SweepCompleted(2, 1, 40)
	if got := testutil.ToFloat64(m.sessionsWarned); got != 2 {
		t.Errorf("expected 2 warned, got %v", got)
	}
	if got := testutil.ToFloat64(m.messagesPruned); got != 40 {
		t.Errorf("expected 40 pruned, got %v", got)
	}

	m.RateLimitDenied("image", "per_minute_budget")
	m.DuplicateEvent()
	m.DeadLetterStored()
	m.TaskRejected()
	m.WebhookRequest("text", 200, 8*time.Millisecond)
	m.BreakerStateChanged("whatsapp", 2)
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("whatsapp")); got != 2 {
		t.Errorf("expected open breaker gauge, got %v", got)
	}
}

func TestRegistryExposesFamilies(t *testing.T) {
	m := New()
	m.DuplicateEvent()
	m.WebhookRequest("button", 200, time.Millisecond)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	want := map[string]bool{
		"waflow_duplicate_events_total":                false,
		"waflow_webhook_request_duration_milliseconds": false,
		"go_goroutines": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("family %s not exported", name)
		}
	}
}
