package metrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordExecution(t *testing.T) {
	m := New()
	m.RecordExecution("completed", 0.2, 2)
	m.RecordExecution("completed", 0.1, 1)
	m.RecordExecution("timed_out", 5, 0)

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("completed")); got != 2 {
		t.Errorf("completed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("timed_out")); got != 1 {
		t.Errorf("timed_out = %v, want 1", got)
	}
}

func TestCacheCounters(t *testing.T) {
	m := New()
	m.RecordLookup(true)
	m.RecordLookup(false)
	m.RecordLookup(false)
	m.RecordCorruption("modules")
	m.RecordWrite("sources")

	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")); got != 2 {
		t.Errorf("misses = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheCorruptions.WithLabelValues("modules")); got != 1 {
		t.Errorf("corruptions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheWrites.WithLabelValues("sources")); got != 1 {
		t.Errorf("writes = %v, want 1", got)
	}
}

func TestActiveGauge(t *testing.T) {
	m := New()
	done := m.ExecutionStarted()
	if got := testutil.ToFloat64(m.ActiveExecutions); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
	done()
	if got := testutil.ToFloat64(m.ActiveExecutions); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordExecution("completed", 1, 1)
	m.RecordCompile(true, 10)
	m.RecordLookup(true)
	m.RecordCorruption("modules")
	m.RecordWrite("modules")
	m.RecordMigration("moved")
	m.ExecutionStarted()()
	if err := m.WriteTextfile("unused"); err != nil {
		t.Errorf("WriteTextfile: %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RecordMigration("moved")

	path := filepath.Join(t.TempDir(), "sandbox.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), `sandbox_migration_items_total{status="moved"} 1`) {
		t.Errorf("textfile missing migration counter:\n%s", data)
	}
}

func TestTracer(t *testing.T) {
	ctx, span := NewTracer().StartSpan(context.Background(), "execute", AttrEntryPoint.String("run"))
	if ctx == nil || span == nil {
		t.Fatal("expected span")
	}
	EndSpan(span, nil)

	var nilTracer *Tracer
	_, span = nilTracer.StartSpan(context.Background(), "execute")
	EndSpan(span, context.Canceled)
}
