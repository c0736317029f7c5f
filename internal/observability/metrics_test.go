package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.ObserveStage("materialize", 2*time.Second, false)
	m.ObserveStage("materialize", 20*time.Millisecond, false)
	m.AddRows(3)
	m.AddRows(-1)
	m.AddRecords(5, 3)
	m.JobFinished("completed")
	m.ObserveAPI("GET", "/api/ingestions/:id", "200", 3*time.Millisecond)

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	want := []string{
		"# TYPE gi_ingest_rows_total counter",
		"gi_ingest_rows_total 3\n",
		`gi_ingest_records_total{kind="node"} 5`,
		`gi_ingest_records_total{kind="relationship"} 3`,
		`gi_ingest_jobs_finished_total{status="completed"} 1`,
		`gi_ingest_stage_duration_seconds_bucket{stage="materialize",outcome="ok",le="0.1"} 1`,
		`gi_ingest_stage_duration_seconds_bucket{stage="materialize",outcome="ok",le="5"} 2`,
		`gi_ingest_stage_duration_seconds_count{stage="materialize",outcome="ok"} 2`,
		`gi_api_requests_total{method="GET",route="/api/ingestions/:id",status="200"} 1`,
		"gi_redis_up 0\n",
	}
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Fatalf("missing %q in:\n%s", w, out)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.AddRows(1)
	m.ObserveStage("x", time.Second, true)
	m.JobFinished("failed")
	if err := m.WritePrometheus(&bytes.Buffer{}); err != nil {
		t.Fatalf("nil WritePrometheus: %v", err)
	}
}

func TestLabelEscaping(t *testing.T) {
	got := labelString([]string{"path"}, []string{"a\"b\\c\nd"})
	if got != `{path="a\"b\\c\nd"}` {
		t.Fatalf("labelString: %s", got)
	}
	if labelString([]string{"a", "b"}, []string{"x"}) != `{a="x",b="unknown"}` {
		t.Fatalf("missing label values not defaulted")
	}
}
