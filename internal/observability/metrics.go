package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

// Metrics collects service counters and renders them in the Prometheus text
// format. A nil *Metrics ignores every call.
type Metrics struct {
	apiRequests *Series
	apiLatency  *Histogram
	apiInflight *Series

	stageDuration *Histogram
	rows          *Series
	records       *Series
	jobsFinished  *Series

	queueDepth *Series
	dbStats    *Series
	redisUp    *Series
	redisPing  *Series
}

func NewMetrics() *Metrics {
	return &Metrics{
		apiRequests: NewCounter("gi_api_requests_total", "API requests by method/route/status.", "method", "route", "status"),
		apiLatency: NewHistogram("gi_api_request_duration_seconds", "API request latency in seconds.",
			[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}, "method", "route"),
		apiInflight: NewGauge("gi_api_inflight_requests", "In-flight API requests."),

		stageDuration: NewHistogram("gi_ingest_stage_duration_seconds", "Ingestion stage duration in seconds.",
			[]float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600}, "stage", "outcome"),
		rows:         NewCounter("gi_ingest_rows_total", "Dataset rows materialized."),
		records:      NewCounter("gi_ingest_records_total", "Graph records produced by kind.", "kind"),
		jobsFinished: NewCounter("gi_ingest_jobs_finished_total", "Ingestion jobs reaching a final state.", "status"),

		queueDepth: NewGauge("gi_job_queue_depth", "Ingestion jobs by status.", "status"),
		dbStats:    NewGauge("gi_db_pool", "database/sql pool statistics.", "stat"),
		redisUp:    NewGauge("gi_redis_up", "1 when the last redis ping succeeded."),
		redisPing:  NewGauge("gi_redis_ping_seconds", "Latency of the last redis ping."),
	}
}

func (m *Metrics) ObserveAPI(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.Add(1, method, route, status)
	m.apiLatency.Observe(d.Seconds(), method, route)
}

func (m *Metrics) APIInflight(delta float64) {
	if m == nil {
		return
	}
	m.apiInflight.Add(delta)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.stageDuration.Observe(d.Seconds(), stage, outcome)
}

func (m *Metrics) AddRows(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.Add(float64(n))
}

func (m *Metrics) AddRecords(nodes, relationships int) {
	if m == nil {
		return
	}
	if nodes > 0 {
		m.records.Add(float64(nodes), "node")
	}
	if relationships > 0 {
		m.records.Add(float64(relationships), "relationship")
	}
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.Add(1, status)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.stageDuration, m.rows, m.records, m.jobsFinished,
		m.queueDepth, m.dbStats, m.redisUp, m.redisPing,
	}
	for _, wr := range writers {
		if err := wr.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

// StartCollectors samples the job queue and pool stats from db and pings rdb
// every interval until ctx ends. Either source may be nil.
func (m *Metrics) StartCollectors(ctx context.Context, log *logger.Logger, db *gorm.DB, rdb *redis.Client, interval time.Duration) {
	if m == nil || (db == nil && rdb == nil) {
		return
	}
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if db != nil {
					m.collectDB(ctx, log, db)
				}
				if rdb != nil {
					m.collectRedis(ctx, log, rdb)
				}
			}
		}
	}()
}

func (m *Metrics) collectDB(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := db.WithContext(ctx).
		Model(&types.IngestionJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		log.Warn("metrics: job queue depth query failed", "error", err)
	} else {
		for _, s := range []string{types.JobStatusPending, types.JobStatusRunning, types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled} {
			m.queueDepth.Set(0, s)
		}
		for _, row := range rows {
			m.queueDepth.Set(float64(row.Count), row.Status)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	st := sqlDB.Stats()
	m.dbStats.Set(float64(st.OpenConnections), "open_connections")
	m.dbStats.Set(float64(st.InUse), "in_use")
	m.dbStats.Set(float64(st.Idle), "idle")
	m.dbStats.Set(float64(st.WaitCount), "wait_count")
	m.dbStats.Set(st.WaitDuration.Seconds(), "wait_duration_seconds")
}

func (m *Metrics) collectRedis(ctx context.Context, log *logger.Logger, rdb *redis.Client) {
	start := time.Now()
	if err := rdb.Ping(ctx).Err(); err != nil {
		m.redisUp.Set(0)
		log.Warn("metrics: redis ping failed", "error", err)
		return
	}
	m.redisUp.Set(1)
	m.redisPing.Set(time.Since(start).Seconds())
}

// Series is a counter or gauge family keyed by label values.
type Series struct {
	name   string
	help   string
	kind   string
	labels []string

	mu     sync.Mutex
	values map[string]float64
}

func NewCounter(name, help string, labels ...string) *Series {
	return &Series{name: name, help: help, kind: "counter", labels: labels, values: map[string]float64{}}
}

func NewGauge(name, help string, labels ...string) *Series {
	return &Series{name: name, help: help, kind: "gauge", labels: labels, values: map[string]float64{}}
}

// Add increments the series; counters ignore negative deltas.
func (s *Series) Add(v float64, labelValues ...string) {
	if s == nil || (s.kind == "counter" && v < 0) {
		return
	}
	key := labelString(s.labels, labelValues)
	s.mu.Lock()
	s.values[key] += v
	s.mu.Unlock()
}

func (s *Series) Set(v float64, labelValues ...string) {
	if s == nil {
		return
	}
	key := labelString(s.labels, labelValues)
	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
}

func (s *Series) Value(labelValues ...string) float64 {
	if s == nil {
		return 0
	}
	key := labelString(s.labels, labelValues)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *Series) WritePrometheus(w io.Writer) error {
	if s == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", s.name, s.help, s.name, s.kind); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.labels) == 0 && len(s.values) == 0 {
		_, err := fmt.Fprintf(w, "%s 0\n", s.name)
		return err
	}
	for _, k := range sortedKeys(s.values) {
		if _, err := fmt.Fprintf(w, "%s%s %g\n", s.name, k, s.values[k]); err != nil {
			return err
		}
	}
	return nil
}

type Histogram struct {
	name    string
	help    string
	labels  []string
	buckets []float64

	mu     sync.Mutex
	values map[string]*histogramData
}

type histogramData struct {
	counts []uint64 // per bucket, cumulative at render time
	sum    float64
	total  uint64
}

func NewHistogram(name, help string, buckets []float64, labels ...string) *Histogram {
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)
	return &Histogram{name: name, help: help, labels: labels, buckets: b, values: map[string]*histogramData{}}
}

func (h *Histogram) Observe(v float64, labelValues ...string) {
	if h == nil {
		return
	}
	key := labelString(h.labels, labelValues)
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.values[key]
	if !ok {
		d = &histogramData{counts: make([]uint64, len(h.buckets))}
		h.values[key] = d
	}
	d.sum += v
	d.total++
	i := sort.SearchFloat64s(h.buckets, v)
	if i < len(h.buckets) {
		d.counts[i]++
	}
}

func (h *Histogram) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.values))
	for k := range h.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d := h.values[k]
		var cum uint64
		for i, b := range h.buckets {
			cum += d.counts[i]
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), cum); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n%s_sum%s %g\n%s_count%s %d\n",
			h.name, withLe(k, "+Inf"), d.total,
			h.name, k, d.sum,
			h.name, k, d.total,
		); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func labelString(names, values []string) string {
	if len(names) == 0 {
		return ""
	}
	parts := make([]string, len(names))
	for i, name := range names {
		val := "unknown"
		if i < len(values) && values[i] != "" {
			val = values[i]
		}
		parts[i] = name + `="` + escapeLabel(val) + `"`
	}
	return "{" + strings.Join(parts, ",") + "}"
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(v string) string { return labelEscaper.Replace(v) }

func withLe(labels, le string) string {
	if labels == "" {
		return `{le="` + le + `"}`
	}
	return strings.TrimSuffix(labels, "}") + `,le="` + le + `"}`
}
