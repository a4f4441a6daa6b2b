// Package metrics is an in-process registry of service counters with JSON
// and Prometheus text exposition.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// SolveHistogram is the histogram name used by ObserveSolve.
const SolveHistogram = "solver"

type Registry struct {
	mu           sync.RWMutex
	endpoint     map[string]*EndpointStat
	certificates map[string]int64
	buildErrors  map[string]int64
	warnings     map[string]int64
	solverStatus map[string]int64
	extraction   map[string]int64
	gauges       map[string]float64
	Histograms   *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt  string                  `json:"generated_at"`
	Endpoints    map[string]EndpointStat `json:"endpoints"`
	Certificates map[string]int64        `json:"certificates_by_cone"`
	BuildErrors  map[string]int64        `json:"build_errors"`
	Warnings     map[string]int64        `json:"warnings"`
	SolverStatus map[string]int64        `json:"solver_status"`
	Extraction   map[string]int64        `json:"extraction"`
	Gauges       map[string]float64      `json:"gauges"`
	Histograms   []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		certificates: map[string]int64{},
		buildErrors:  map[string]int64{},
		warnings:     map[string]int64{},
		solverStatus: map[string]int64{},
		extraction:   map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry().WithBuckets(SolveHistogram, SolveBuckets),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

// ObserveSolve records the wall time of one solver run.
func (r *Registry) ObserveSolve(d time.Duration) {
	r.Histograms.ObserveDuration(SolveHistogram, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) inc(m map[string]int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

// IncCertificate counts a built certificate by cone name.
func (r *Registry) IncCertificate(cone string) { r.inc(r.certificates, cone) }

// IncBuildError counts a rejected constraint by error class.
func (r *Registry) IncBuildError(class string) { r.inc(r.buildErrors, class) }

func (r *Registry) IncWarning(code string) { r.inc(r.warnings, code) }

func (r *Registry) IncSolverStatus(status string) { r.inc(r.solverStatus, strings.ToUpper(status)) }

// IncExtraction counts atom extraction outcomes such as "atoms",
// "no_flat_extension" or "ill_conditioned".
func (r *Registry) IncExtraction(outcome string) { r.inc(r.extraction, outcome) }

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	out := Snapshot{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		Certificates: copyCounts(r.certificates),
		BuildErrors:  copyCounts(r.buildErrors),
		Warnings:     copyCounts(r.warnings),
		SolverStatus: copyCounts(r.solverStatus),
		Extraction:   copyCounts(r.extraction),
		Gauges:       make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	r.mu.RUnlock()
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		writeEndpoint := func(name, help, kind string, value func(EndpointStat) string) {
			fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
			for _, ep := range SortedKeys(snap.Endpoints) {
				fmt.Fprintf(b, "%s{endpoint=%q} %s\n", name, ep, value(snap.Endpoints[ep]))
			}
		}
		writeEndpoint("polycert_endpoint_count", "total requests by endpoint", "counter",
			func(s EndpointStat) string { return fmt.Sprint(s.Count) })
		writeEndpoint("polycert_endpoint_error_count", "total endpoint errors", "counter",
			func(s EndpointStat) string { return fmt.Sprint(s.ErrorCount) })
		writeEndpoint("polycert_endpoint_avg_millis", "endpoint average latency in milliseconds", "gauge",
			func(s EndpointStat) string { return fmt.Sprintf("%.3f", s.AverageMillis) })
		writeEndpoint("polycert_endpoint_max_millis", "endpoint max latency in milliseconds", "gauge",
			func(s EndpointStat) string { return fmt.Sprint(s.MaxMillis) })

		writeCounts := func(name, help, label string, m map[string]int64) {
			fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
			for _, k := range SortedKeys(m) {
				fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, m[k])
			}
		}
		writeCounts("polycert_certificates_total", "certificates built by cone", "cone", snap.Certificates)
		writeCounts("polycert_build_errors_total", "rejected constraints by error class", "class", snap.BuildErrors)
		writeCounts("polycert_warnings_total", "preprocessing warnings by code", "code", snap.Warnings)
		writeCounts("polycert_solver_status_total", "solver runs by termination status", "status", snap.SolverStatus)
		writeCounts("polycert_extraction_total", "atom extraction outcomes", "outcome", snap.Extraction)

		b.WriteString("# HELP polycert_gauge operational gauge metrics\n")
		b.WriteString("# TYPE polycert_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "polycert_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP polycert_latency_seconds latency histogram\n")
			b.WriteString("# TYPE polycert_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "polycert_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "polycert_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "polycert_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "polycert_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "polycert_latency_p95_seconds{name=%q} %.6f\n", h.Name, h.P95)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
