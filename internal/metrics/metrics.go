package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source identifies where a handled request's response came from.
type Source string

const (
	// SourceNetwork indicates the live fetch produced the response.
	SourceNetwork Source = "network"
	// SourceCache indicates the fallback served a stored snapshot.
	SourceCache Source = "cache"
	// SourceNone indicates neither the network nor the bucket answered.
	SourceNone Source = "none"
)

// BucketOperation identifies the bucket method being instrumented.
type BucketOperation string

const (
	BucketOperationOpen   BucketOperation = "open"
	BucketOperationLookup BucketOperation = "lookup"
	BucketOperationMatch  BucketOperation = "match"
	BucketOperationPut    BucketOperation = "put"
	BucketOperationDelete BucketOperation = "delete"
	BucketOperationNames  BucketOperation = "names"
)

// BucketResult captures the outcome of a bucket operation.
type BucketResult string

const (
	BucketResultOK    BucketResult = "ok"
	BucketResultHit   BucketResult = "hit"
	BucketResultMiss  BucketResult = "miss"
	BucketResultError BucketResult = "error"
)

// Recorder publishes Prometheus metrics for offline cache activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	bucketOperations *prometheus.CounterVec
	bucketLatency    *prometheus.HistogramVec

	installAssets  *prometheus.CounterVec
	deletedBuckets prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinecache",
		Name:      "requests_total",
		Help:      "Intercepted requests by response source and status.",
	}, []string{"source", "status_code"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlinecache",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for handled requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"source"})

	bucketOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinecache",
		Subsystem: "bucket",
		Name:      "operations_total",
		Help:      "Bucket storage operations.",
	}, []string{"operation", "result"})

	bucketLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlinecache",
		Subsystem: "bucket",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for bucket storage operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	installAssets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinecache",
		Subsystem: "install",
		Name:      "assets_total",
		Help:      "Manifest assets processed during install.",
	}, []string{"result"})

	deletedBuckets := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offlinecache",
		Subsystem: "activate",
		Name:      "deleted_buckets_total",
		Help:      "Stale buckets deleted during activation.",
	})

	reg.MustRegister(requests, requestLatency, bucketOperations, bucketLatency, installAssets, deletedBuckets)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		requests:         requests,
		requestLatency:   requestLatency,
		bucketOperations: bucketOperations,
		bucketLatency:    bucketLatency,
		installAssets:    installAssets,
		deletedBuckets:   deletedBuckets,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records a handled request. statusCode is ignored for SourceNone.
func (r *Recorder) ObserveRequest(source Source, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	sourceLabel := normalizeLabel(string(source))
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 || source == SourceNone {
		statusLabel = "none"
	}
	r.requests.WithLabelValues(sourceLabel, statusLabel).Inc()
	r.requestLatency.WithLabelValues(sourceLabel).Observe(duration.Seconds())
}

// ObserveBucket records the result of a bucket storage operation.
func (r *Recorder) ObserveBucket(operation BucketOperation, result BucketResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := normalizeLabel(string(operation))
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(BucketResultError)
	}
	r.bucketOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.bucketLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveInstallAsset records whether a manifest asset was stored.
func (r *Recorder) ObserveInstallAsset(stored bool) {
	if r == nil {
		return
	}
	result := "stored"
	if !stored {
		result = "failed"
	}
	r.installAssets.WithLabelValues(result).Inc()
}

// ObserveDeletedBuckets adds n to the count of evicted buckets.
func (r *Recorder) ObserveDeletedBuckets(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.deletedBuckets.Add(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
