// Package metrics exposes Prometheus collectors for the ingest crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal             *prometheus.CounterVec
	bytesTotal             *prometheus.CounterVec
	httpRequestsTotal      *prometheus.CounterVec
	fetchDurationSeconds   *prometheus.HistogramVec
	inflightPipelines      prometheus.Gauge
	depthCapTotal          *prometheus.CounterVec
	sessionRefreshTotal    *prometheus.CounterVec
	rateLimitDelaysSeconds *prometheus.HistogramVec
	exportFailuresTotal    *prometheus.CounterVec
	pagesTotal             *prometheus.CounterVec
	persistedItemsByRating *prometheus.CounterVec
	statusRequestsTotal    *prometheus.CounterVec
	statusRequestSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booru_items_total",
				Help: "Candidates processed, labeled by site and pipeline outcome.",
			},
			[]string{"site", "outcome"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booru_bytes_total",
				Help: "Response bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booru_http_requests_total",
				Help: "HTTP requests sent, labeled by host and status code.",
			},
			[]string{"host", "code"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "booru_fetch_duration_seconds",
				Help:    "Latency of page, detail and asset fetches.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site", "kind"},
		)

		inflightPipelines = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "booru_inflight_pipelines",
				Help: "Pipeline instances currently admitted by the scheduler.",
			},
		)

		depthCapTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booru_depth_cap_total",
				Help: "Times the board refused to paginate deeper.",
			},
			[]string{"site"},
		)

		sessionRefreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booru_session_refresh_total",
				Help: "HTTP session replacements.",
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "booru_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		exportFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booru_export_failures_total",
				Help: "Failed post-persist exports, labeled by exporter.",
			},
			[]string{"exporter"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booru_pages_total",
				Help: "Search result pages fetched, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		persistedItemsByRating = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booru_persisted_items_total",
				Help: "Persisted pairs, labeled by site and rating.",
			},
			[]string{"site", "rating"},
		)

		statusRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booru_status_requests_total",
				Help: "Requests served by the status server, labeled by route and code.",
			},
			[]string{"method", "route", "code"},
		)

		statusRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "booru_status_request_duration_seconds",
				Help:    "Latency of status server requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem increments the outcome counter for one candidate.
func ObserveItem(site, outcome string) {
	Init()
	itemsTotal.WithLabelValues(site, outcome).Inc()
}

// ObservePersisted counts a persisted pair by rating.
func ObservePersisted(site, rating string) {
	Init()
	persistedItemsByRating.WithLabelValues(site, rating).Inc()
}

// ObserveRequest records one HTTP exchange.
func ObserveRequest(rawURL string, code int, bytesFetched int) {
	Init()
	host := SanitizeHost(rawURL)
	httpRequestsTotal.WithLabelValues(host, strconv.Itoa(code)).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveFetch records the latency of a page, detail or asset fetch.
func ObserveFetch(site, kind string, d time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(site, kind).Observe(d.Seconds())
}

// ObservePage counts a fetched result page.
func ObservePage(site, result string) {
	Init()
	pagesTotal.WithLabelValues(site, result).Inc()
}

// ObserveDepthCap counts a depth cap signal.
func ObserveDepthCap(site string) {
	Init()
	depthCapTotal.WithLabelValues(site).Inc()
}

// ObserveSessionRefresh counts a session replacement.
func ObserveSessionRefresh(site string) {
	Init()
	sessionRefreshTotal.WithLabelValues(site).Inc()
}

// ObserveExportFailure counts a failed export.
func ObserveExportFailure(exporter string) {
	Init()
	exportFailuresTotal.WithLabelValues(exporter).Inc()
}

// IncInflight increments the in-flight pipeline gauge.
func IncInflight() {
	Init()
	inflightPipelines.Inc()
}

// DecInflight decrements the in-flight pipeline gauge.
func DecInflight() {
	Init()
	inflightPipelines.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
