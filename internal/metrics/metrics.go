// Package metrics holds the Prometheus instruments of the forum API.
package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	RendersTotal     *prometheus.CounterVec
	RenderSeconds    prometheus.Histogram
	MentionsResolved prometheus.Counter
	RewardsTotal     *prometheus.CounterVec
	DirectoryLookups *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPSeconds      *prometheus.HistogramVec
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RendersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forum_markdown_renders_total",
				Help: "Markdown renders by outcome",
			},
			[]string{"status"},
		),
		RenderSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "forum_markdown_render_seconds",
				Help:    "Markdown render latency",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		MentionsResolved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forum_mentions_resolved_total",
				Help: "Mentions resolved to existing users",
			},
		),
		RewardsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forum_reputation_rewards_total",
				Help: "Reputation rewards granted by type",
			},
			[]string{"type"},
		),
		DirectoryLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forum_directory_lookups_total",
				Help: "User directory lookups by cache result",
			},
			[]string{"result"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forum_http_requests_total",
				Help: "HTTP requests by route and status class",
			},
			[]string{"method", "route", "status"},
		),
		HTTPSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forum_http_request_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveRender records one render outcome.
func (m *Metrics) ObserveRender(seconds float64, mentions int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RendersTotal.WithLabelValues(status).Inc()
	m.RenderSeconds.Observe(seconds)
	m.MentionsResolved.Add(float64(mentions))
}

func (m *Metrics) ObserveReward(rewardType string) {
	if m == nil {
		return
	}
	m.RewardsTotal.WithLabelValues(rewardType).Inc()
}

func (m *Metrics) ObserveLookup(result string) {
	if m == nil {
		return
	}
	m.DirectoryLookups.WithLabelValues(result).Inc()
}

// RegisterDB exports connection pool statistics of db as go_sql_* metrics
// labelled db_name="forum".
func (m *Metrics) RegisterDB(db *sql.DB) {
	m.Registry.MustRegister(collectors.NewDBStatsCollector(db, "forum"))
}
