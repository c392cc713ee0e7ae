// Package metrics exposes Prometheus instrumentation for the poll loop,
// window rotation and alert delivery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Ticks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tailwatch_ticks_total",
			Help: "Poll loop ticks, successful or not",
		},
	)

	TickErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tailwatch_tick_errors_total",
			Help: "Poll loop failures by stage",
		},
		[]string{"stage"}, // "fetch", "rotate", "panic"
	)

	Rotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tailwatch_rotations_total",
			Help: "Window rotations performed",
		},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tailwatch_store_reconnects_total",
			Help: "Capture store reconnect attempts by result",
		},
		[]string{"result"},
	)

	Alerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tailwatch_alerts_total",
			Help: "Alerts raised by tier",
		},
		[]string{"tier"},
	)

	Sightings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tailwatch_sightings_total",
			Help: "Device records examined by the poll loop",
		},
	)

	Ignored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tailwatch_ignored_total",
			Help: "Records skipped by the ignore lists",
		},
		[]string{"list"}, // "mac", "ssid"
	)

	BandSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tailwatch_band_identifiers",
			Help: "Identifiers held per window band",
		},
		[]string{"band"},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tailwatch_fetch_duration_seconds",
			Help:    "Duration of capture store queries",
			Buckets: prometheus.DefBuckets,
		},
	)

	LastTick = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tailwatch_last_tick_timestamp_seconds",
			Help: "Unix time of the last completed tick",
		},
	)
)

func RecordFetch(duration time.Duration, err error) {
	FetchDuration.Observe(duration.Seconds())
	if err != nil {
		TickErrors.WithLabelValues("fetch").Inc()
	}
}

func RecordReconnect(err error) {
	if err != nil {
		Reconnects.WithLabelValues("failure").Inc()
		return
	}
	Reconnects.WithLabelValues("success").Inc()
}

func RecordAlert(tier string) {
	Alerts.WithLabelValues(tier).Inc()
}

func SetBandSize(band string, ids int) {
	BandSize.WithLabelValues(band).Set(float64(ids))
}
