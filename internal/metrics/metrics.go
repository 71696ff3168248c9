// Package metrics records merge queue processing metrics and pushes them to
// a Prometheus Pushgateway.
//
// A processing run is a short-lived one-shot process, it can not be scraped.
// The recorder therefore uses its own registry and pushes it once at the end
// of the run. A nil recorder is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/queueward/queueward/internal/logfields"
)

const metricNamespace = "queueward"

const (
	runsMetricName        = "processed_prs_total"
	runDurationMetricName = "processing_duration_seconds"
)

const (
	repositoryLabel = "repository"
	resultLabel     = "result"
)

const pushJobName = "queueward"

type Recorder struct {
	logger         *zap.Logger
	repository     string
	pushgatewayURL string

	registry    *prometheus.Registry
	runs        *prometheus.CounterVec
	runDuration prometheus.Gauge
}

// NewRecorder returns a recorder for processing runs of repository.
// When pushgatewayURL is empty, Push is a no-op and metrics are only kept
// in-process.
func NewRecorder(repository, pushgatewayURL string) *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		logger:         zap.L().Named("metrics"),
		repository:     repository,
		pushgatewayURL: pushgatewayURL,
		registry:       registry,
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      runsMetricName,
				Help:      "count of processed pull requests per terminal result",
			},
			[]string{repositoryLabel, resultLabel},
		),
		runDuration: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      runDurationMetricName,
				Help:      "duration of the last processing run in seconds",
			},
		),
	}
}

func (r *Recorder) logGetMetricFailed(metricName string, err error) {
	r.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

// RecordRun records the terminal result and duration of one processing run.
func (r *Recorder) RecordRun(result string, duration time.Duration) {
	if r == nil {
		return
	}

	cnt, err := r.runs.GetMetricWith(prometheus.Labels{
		repositoryLabel: r.repository,
		resultLabel:     result,
	})
	if err != nil {
		r.logGetMetricFailed(runsMetricName, err)
		return
	}

	cnt.Inc()
	r.runDuration.Set(duration.Seconds())
}

// Push sends the recorded metrics to the configured Pushgateway.
// Push failures degrade to a logged warning, metrics delivery never fails a
// run.
func (r *Recorder) Push(ctx context.Context) {
	if r == nil || r.pushgatewayURL == "" {
		return
	}

	err := push.New(r.pushgatewayURL, pushJobName).
		Grouping(repositoryLabel, r.repository).
		Gatherer(r.registry).
		PushContext(ctx)
	if err != nil {
		r.logger.Warn(
			"pushing metrics to pushgateway failed",
			logfields.Event("metrics_push_failed"),
			zap.Error(err),
		)

		return
	}

	r.logger.Debug(
		"metrics pushed to pushgateway",
		logfields.Event("metrics_pushed"),
	)
}
