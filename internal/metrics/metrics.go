// Package metrics はカメラと撮影パイプラインのPrometheusメトリクスを提供する
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"photobooth/internal/camera"
)

const namespace = "photobooth"

// Metrics はアプリケーションのメトリクス一式
// nilのMetricsに対する記録は何もしない
type Metrics struct {
	registry *prometheus.Registry

	capturesTotal     *prometheus.CounterVec
	captureDuration   *prometheus.HistogramVec
	stageErrorsTotal  *prometheus.CounterVec
	cameraState       *prometheus.GaugeVec
	cameraResolution  *prometheus.GaugeVec
	cameraStartsTotal *prometheus.CounterVec
}

// New は新しいレジストリにメトリクスを登録する
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		capturesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captures_total",
				Help:      "Total number of capture attempts",
			},
			[]string{"status"}, // status: success, error
		),
		captureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capture_duration_seconds",
				Help:      "Duration of each capture stage in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"}, // stage: overlay, composite, upload, store, total
		),
		stageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_errors_total",
				Help:      "Total number of errors by pipeline stage",
			},
			[]string{"kind"},
		),
		cameraState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "camera_state",
				Help:      "Current camera session state (1 for the active state)",
			},
			[]string{"state"},
		),
		cameraResolution: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "camera_resolution_pixels",
				Help:      "Negotiated camera resolution",
			},
			[]string{"dimension"}, // dimension: width, height
		),
		cameraStartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "camera_starts_total",
				Help:      "Total number of camera start results by outcome code",
			},
			[]string{"code"},
		),
	}

	m.registry.MustRegister(
		m.capturesTotal,
		m.captureDuration,
		m.stageErrorsTotal,
		m.cameraState,
		m.cameraResolution,
		m.cameraStartsTotal,
	)
	return m
}

// Registry はメトリクスのレジストリを返す
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は/metrics用のHTTPハンドラを返す
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCapture は1回の撮影の結果を記録する
func (m *Metrics) ObserveCapture(success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.capturesTotal.WithLabelValues(status).Inc()
	m.captureDuration.WithLabelValues("total").Observe(elapsed.Seconds())
}

// ObserveStage は撮影パイプラインの各段の所要時間を記録する
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.captureDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// StageError は段ごとのエラーを数える
func (m *Metrics) StageError(kind string) {
	if m == nil {
		return
	}
	m.stageErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveCamera はカメラセッションの状態変化を記録する
// camera.Session.OnChangeに渡して使う
func (m *Metrics) ObserveCamera(s camera.Snapshot) {
	if m == nil {
		return
	}
	for _, st := range []camera.State{camera.StateIdle, camera.StateInitializing, camera.StateReady, camera.StateError} {
		v := 0.0
		if st == s.State {
			v = 1
		}
		m.cameraState.WithLabelValues(string(st)).Set(v)
	}

	switch s.State {
	case camera.StateReady:
		m.cameraResolution.WithLabelValues("width").Set(float64(s.Settings.Width))
		m.cameraResolution.WithLabelValues("height").Set(float64(s.Settings.Height))
		m.cameraStartsTotal.WithLabelValues("OK").Inc()
	case camera.StateError:
		if s.Error != nil {
			m.cameraStartsTotal.WithLabelValues(string(s.Error.Code)).Inc()
		}
	case camera.StateIdle:
		m.cameraResolution.WithLabelValues("width").Set(0)
		m.cameraResolution.WithLabelValues("height").Set(0)
	}
}
