// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReadingsTotal counts emissions produced by camera workers.
	ReadingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metereye_readings_total",
		Help: "Readings and indicator readings emitted by camera workers.",
	}, []string{"camera_id"})

	// DispatcherDrops counts emissions the exporter dispatcher shed
	// because its channel was full (drop-oldest policy).
	DispatcherDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metereye_dispatcher_drops_total",
		Help: "Emissions dropped by the exporter dispatcher on overflow.",
	})

	// SinkSubmitted counts emissions handed to each sink queue.
	SinkSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metereye_export_submitted_total",
		Help: "Emissions submitted to each export sink.",
	}, []string{"sink"})

	// SinkErrors counts failed deliveries per sink.
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metereye_sink_errors_total",
		Help: "Delivery errors per export sink.",
	}, []string{"sink"})

	// CameraUp is 1 while a camera is in the running state.
	CameraUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metereye_camera_up",
		Help: "1 when the camera stream is connected and producing frames.",
	}, []string{"camera_id"})
)
