package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doorbell_sessions_active",
		Help: "Current number of connected device sessions",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorbell_sessions_total",
		Help: "Total device sessions by close reason",
	}, []string{"reason"})

	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doorbell_frames_received_total",
		Help: "Total protocol frames decoded from devices",
	})

	ImageBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doorbell_image_bytes_received_total",
		Help: "Total camera frame bytes received from devices",
	})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorbell_alerts_total",
		Help: "Total alerts raised by kind",
	}, []string{"kind"})

	RecordingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doorbell_recordings_active",
		Help: "Clips currently being written",
	})

	StreamViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doorbell_stream_viewers",
		Help: "Current live-stream viewers across all devices",
	})
)
