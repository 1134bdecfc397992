package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orthosis",
		Name:      "sensor_frames_total",
		Help:      "Number of valid sensor frames decoded.",
	}, []string{"sensor"})
	metricBytesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orthosis",
		Name:      "sensor_resync_bytes_total",
		Help:      "Number of bytes skipped while realigning sensor frames.",
	}, []string{"sensor"})
	metricSamples = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orthosis",
		Name:      "control_samples_total",
		Help:      "Number of control samples processed by the main loop.",
	})
	metricLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orthosis",
		Name:      "trajectory_launches_total",
		Help:      "Number of trajectories launched, by limb.",
	}, []string{"limb"})
	metricWaypoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orthosis",
		Name:      "waypoints_sent_total",
		Help:      "Number of waypoints streamed to the actuators, by limb.",
	}, []string{"limb"})
	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orthosis",
		Name:      "commands_total",
		Help:      "Operator commands received, by command and outcome.",
	}, []string{"command", "result"})
	metricStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orthosis",
		Name:      "status",
		Help:      "System status (0 disabled, 1 enabled, 3 running).",
	})
)

// RecordFrame counts one decoded frame and the bytes skipped to find it.
func RecordFrame(sensor string, discarded int) {
	metricFramesDecoded.WithLabelValues(sensor).Inc()
	if discarded > 0 {
		metricBytesDiscarded.WithLabelValues(sensor).Add(float64(discarded))
	}
}

func RecordSample() {
	metricSamples.Inc()
}

func RecordLaunch(limb string) {
	metricLaunches.WithLabelValues(limb).Inc()
}

func RecordWaypoint(limb string) {
	metricWaypoints.WithLabelValues(limb).Inc()
}

// RecordCommand counts an operator command; result is "ok", "err",
// "ignored" or "failed".
func RecordCommand(command, result string) {
	metricCommands.WithLabelValues(command, result).Inc()
}

func RecordStatus(status int) {
	metricStatus.Set(float64(status))
}
