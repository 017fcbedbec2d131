package ambient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var instancesPlaying = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "focusflow_ambient_instances_playing",
	Help: "Number of clip instances currently started and not yet released",
})

var instancesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "focusflow_ambient_instances_started_total",
	Help: "Number of clip instances started, by loop strategy",
}, []string{"strategy"})

var resolutionFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "focusflow_ambient_resolution_failures_total",
	Help: "Number of clip resolution or load failures",
})

var metadataTimeouts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "focusflow_ambient_metadata_timeouts_total",
	Help: "Number of clips that never reported a duration",
})

var teardownFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "focusflow_ambient_teardown_failures_total",
	Help: "Number of channels whose forced teardown reported an error",
})
