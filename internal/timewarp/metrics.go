package timewarp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var slotEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "focusflow_slot_events_total",
	Help: "Number of slot advancements applied to display time",
})

var sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "focusflow_sessions_active",
	Help: "Number of running focus sessions",
})
