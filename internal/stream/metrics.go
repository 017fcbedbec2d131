package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var listenersConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "focusflow_stream_listeners",
	Help: "Connected stream listeners by transport",
}, []string{"transport"})

var framesDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "focusflow_stream_frames_dropped_total",
	Help: "Frames dropped because a listener fell behind",
})
