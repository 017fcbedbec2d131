package audio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decodeLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "focusflow_mixer_decode_cache_lookups_total",
	Help: "Decode cache lookups by result (hit, miss)",
}, []string{"result"})

var decodeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "focusflow_mixer_decode_seconds",
	Help:    "Time spent decoding a clip with ffmpeg",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
})

var voicesPlaying = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "focusflow_mixer_voices_playing",
	Help: "Number of voices mixed into the last frame",
})
