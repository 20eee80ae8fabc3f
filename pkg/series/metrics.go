package series

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swingdoor_append_total",
		Help: "Appended samples by resulting transition",
	}, []string{"transition"})

	appendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swingdoor_append_errors_total",
		Help: "Rejected or failed appends by error class",
	}, []string{"class"})

	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swingdoor_append_duration_seconds",
		Help:    "Latency of one append transaction",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14), // 50us to ~400ms
	})
)

func observeAppend(kind TransitionKind, err error, elapsed time.Duration) {
	appendDuration.Observe(elapsed.Seconds())
	if err != nil {
		appendErrors.WithLabelValues(ErrorClass(err)).Inc()
		return
	}
	appendTotal.WithLabelValues(string(kind)).Inc()
}
