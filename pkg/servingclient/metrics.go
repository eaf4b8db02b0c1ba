package servingclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc/codes"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tfsclient_requests_total",
		Help: "Number of TF Serving calls by method, model and gRPC status code.",
	}, []string{"method", "model", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tfsclient_request_duration_seconds",
		Help:    "Latency of TF Serving calls.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"method", "model"})
)

func observe(method string, model string, code codes.Code, elapsed time.Duration) {
	requestsTotal.WithLabelValues(method, model, code.String()).Inc()
	requestDuration.WithLabelValues(method, model).Observe(elapsed.Seconds())
}
