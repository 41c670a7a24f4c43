// metrics.go
// Purpose: Prometheus counters for gateway outcomes.

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "requests_total",
		Help:      "Requests evaluated by the admission gateway, by outcome.",
	}, []string{"outcome"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "rejections_total",
		Help:      "Rejected requests, by violation type.",
	}, []string{"type"})

	threatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "threats_total",
		Help:      "Threat-signature matches, by family.",
	}, []string{"family"})

	failOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "fail_open_total",
		Help:      "Requests admitted because the counter store was unavailable.",
	})
)
