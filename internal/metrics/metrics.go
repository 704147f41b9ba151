package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatches by request kind (free_text, reply, vote)
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daybook_generation_dispatches_total",
			Help: "Generation requests dispatched to the provider, by kind",
		},
		[]string{"kind"},
	)

	// Callback outcomes (resolved, invalid, miss, failed)
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daybook_generation_callbacks_total",
			Help: "Webhook callbacks received from the provider, by outcome",
		},
		[]string{"outcome"},
	)

	// Stale callbacks whose token matched no current slot
	CorrelationMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "daybook_correlation_misses_total",
			Help: "Callbacks whose correlation token matched no user slot",
		},
	)

	RealtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daybook_realtime_events_total",
			Help: "Journal change events published to the realtime stream, by op",
		},
		[]string{"op"},
	)
)

func Init() {
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(CallbacksTotal)
	prometheus.MustRegister(CorrelationMissesTotal)
	prometheus.MustRegister(RealtimeEventsTotal)
}

func StartMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics server running on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
}
