package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transit-departures/internal/logger"
)

type Collector struct {
	reg *prometheus.Registry

	Requests        *prometheus.CounterVec // outcome label: ok|error
	RequestDuration prometheus.Histogram
	StopsSearched   prometheus.Histogram

	QueryDuration *prometheus.HistogramVec // query label
	QueryErrors   *prometheus.CounterVec

	PartitionsDegraded *prometheus.CounterVec // reason label: directory|rpc
	TripsDropped       *prometheus.CounterVec // reason label: no_calendar|bad_frequency|no_itinerary|bad_timezone

	RPCDuration *prometheus.HistogramVec // method label
	RPCErrors   *prometheus.CounterVec
	RPCConns    prometheus.Gauge

	ServedDuration *prometheus.HistogramVec // method label, authority node side
	ServedErrors   *prometheus.CounterVec

	Pushes *prometheus.CounterVec // outcome label: ok|no_assignment|fetch_error|rpc_error
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departures_requests_total",
			Help: "Nearby departures requests by outcome.",
		}, []string{"outcome"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "departures_request_duration_seconds",
			Help:    "End-to-end duration of a nearby departures request.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		StopsSearched: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "departures_stops_searched",
			Help:    "Number of stops returned by the spatial query.",
			Buckets: []float64{0, 10, 50, 100, 200, 400, 800, 1500, 3000},
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "departures_store_query_duration_seconds",
			Help:    "Duration of spatial store queries.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"query"}),
		QueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departures_store_query_errors_total",
			Help: "Failed spatial store queries.",
		}, []string{"query"}),
		PartitionsDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departures_partitions_degraded_total",
			Help: "Chateaus served from the static schedule only.",
		}, []string{"reason"}),
		TripsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departures_trips_dropped_total",
			Help: "Candidate trips dropped because of schedule data issues.",
		}, []string{"reason"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "departures_rpc_duration_seconds",
			Help:    "Duration of RPC calls to authority nodes.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}, []string{"method"}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departures_rpc_errors_total",
			Help: "Failed RPC calls to authority nodes.",
		}, []string{"method"}),
		RPCConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "departures_rpc_connections",
			Help: "Open connections to authority nodes.",
		}),
		ServedDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authority_rpc_served_duration_seconds",
			Help:    "Duration of RPC calls answered by this authority node.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}, []string{"method"}),
		ServedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authority_rpc_served_errors_total",
			Help: "RPC calls this authority node answered with an error.",
		}, []string{"method"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departures_realtime_pushes_total",
			Help: "Realtime payload pushes by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.Requests, c.RequestDuration, c.StopsSearched,
		c.QueryDuration, c.QueryErrors,
		c.PartitionsDegraded, c.TripsDropped,
		c.RPCDuration, c.RPCErrors, c.RPCConns,
		c.ServedDuration, c.ServedErrors,
		c.Pushes,
	)
	return c
}

// ObserveQuery implements db.QueryObserver.
func (c *Collector) ObserveQuery(name string, d time.Duration, err error) {
	c.QueryDuration.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		c.QueryErrors.WithLabelValues(name).Inc()
	}
}

// RPCObserve implements rpc.ClientMetrics.
func (c *Collector) RPCObserve(method string, d time.Duration, err error) {
	c.RPCDuration.WithLabelValues(method).Observe(d.Seconds())
	if err != nil {
		c.RPCErrors.WithLabelValues(method).Inc()
	}
}

// RPCServed implements rpc.ServerMetrics.
func (c *Collector) RPCServed(method string, d time.Duration, err error) {
	c.ServedDuration.WithLabelValues(method).Observe(d.Seconds())
	if err != nil {
		c.ServedErrors.WithLabelValues(method).Inc()
	}
}

func (c *Collector) RPCConnections(n int) { c.RPCConns.Set(float64(n)) }

func (c *Collector) PartitionDegraded(reason string) { c.PartitionsDegraded.WithLabelValues(reason).Inc() }

func (c *Collector) TripDropped(reason string) { c.TripsDropped.WithLabelValues(reason).Inc() }

func (c *Collector) Push(outcome string) { c.Pushes.WithLabelValues(outcome).Inc() }

func (c *Collector) Request(d time.Duration, stops int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.Requests.WithLabelValues(outcome).Inc()
	c.RequestDuration.Observe(d.Seconds())
	if err == nil {
		c.StopsSearched.Observe(float64(stops))
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)
	return srv
}
