package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "armd",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service spawns.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "armd",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of observed service exits.",
		}, []string{"name"},
	)
	serviceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "armd",
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Number of exits that were not requested stops.",
		}, []string{"name"},
	)
	serviceBackoff = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "armd",
			Subsystem: "service",
			Name:      "backoff_seconds",
			Help:      "Current restart backoff per service.",
		}, []string{"name"},
	)
	runningServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "armd",
			Subsystem: "service",
			Name:      "running",
			Help:      "Number of services with a live process.",
		},
	)
	demandStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "armd",
			Subsystem: "socket",
			Name:      "demand_starts_total",
			Help:      "Number of socket-activated starts.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer. Safe to call
// more than once; duplicates are tolerated.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceCrashes,
		serviceBackoff, runningServices, demandStarts,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// MustRegisterDefault registers with the default registerer, ignoring duplicates.
func MustRegisterDefault() { _ = Register(prometheus.DefaultRegisterer) }

func IncStart(name string)  { serviceStarts.WithLabelValues(name).Inc() }
func IncStop(name string)   { serviceStops.WithLabelValues(name).Inc() }
func IncCrash(name string)  { serviceCrashes.WithLabelValues(name).Inc() }
func IncDemand(name string) { demandStarts.WithLabelValues(name).Inc() }

func SetBackoffSeconds(name string, v float64) { serviceBackoff.WithLabelValues(name).Set(v) }
func SetRunning(n int)                         { runningServices.Set(float64(n)) }
