// Package metrics holds the Prometheus metrics objects for consul-ipam,
// following the naming and labeling conventions of Cilium's pkg/metrics
// (namespace/subsystem constants, an "outcome" label with success/failure
// values) but registering directly against prometheus/client_golang's
// promauto rather than through Cilium's internal pkg/metrics/metric
// wrapper, which is not part of this module's grounding set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace scopes every metric this daemon exports.
	Namespace = "consul_ipam"

	// SubsystemAllocator scopes metrics related to address allocation.
	SubsystemAllocator = "allocator"

	// SubsystemSession scopes metrics related to the coordination-store
	// session lifecycle.
	SubsystemSession = "session"

	// SubsystemDispatcher scopes metrics related to the request
	// dispatcher.
	SubsystemDispatcher = "dispatcher"

	// OutcomeSuccess labels a successful operation.
	OutcomeSuccess = "success"

	// OutcomeFailure labels a failed operation.
	OutcomeFailure = "failure"
)

var (
	// AllocationsTotal counts ADD outcomes by network and outcome.
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemAllocator,
		Name:      "allocations_total",
		Help:      "Number of address allocation attempts, by network and outcome.",
	}, []string{"network", "outcome"})

	// ExhaustedTotal counts ADD attempts that found no free address.
	ExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemAllocator,
		Name:      "exhausted_total",
		Help:      "Number of allocation attempts that failed because the CIDR had no free address.",
	}, []string{"network"})

	// AcquireRacesTotal counts internal acquire races lost during
	// scan-and-claim. Never surfaced as an error, but worth observing.
	AcquireRacesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemAllocator,
		Name:      "acquire_races_total",
		Help:      "Number of acquire calls that lost a race to another session during allocation.",
	}, []string{"network"})

	// ReleasesTotal counts DEL outcomes by network and outcome.
	ReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemAllocator,
		Name:      "releases_total",
		Help:      "Number of address release attempts, by network and outcome.",
	}, []string{"network", "outcome"})

	// SessionRenewalsTotal counts session renewal attempts by outcome.
	SessionRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemSession,
		Name:      "renewals_total",
		Help:      "Number of session renewal attempts, by outcome.",
	}, []string{"outcome"})

	// SessionAlive reports 1 while the daemon holds a live session and 0
	// once it has been destroyed or lost.
	SessionAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: SubsystemSession,
		Name:      "alive",
		Help:      "1 if the daemon currently holds a live coordination-store session, 0 otherwise.",
	})

	// RequestsTotal counts dispatched requests by command and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemDispatcher,
		Name:      "requests_total",
		Help:      "Number of dispatched requests, by command and outcome.",
	}, []string{"command", "outcome"})
)
