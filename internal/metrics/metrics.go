package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register. All
// helpers no-op until registration succeeds, so library code can record
// unconditionally.
var (
	regOK atomic.Bool

	entryStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "combiner",
			Subsystem: "entry",
			Name:      "starts_total",
			Help:      "Number of successful entry starts.",
		}, []string{"name"},
	)
	entryStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "combiner",
			Subsystem: "entry",
			Name:      "stops_total",
			Help:      "Number of requested stops.",
		}, []string{"name"},
	)
	entryCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "combiner",
			Subsystem: "entry",
			Name:      "crashes_total",
			Help:      "Number of exits classified as crashes.",
		}, []string{"name"},
	)
	entryRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "combiner",
			Subsystem: "entry",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "combiner",
			Subsystem: "entry",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"name", "from", "to"},
	)
	terminationsIncomplete = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "combiner",
			Subsystem: "entry",
			Name:      "terminations_incomplete_total",
			Help:      "Number of stops where parts of the process tree survived SIGKILL.",
		}, []string{"name"},
	)

	commandsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "combiner",
			Subsystem: "command",
			Name:      "applied_total",
			Help:      "Number of commands applied from the inbox.",
		}, []string{"kind"},
	)
	commandsMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "combiner",
			Subsystem: "command",
			Name:      "malformed_total",
			Help:      "Number of unreadable command files discarded.",
		},
	)

	snapshotGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "combiner",
			Subsystem: "state",
			Name:      "snapshot_generation",
			Help:      "Generation of the last published state snapshot.",
		},
	)
	snapshotFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "combiner",
			Subsystem: "state",
			Name:      "publish_failures_total",
			Help:      "Number of failed snapshot writes.",
		},
	)
)

// Register registers all collectors with r. Safe to call multiple
// times; already-registered collectors are kept.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		entryStarts, entryStops, entryCrashes, entryRestarts,
		stateTransitions, terminationsIncomplete,
		commandsApplied, commandsMalformed,
		snapshotGeneration, snapshotFailures,
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
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer; the caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(name string) {
	if regOK.Load() {
		entryStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		entryStops.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		entryCrashes.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		entryRestarts.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func IncTerminationIncomplete(name string) {
	if regOK.Load() {
		terminationsIncomplete.WithLabelValues(name).Inc()
	}
}

func IncCommandApplied(kind string) {
	if regOK.Load() {
		commandsApplied.WithLabelValues(kind).Inc()
	}
}

func IncCommandMalformed() {
	if regOK.Load() {
		commandsMalformed.Inc()
	}
}

func SetSnapshotGeneration(gen uint64) {
	if regOK.Load() {
		snapshotGeneration.Set(float64(gen))
	}
}

func IncSnapshotFailure() {
	if regOK.Load() {
		snapshotFailures.Inc()
	}
}
