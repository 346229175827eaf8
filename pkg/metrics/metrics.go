// Copyright 2024-2026 Aiku AI

// Package metrics exposes Prometheus counters for sessions, group queries,
// forwarding and snapshots.
package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "waforward"

var (
	registerOnce sync.Once

	sessionConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connects_total",
			Help:      "Transport connections that reached the open state.",
		},
		[]string{"session"},
	)
	sessionDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "disconnects_total",
			Help:      "Transport disconnects by status code.",
		},
		[]string{"session", "code"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state machine transitions by target state.",
		},
		[]string{"session", "state"},
	)
	groupQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "groups",
			Name:      "queries_total",
			Help:      "Group protocol queries by operation and result.",
		},
		[]string{"op", "result"},
	)
	forwardJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "jobs_total",
			Help:      "Forward jobs by stage, kind and result.",
		},
		[]string{"session", "stage", "kind", "result"},
	)
	forwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "send_duration_seconds",
			Help:      "Time spent replaying one forward job including presence simulation.",
			Buckets:   []float64{0.5, 1, 2, 4, 6, 8, 12, 20, 30},
		},
		[]string{"session", "kind"},
	)
	snapshotWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "snapshot_writes_total",
			Help:      "Local mirror snapshot writes by result.",
		},
		[]string{"session", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionConnects, sessionDisconnects, sessionTransitions,
			groupQueries, forwardJobs, forwardDuration, snapshotWrites,
		)
	})
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return strconv.Itoa(coded.StatusCode())
	}
	return "error"
}

func RecordConnect(session string) {
	RegisterMetrics()
	sessionConnects.WithLabelValues(session).Inc()
}

func RecordDisconnect(session string, code int) {
	RegisterMetrics()
	sessionDisconnects.WithLabelValues(session, strconv.Itoa(code)).Inc()
}

func RecordTransition(session, state string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(session, state).Inc()
}

func RecordGroupQuery(op string, err error) {
	RegisterMetrics()
	groupQueries.WithLabelValues(op, resultLabel(err)).Inc()
}

// RecordForward counts a job at stage "enqueue", "send" or "reply".
func RecordForward(session, stage, kind string, err error) {
	RegisterMetrics()
	forwardJobs.WithLabelValues(session, stage, kind, resultLabel(err)).Inc()
}

func ObserveForwardDuration(session, kind string, duration time.Duration) {
	RegisterMetrics()
	forwardDuration.WithLabelValues(session, kind).Observe(duration.Seconds())
}

func RecordSnapshotWrite(session string, err error) {
	RegisterMetrics()
	snapshotWrites.WithLabelValues(session, resultLabel(err)).Inc()
}
