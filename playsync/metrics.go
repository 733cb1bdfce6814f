package playsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livesync",
		Subsystem: "sync",
		Name:      "ticks_total",
		Help:      "Synchronization ticks evaluated.",
	})

	ticksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livesync",
		Subsystem: "sync",
		Name:      "ticks_skipped_total",
		Help:      "Ticks skipped because the master stream was not ready.",
	})

	followersUnready = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livesync",
		Subsystem: "sync",
		Name:      "followers_unready_total",
		Help:      "Follower evaluations skipped because the follower was not ready.",
	}, []string{"stream"})

	corrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livesync",
		Subsystem: "sync",
		Name:      "corrections_total",
		Help:      "Corrections computed per follower, by action.",
	}, []string{"stream", "action"})

	applyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livesync",
		Subsystem: "sync",
		Name:      "apply_failures_total",
		Help:      "Rate or seek commands rejected by a stream.",
	}, []string{"stream"})

	offsetSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "livesync",
		Subsystem: "sync",
		Name:      "offset_seconds",
		Help:      "Last measured follower offset from the master, in seconds.",
	}, []string{"stream"})

	enabledGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livesync",
		Subsystem: "sync",
		Name:      "enabled",
		Help:      "1 when synchronization is enabled.",
	})
)
