// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "warden"

var (
	MessagesFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_filtered_total",
		Help:      "Messages removed or exempted by the filter, by outcome.",
	}, []string{"outcome"})

	MutesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mutes_applied_total",
		Help:      "Automatic mutes applied, by kind (ordinary or severe).",
	}, []string{"kind"})

	Unmutes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unmutes_total",
		Help:      "Scheduled unmutes processed.",
	})

	TicketsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tickets_opened_total",
		Help:      "Support threads created from direct messages.",
	})

	TicketsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tickets_closed_total",
		Help:      "Ticket mappings removed, by reason (closed, orphaned, deleted).",
	}, []string{"reason"})

	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_relayed_total",
		Help:      "Ticket messages relayed, by direction.",
	}, []string{"direction"})

	JobsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduled_jobs_total",
		Help:      "Scheduled jobs executed, by kind and status.",
	}, []string{"kind", "status"})

	JobDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduled_job_delay_seconds",
		Help:      "How late a job ran relative to its due time.",
		Buckets:   []float64{0.1, 1, 10, 60, 600, 3600},
	})

	HeapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heap_alloc_bytes",
		Help:      "Heap bytes allocated at the last memory sample.",
	})

	Goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Goroutines at the last memory sample.",
	})
)
