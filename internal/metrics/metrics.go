package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexhook_tasks_created_total",
			Help: "Total number of index tasks created by change type.",
		},
		[]string{"change"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexhook_events_dropped_total",
			Help: "Total number of content events that produced no task.",
		},
		[]string{"reason"}, // ignored, malformed
	)

	TasksClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexhook_tasks_claimed_total",
			Help: "Total number of tasks claimed for processing by prior status.",
		},
		[]string{"from"},
	)

	ClaimConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "indexhook_claim_conflicts_total",
			Help: "Total number of claims lost to another worker.",
		},
	)

	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexhook_submissions_total",
			Help: "Total number of task submissions to the broker by outcome.",
		},
		[]string{"outcome"}, // acked, nacked, timeout, transport, invalid, exhausted
	)

	SubmitLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "indexhook_submit_latency_seconds",
			Help:    "Time from borrow to broker confirm for a task submission.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexhook_tasks_finished_total",
			Help: "Total number of processed tasks by resulting status.",
		},
		[]string{"status"},
	)

	BackoffsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "indexhook_backoffs_total",
			Help: "Total number of failures that pushed a task into backoff.",
		},
	)

	StaleResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "indexhook_stale_resets_total",
			Help: "Total number of stuck IN PROCESS tasks reset by the sweeper.",
		},
	)

	EligibleTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexhook_eligible_tasks",
			Help: "Eligible tasks seen by the last poll, by status.",
		},
		[]string{"status"},
	)

	PoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexhook_broker_pool_connections",
			Help: "Broker connections in the pool by state.",
		},
		[]string{"state"}, // idle, borrowed
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexhook_nsq_topic_depth",
			Help: "Current depth of NSQ topic channels.",
		},
		[]string{"topic", "channel"},
	)

	IntakeBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexhook_intake_backlog",
			Help: "Content events waiting on the generator channel.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		TasksCreatedTotal,
		EventsDroppedTotal,
		TasksClaimedTotal,
		ClaimConflictsTotal,
		SubmissionsTotal,
		SubmitLatencySeconds,
		TasksFinishedTotal,
		BackoffsTotal,
		StaleResetsTotal,
		EligibleTasks,
		PoolConnections,
		NSQTopicDepth,
		IntakeBacklog,
	)
}

func RecordTaskCreated(change string) {
	TasksCreatedTotal.WithLabelValues(change).Inc()
}

func RecordEventDropped(reason string) {
	EventsDroppedTotal.WithLabelValues(reason).Inc()
}

func RecordClaim(from string) {
	TasksClaimedTotal.WithLabelValues(from).Inc()
}

func RecordClaimConflict() {
	ClaimConflictsTotal.Inc()
}

// RecordSubmission counts a submission and, when it reached the broker, its latency
func RecordSubmission(outcome string, d time.Duration) {
	SubmissionsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		SubmitLatencySeconds.Observe(d.Seconds())
	}
}

func RecordTaskFinished(status string) {
	TasksFinishedTotal.WithLabelValues(status).Inc()
}

func RecordBackoff() {
	BackoffsTotal.Inc()
}

func RecordStaleReset() {
	StaleResetsTotal.Inc()
}

func UpdateEligible(status string, n int) {
	EligibleTasks.WithLabelValues(status).Set(float64(n))
}

func UpdatePool(idle, borrowed int) {
	PoolConnections.WithLabelValues("idle").Set(float64(idle))
	PoolConnections.WithLabelValues("borrowed").Set(float64(borrowed))
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}

func UpdateIntakeBacklog(depth float64) {
	IntakeBacklog.Set(depth)
}
