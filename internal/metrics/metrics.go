// SPDX-License-Identifier: MIT

// Package metrics holds the domain-level prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klipnote",
			Name:      "uploads_admitted_total",
			Help:      "Uploads that passed admission, by target model",
		},
		[]string{"model"},
	)

	uploadsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klipnote",
			Name:      "uploads_rejected_total",
			Help:      "Uploads rejected at admission, by reason",
		},
		[]string{"reason"}, // unsupported_format|invalid_media|duration_exceeded|payload_too_large
	)

	uploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "klipnote",
			Name:      "upload_bytes",
			Help:      "Size of admitted uploads in bytes",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8), // 1MiB to 16GiB
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "klipnote",
			Name:      "queue_depth",
			Help:      "Pending entries per model queue",
		},
		[]string{"queue"},
	)

	jobPhase = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klipnote",
			Name:      "job_phase_transitions_total",
			Help:      "Phase transitions emitted by workers",
		},
		[]string{"model", "phase"}, // phase: model_load|transcribe|align|done
	)

	jobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klipnote",
			Name:      "job_outcomes_total",
			Help:      "Terminal job outcomes per model",
		},
		[]string{"model", "outcome"}, // completed|transient_retry|transient_exhausted|permanent|cancelled
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "klipnote",
			Name:      "job_processing_seconds",
			Help:      "Wall time from dequeue to terminal transition",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
		},
		[]string{"model"},
	)
)

// RecordAdmitted counts an admitted upload bound for model.
func RecordAdmitted(model string, sizeBytes int64) {
	uploadsAdmitted.WithLabelValues(model).Inc()
	uploadBytes.Observe(float64(sizeBytes))
}

// RecordRejected counts a rejected upload.
func RecordRejected(reason string) {
	uploadsRejected.WithLabelValues(reason).Inc()
}

// SetQueueDepth publishes the pending depth of a queue.
func SetQueueDepth(queue string, depth int64) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordPhase counts a worker phase transition.
func RecordPhase(model, phase string) {
	jobPhase.WithLabelValues(model, phase).Inc()
}

// RecordOutcome counts a job outcome and its processing duration.
func RecordOutcome(model, outcome string, seconds float64) {
	jobOutcomes.WithLabelValues(model, outcome).Inc()
	if seconds > 0 {
		jobDuration.WithLabelValues(model).Observe(seconds)
	}
}
