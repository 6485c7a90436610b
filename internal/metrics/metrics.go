/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
// Package metrics holds the daemon's Prometheus collectors, shared
// by the Poller and Scheduler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PollCycles counts completed poll cycles, labeled by outcome.
	PollCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mergequeue_poll_cycles_total",
		Help: "Number of poll cycles run, labeled by outcome.",
	}, []string{"outcome"})

	// VerificationOutcomes counts completed verifications by terminal status.
	VerificationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mergequeue_verification_outcomes_total",
		Help: "Number of verifications completed, labeled by status.",
	}, []string{"queue", "status"})

	// QueueDepth gauges the number of ready changes per queue, as of the
	// most recent poll cycle.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mergequeue_queue_depth",
		Help: "Number of ready changes cached for each queue.",
	}, []string{"queue"})

	// StepDuration observes how long individual build steps take.
	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mergequeue_step_duration_seconds",
		Help:    "Wall-clock duration of individual build steps.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "step"})
)

func init() {
	prometheus.MustRegister(PollCycles, VerificationOutcomes, QueueDepth, StepDuration)
}
