// Package metrics exposes Prometheus metrics for the worker agent: build
// counts and durations, poll outcomes, registration attempts, heartbeat
// failures, and VM launch statistics.
package metrics
