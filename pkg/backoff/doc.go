// Package backoff implements the exponential retry delay used for all
// controller-facing requests: doubling from 1s to a 60s cap on failure,
// resetting to the minimum on any success.
package backoff
