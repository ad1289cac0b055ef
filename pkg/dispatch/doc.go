/*
Package dispatch runs the worker's poll-claim-execute loop.

One goroutine polls the controller on an interval, stretched by exponential
backoff on transient failures. Claimed builds run on their own goroutines
and hold a slot in the active registry until their cleanup finishes, so the
concurrency cap counts builds that are still tearing down. The capacity
check before a claim is advisory; the controller enforces assignment
limits on its side as well.

Stop drains: in-flight builds are cancelled, abandoned back to the
controller, and reclaimed before the worker unregisters.
*/
package dispatch
