/*
Package controller is the HTTP client for the farm controller.

It covers the full worker-facing surface:

	POST /workers/register       registration, idempotent when an id is supplied
	GET  /workers/poll           claim work, rotate the session token
	POST /workers/unregister     reassign in-flight builds server-side
	GET  /builds/:id/vm-status   side channel for guest readiness
	POST /builds/:id/heartbeat   build liveness, authenticated by the VM token
	POST /workers/upload         multipart result report (success and failure)
	POST /workers/abandon        relinquish a job for requeueing
	POST /workers/diagnostics    doctor summary

Poll outcomes are modeled as a tagged PollResult over a closed set (job,
idle, auth expired, worker unknown, transient) so the dispatch state machine
stays exhaustive and testable without real HTTP.

The package performs no retries. Backoff and re-registration policy live in
pkg/session and pkg/dispatch.
*/
package controller
