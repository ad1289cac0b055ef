/*
Package session manages the worker's registration lifecycle with the
controller: initial registration, session token rotation, and targeted
recovery from credential rejection.

Recovery is deliberately asymmetric. A 401 means the token expired but the
controller still knows the worker, so only the session is cleared and the
worker ID is preserved for idempotent re-registration. A 404 means the
worker was deleted controller-side, so identity and session are both
cleared and the worker registers as new. The worker works correctly
whether or not the controller honors a supplied ID.

Registration retries up to ten times with exponential backoff and then
fails closed: a worker that cannot establish a durable identity never
enters the polling state.
*/
package session
