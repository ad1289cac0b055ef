// Package worker assembles the agent process from its parts: identity
// store, session manager, controller client, VM orchestrator, reporter,
// dispatch loop, event broker, and metrics endpoint.
package worker
