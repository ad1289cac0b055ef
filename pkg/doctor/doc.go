// Package doctor runs host diagnostics for the worker: data directory,
// VM tooling, base image configuration, and controller reachability.
// Checks repair what they safely can and the summary is posted upstream
// best-effort.
package doctor
