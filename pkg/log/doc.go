/*
Package log provides structured logging for Anvil using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at process startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Create contextual child loggers per component:

	logger := log.WithComponent("dispatch")
	logger.Info().Str("build_id", job.ID).Msg("build claimed")

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithWorkerID: Add worker ID context
  - WithBuildID: Add build ID context
  - WithVMName: Add VM instance name context

Console output (human-readable) is intended for interactive use; JSON output
is intended for log shippers on farm machines.
*/
package log
