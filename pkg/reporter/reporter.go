package reporter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/anvilci/anvil/pkg/controller"
	"github.com/anvilci/anvil/pkg/log"
	"github.com/anvilci/anvil/pkg/metrics"
	"github.com/anvilci/anvil/pkg/types"
)

// WorkerIDSource supplies the current controller-assigned worker ID.
// Satisfied by the session manager.
type WorkerIDSource interface {
	WorkerID() string
}

// Reporter uploads build outcomes, heartbeats, and abandonment notices to
// the controller.
type Reporter struct {
	client *controller.Client
	ids    WorkerIDSource
	logger zerolog.Logger
}

// New creates a reporter over the given controller client.
func New(client *controller.Client, ids WorkerIDSource) *Reporter {
	return &Reporter{
		client: client,
		ids:    ids,
		logger: log.WithComponent("reporter"),
	}
}

// Heartbeat posts build liveness with the per-build VM token. A failed
// heartbeat is a soft warning for the monitor loop, never a job failure;
// the returned error exists so the monitor can log it.
func (r *Reporter) Heartbeat(ctx context.Context, buildID, vmToken string, progress *types.Progress) error {
	if err := r.client.Heartbeat(ctx, buildID, r.ids.WorkerID(), vmToken, progress); err != nil {
		metrics.HeartbeatFailures.Inc()
		return err
	}
	return nil
}

// ReportResult uploads the outcome of a finished build. Success and failure
// share one multipart shape; the artifact is optional either way. The build
// outcome is already determined when this runs, so an upload failure is
// logged by the caller and never re-runs the build.
func (r *Reporter) ReportResult(ctx context.Context, result *types.BuildResult, artifactPath string) error {
	req := &controller.UploadRequest{
		BuildID:      result.JobID,
		WorkerID:     r.ids.WorkerID(),
		Success:      result.Success,
		ErrorMessage: result.ErrorMessage,
		ArtifactPath: artifactPath,
	}

	if err := r.client.UploadResult(ctx, req); err != nil {
		return fmt.Errorf("failed to upload result for build %s: %w", result.JobID, err)
	}

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.BuildsTotal.WithLabelValues(outcome).Inc()
	metrics.BuildDuration.Observe(result.Duration.Seconds())
	r.logger.Info().
		Str("build_id", result.JobID).
		Bool("success", result.Success).
		Dur("duration", result.Duration).
		Msg("build result reported")
	return nil
}

// ReportAbandoned relinquishes a job without a definitive result, e.g. on
// shutdown mid-build, so the controller can requeue it instead of waiting
// for a timeout.
func (r *Reporter) ReportAbandoned(ctx context.Context, jobID, reason string) error {
	if err := r.client.Abandon(ctx, jobID, r.ids.WorkerID(), reason); err != nil {
		return fmt.Errorf("failed to abandon build %s: %w", jobID, err)
	}
	metrics.BuildsTotal.WithLabelValues("abandoned").Inc()
	r.logger.Info().Str("build_id", jobID).Str("reason", reason).Msg("build abandoned")
	return nil
}
