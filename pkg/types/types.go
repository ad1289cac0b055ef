package types

import (
	"time"
)

// WorkerIdentity is the durable identity of this worker within the farm.
//
// WorkerID is assigned by the controller on first registration and is absent
// until that first registration succeeds. It is never generated client-side.
type WorkerIdentity struct {
	WorkerID   string `json:"worker_id,omitempty"`
	DeviceName string `json:"device_name"`
	APIKey     string `json:"api_key"`
}

// Registered reports whether the controller has ever assigned this worker an ID.
func (w WorkerIdentity) Registered() bool {
	return w.WorkerID != ""
}

// Session is the ephemeral credential the worker uses to poll the controller.
// It is rotated on every successful poll response and invalidated by a
// 401/404. Losing the session forces re-registration.
type Session struct {
	AccessToken       string `json:"access_token"`
	IssuedForWorkerID string `json:"issued_for_worker_id"`
}

// Capabilities describes what kinds of builds this worker can take.
type Capabilities struct {
	Platforms           []string `json:"platforms"`
	MaxConcurrentBuilds int      `json:"max_concurrent_builds"`
	OSVersion           string   `json:"os_version,omitempty"`
	Arch                string   `json:"arch,omitempty"`
}

// BuildJob is a unit of work claimed from the controller. Immutable once
// claimed. The OTP is single-use and is consumed only by the guest, never
// by the host.
type BuildJob struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	OTP         string `json:"otp"`
	SourceURL   string `json:"source_url"`
	CertsURL    string `json:"certs_url,omitempty"`
	BaseImageID string `json:"base_image_id,omitempty"`
}

// VMInstance is one ephemeral virtual machine backing one build. It is owned
// exclusively by the build that created it and is never shared across jobs.
type VMInstance struct {
	Name          string
	SharedDirPath string
	LaunchedAt    time.Time
}

// ActiveBuild tracks one in-flight job. It is created at claim time and
// removed from the dispatch registry only after cleanup completes; that
// removal, not the claim, frees a concurrency slot.
type ActiveBuild struct {
	JobID     string
	VM        *VMInstance
	StartedAt time.Time
}

// WorkerState is the dispatch loop state machine.
type WorkerState string

const (
	WorkerStateStopped     WorkerState = "stopped"
	WorkerStateRegistering WorkerState = "registering"
	WorkerStatePolling     WorkerState = "polling"
	WorkerStateExecuting   WorkerState = "executing"
	WorkerStateDraining    WorkerState = "draining"
)

// Progress is the guest-reported build progress read from the shared mount.
type Progress struct {
	Percent float64 `json:"percent"`
	Stage   string  `json:"stage,omitempty"`
}

// BuildResult is the outcome of a finished build as observed by the host.
type BuildResult struct {
	JobID        string
	Success      bool
	ErrorMessage string
	Duration     time.Duration
}
