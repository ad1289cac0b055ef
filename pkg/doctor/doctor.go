package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/anvilci/anvil/pkg/config"
	"github.com/anvilci/anvil/pkg/controller"
	"github.com/anvilci/anvil/pkg/log"
)

// Result is the outcome of one diagnostic check.
type Result struct {
	Name      string
	Healthy   bool
	Message   string
	Fixed     bool
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is one host diagnostic. Checks may repair what they find when the
// fix is safe, and report Fixed when they did.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// DataDirCheck verifies the data directory exists and is writable. A
// missing directory is created rather than reported.
type DataDirCheck struct {
	Dir string
}

func (c *DataDirCheck) Name() string { return "data_dir" }

func (c *DataDirCheck) Check(_ context.Context) Result {
	started := time.Now()
	result := Result{Name: c.Name(), CheckedAt: started}

	if _, err := os.Stat(c.Dir); os.IsNotExist(err) {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			result.Message = fmt.Sprintf("data directory missing and could not be created: %v", err)
			result.Duration = time.Since(started)
			return result
		}
		result.Fixed = true
	}

	probe := filepath.Join(c.Dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		result.Message = fmt.Sprintf("data directory is not writable: %v", err)
		result.Duration = time.Since(started)
		return result
	}
	os.Remove(probe)

	result.Healthy = true
	result.Message = c.Dir
	if result.Fixed {
		result.Message = c.Dir + " (created)"
	}
	result.Duration = time.Since(started)
	return result
}

// LimactlCheck verifies the VM tooling is installed.
type LimactlCheck struct{}

func (c *LimactlCheck) Name() string { return "limactl" }

func (c *LimactlCheck) Check(_ context.Context) Result {
	started := time.Now()
	result := Result{Name: c.Name(), CheckedAt: started}

	path, err := exec.LookPath("limactl")
	if err != nil {
		result.Message = "limactl not found on PATH; install with: brew install lima"
	} else {
		result.Healthy = true
		result.Message = path
	}
	result.Duration = time.Since(started)
	return result
}

// TemplateCheck verifies a default base image is configured so jobs without
// their own image can still run.
type TemplateCheck struct {
	Template string
}

func (c *TemplateCheck) Name() string { return "vm_template" }

func (c *TemplateCheck) Check(_ context.Context) Result {
	started := time.Now()
	result := Result{Name: c.Name(), CheckedAt: started}

	if c.Template == "" {
		result.Message = "vm_template is not set; jobs without a base_image_id will fail"
	} else {
		result.Healthy = true
		result.Message = c.Template
	}
	result.Duration = time.Since(started)
	return result
}

// ControllerCheck verifies the controller answers HTTP at all. Any response
// counts; this is a reachability probe, not an auth check.
type ControllerCheck struct {
	URL    string
	Client *http.Client
}

func (c *ControllerCheck) Name() string { return "controller" }

func (c *ControllerCheck) Check(ctx context.Context) Result {
	started := time.Now()
	result := Result{Name: c.Name(), CheckedAt: started}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		result.Message = fmt.Sprintf("invalid controller URL: %v", err)
		result.Duration = time.Since(started)
		return result
	}

	resp, err := client.Do(req)
	if err != nil {
		result.Message = fmt.Sprintf("controller unreachable: %v", err)
		result.Duration = time.Since(started)
		return result
	}
	resp.Body.Close()

	result.Healthy = true
	result.Message = fmt.Sprintf("%s (HTTP %d)", c.URL, resp.StatusCode)
	result.Duration = time.Since(started)
	return result
}

// Doctor runs host diagnostics and optionally reports them upstream.
type Doctor struct {
	checks   []Checker
	client   *controller.Client
	workerID string
	logger   zerolog.Logger
}

// New assembles the standard check set for a worker config.
func New(cfg *config.Config, client *controller.Client, workerID string) *Doctor {
	return &Doctor{
		checks: []Checker{
			&DataDirCheck{Dir: cfg.DataDir},
			&LimactlCheck{},
			&TemplateCheck{Template: cfg.VMTemplate},
			&ControllerCheck{URL: cfg.ControllerURL},
		},
		client:   client,
		workerID: workerID,
		logger:   log.WithComponent("doctor"),
	}
}

// NewWithChecks builds a doctor over an explicit check set.
func NewWithChecks(checks []Checker, client *controller.Client, workerID string) *Doctor {
	return &Doctor{
		checks:   checks,
		client:   client,
		workerID: workerID,
		logger:   log.WithComponent("doctor"),
	}
}

// Run executes every check and returns the results with the overall
// verdict. All checks run even after a failure so the operator sees the
// full picture at once.
func (d *Doctor) Run(ctx context.Context) ([]Result, bool) {
	results := make([]Result, 0, len(d.checks))
	healthy := true

	for _, check := range d.checks {
		result := check.Check(ctx)
		results = append(results, result)
		if !result.Healthy {
			healthy = false
			d.logger.Warn().Str("check", result.Name).Str("detail", result.Message).Msg("check failed")
		} else {
			d.logger.Info().Str("check", result.Name).Str("detail", result.Message).Msg("check passed")
		}
	}
	return results, healthy
}

// Report posts the results to the controller. Best-effort: diagnostics are
// primarily for the operator at the terminal.
func (d *Doctor) Report(ctx context.Context, results []Result, healthy bool) {
	if d.client == nil {
		return
	}

	checks := make(map[string]string, len(results))
	for _, r := range results {
		status := "ok"
		if !r.Healthy {
			status = "failed: " + r.Message
		}
		checks[r.Name] = status
	}

	report := &controller.DiagnosticsReport{
		WorkerID: d.workerID,
		Healthy:  healthy,
		Checks:   checks,
	}
	if err := d.client.ReportDiagnostics(ctx, report); err != nil {
		d.logger.Warn().Err(err).Msg("failed to report diagnostics")
	}
}
