package guest

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/anvilci/anvil/pkg/types"
)

// Shared-mount file names. The mounted directory is the sole guest→host
// signaling channel; the host has no other IPC path into the VM.
const (
	// Host → guest
	FileBuildConfig = "build-config.json"
	FileBootstrap   = "bootstrap.sh"
	FileDiagnostics = "diagnostics.sh"

	// Guest → host
	FileProgress = "progress.json"
	FileReady    = "ready.json"
	FileComplete = "build-complete"
	FileError    = "build-error"
)

//go:embed scripts/bootstrap.sh scripts/diagnostics.sh
var scripts embed.FS

// BuildConfig is the descriptor the host writes into the shared mount for
// the guest bootstrap to consume. Every field is validated against an
// allow-listed character set before writing, because the guest interpolates
// them into shell and network calls.
type BuildConfig struct {
	ControllerURL string `json:"controller_url"`
	BuildID       string `json:"build_id"`
	OTP           string `json:"otp"`
	Platform      string `json:"platform"`
	SourceURL     string `json:"source_url"`
	CertsURL      string `json:"certs_url,omitempty"`
}

// ConfigForJob builds the descriptor for one claimed job.
func ConfigForJob(controllerURL string, job *types.BuildJob) *BuildConfig {
	return &BuildConfig{
		ControllerURL: controllerURL,
		BuildID:       job.ID,
		OTP:           job.OTP,
		Platform:      job.Platform,
		SourceURL:     job.SourceURL,
		CertsURL:      job.CertsURL,
	}
}

var (
	// Identifiers: ids, tokens, platform names.
	idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

	// URLs: scheme, host, path, query. Deliberately narrower than the RFC:
	// no quotes, spaces, backticks, dollar signs, semicolons, parentheses,
	// pipes, or redirects, since the guest interpolates these values into
	// shell commands.
	urlPattern = regexp.MustCompile(`^https?://[A-Za-z0-9._~:/?#@!*+,=%&-]+$`)
)

func validateID(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is empty", field)
	}
	if !idPattern.MatchString(value) {
		return fmt.Errorf("%s contains disallowed characters", field)
	}
	return nil
}

func validateURL(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is empty", field)
	}
	if !urlPattern.MatchString(value) {
		return fmt.Errorf("%s contains disallowed characters", field)
	}
	return nil
}

// Validate checks every field against its allow-list. A descriptor that
// fails validation must never reach the shared mount.
func (c *BuildConfig) Validate() error {
	if err := validateURL("controller_url", c.ControllerURL); err != nil {
		return err
	}
	if err := validateID("build_id", c.BuildID); err != nil {
		return err
	}
	if err := validateID("otp", c.OTP); err != nil {
		return err
	}
	if err := validateID("platform", c.Platform); err != nil {
		return err
	}
	if err := validateURL("source_url", c.SourceURL); err != nil {
		return err
	}
	if c.CertsURL != "" {
		if err := validateURL("certs_url", c.CertsURL); err != nil {
			return err
		}
	}
	return nil
}

// WriteEnvironment validates the descriptor and populates dir with the
// build config and the versioned guest scripts. The guest stub execs
// bootstrap.sh from the mount, so bootstrap logic ships with the host
// binary and never requires rebuilding VM images.
func WriteEnvironment(dir string, cfg *BuildConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid build config: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode build config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileBuildConfig), data, 0600); err != nil {
		return fmt.Errorf("failed to write build config: %w", err)
	}

	for _, name := range []string{FileBootstrap, FileDiagnostics} {
		script, err := scripts.ReadFile("scripts/" + name)
		if err != nil {
			return fmt.Errorf("guest script %s missing from binary: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), script, 0755); err != nil {
			return fmt.Errorf("failed to write guest script %s: %w", name, err)
		}
	}

	return nil
}

// Signal is what the guest has reported through the shared mount.
type Signal int

const (
	SignalNone Signal = iota
	SignalComplete
	SignalError
)

// CheckSignals inspects the shared mount for a completion signal. For
// SignalError the returned message is the log tail the guest wrote into the
// build-error file.
func CheckSignals(dir string) (Signal, string, error) {
	if _, err := os.Stat(filepath.Join(dir, FileComplete)); err == nil {
		return SignalComplete, "", nil
	}

	errPath := filepath.Join(dir, FileError)
	if _, err := os.Stat(errPath); err == nil {
		tail, err := os.ReadFile(errPath)
		if err != nil {
			return SignalError, "", fmt.Errorf("failed to read build-error: %w", err)
		}
		return SignalError, string(tail), nil
	}

	return SignalNone, "", nil
}

// ReadProgress parses the guest's progress file. A missing or malformed
// file is not an error condition for the monitor; callers treat a nil
// result as "no progress reported yet".
func ReadProgress(dir string) *types.Progress {
	data, err := os.ReadFile(filepath.Join(dir, FileProgress))
	if err != nil {
		return nil
	}
	var progress types.Progress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil
	}
	return &progress
}
