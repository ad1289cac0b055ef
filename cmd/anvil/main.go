package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anvilci/anvil/pkg/config"
	"github.com/anvilci/anvil/pkg/controller"
	"github.com/anvilci/anvil/pkg/doctor"
	"github.com/anvilci/anvil/pkg/identity"
	"github.com/anvilci/anvil/pkg/log"
	"github.com/anvilci/anvil/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Anvil - build farm worker agent",
	Long: `Anvil turns a machine into a build farm worker. It registers with
the controller, polls for build jobs, and runs each one inside a
fresh ephemeral VM cloned from an immutable base image.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Anvil version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker agent",
	Long: `Start the worker agent in the foreground. The agent registers with
the controller (or restores its persisted identity), then polls for
builds until it receives SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := writePidfile(cfg.PidfilePath()); err != nil {
			return err
		}
		defer os.Remove(cfg.PidfilePath())

		agent, err := worker.New(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		if err := agent.Start(ctx); err != nil {
			agent.Stop()
			return err
		}

		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("signal received, draining")
		agent.Stop()
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running worker agent",
	Long: `Signal the running agent to drain and exit. In-flight builds are
abandoned back to the controller before the process stops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pid, err := readPidfile(cfg.PidfilePath())
		if err != nil {
			return fmt.Errorf("no running agent found: %w", err)
		}

		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal pid %d: %w", pid, err)
		}
		fmt.Printf("Sent SIGTERM to agent (pid %d)\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pid, err := readPidfile(cfg.PidfilePath())
		if err != nil || syscall.Kill(pid, 0) != nil {
			fmt.Println("Agent: not running")
		} else {
			fmt.Printf("Agent: running (pid %d)\n", pid)
		}

		store, err := identity.Open(cfg.DataDir)
		switch {
		case errors.Is(err, identity.ErrLocked):
			fmt.Println("Identity: state locked by running agent")
		case err != nil:
			return fmt.Errorf("failed to open identity store: %w", err)
		default:
			defer store.Close()
			ident, err := store.LoadIdentity()
			switch {
			case errors.Is(err, identity.ErrNotFound):
				fmt.Println("Identity: not registered")
			case err != nil:
				return err
			default:
				fmt.Printf("Worker ID: %s\n", ident.WorkerID)
				fmt.Printf("Device: %s\n", ident.DeviceName)
			}
		}

		fmt.Printf("Controller: %s\n", cfg.ControllerURL)
		fmt.Printf("Platforms: %s\n", strings.Join(cfg.Platforms, ", "))
		fmt.Printf("Max concurrent builds: %d\n", cfg.MaxConcurrentBuilds)
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run host diagnostics",
	Long: `Check that this machine can serve builds: data directory writable,
VM tooling installed, base image configured, controller reachable.
Exits non-zero if any check fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		workerID := ""
		if store, err := identity.Open(cfg.DataDir); err == nil {
			if ident, err := store.LoadIdentity(); err == nil {
				workerID = ident.WorkerID
			}
			store.Close()
		}

		d := doctor.New(cfg, controller.NewClient(cfg.ControllerURL), workerID)
		results, healthy := d.Run(cmd.Context())
		d.Report(cmd.Context(), results, healthy)

		for _, r := range results {
			mark := "ok"
			if !r.Healthy {
				mark = "FAIL"
			}
			fmt.Printf("%-12s %-4s %s\n", r.Name, mark, r.Message)
		}

		if !healthy {
			return errors.New("one or more checks failed")
		}
		fmt.Println("All checks passed")
		return nil
	},
}

func writePidfile(path string) error {
	if pid, err := readPidfile(path); err == nil && syscall.Kill(pid, 0) == nil {
		return fmt.Errorf("agent already running (pid %d)", pid)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pidfile %s: %w", path, err)
	}
	return pid, nil
}
