package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/tools"
)

// Mode represents the sandbox execution mode.
type Mode string

const (
	// ModeDocker uses Docker containers for isolation.
	ModeDocker Mode = "docker"
	// ModeHost runs snippets directly on the host (no isolation).
	ModeHost Mode = "host"
	// ModeAuto selects Docker if available, otherwise falls back to host.
	ModeAuto Mode = "auto"
)

const defaultRunTimeout = 2 * time.Minute

// Runner executes an untrusted code snippet and reports its output. It
// satisfies the backend contract of the run_code tool.
type Runner interface {
	Run(ctx context.Context, language, code string) (tools.RunResult, error)
}

// Config holds configuration for sandbox execution.
type Config struct {
	Mode       Mode
	Image      string        // Custom Docker image override
	CPU        string        // CPU limit (e.g., "2")
	Memory     string        // Memory limit (e.g., "1g")
	RunTimeout time.Duration // Per-snippet timeout (0 = default)
}

// DefaultConfig returns the configuration from environment variables.
func DefaultConfig(logger *slog.Logger) Config {
	if logger == nil {
		logger = slog.Default()
	}

	modeStr := strings.ToLower(os.Getenv("LOOM_SANDBOX_MODE"))
	if modeStr == "" {
		modeStr = "auto"
	}
	var mode Mode
	switch modeStr {
	case "docker":
		mode = ModeDocker
	case "host":
		mode = ModeHost
	case "auto":
		mode = ModeAuto
	default:
		logger.Warn("unknown LOOM_SANDBOX_MODE, defaulting to auto", "value", modeStr)
		mode = ModeAuto
	}

	runTimeout := defaultRunTimeout
	if timeoutStr := os.Getenv("LOOM_SANDBOX_TIMEOUT"); timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil && d > 0 {
			runTimeout = d
		} else {
			logger.Warn("invalid LOOM_SANDBOX_TIMEOUT, using default", "value", timeoutStr)
		}
	}

	return Config{
		Mode:       mode,
		Image:      os.Getenv("LOOM_SANDBOX_IMAGE"),
		CPU:        getEnvOrDefault("LOOM_SANDBOX_CPU", "2"),
		Memory:     getEnvOrDefault("LOOM_SANDBOX_MEMORY", "1g"),
		RunTimeout: runTimeout,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// IsDockerAvailable checks if Docker is available and accessible.
func IsDockerAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "ps")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}

// NewDefaultRunner creates a runner based on the configuration and Docker
// availability. It respects the LOOM_SANDBOX_MODE environment variable:
// - "docker": use Docker (falls back to host with a warning if unavailable)
// - "host": run on the host (no isolation)
// - "auto": use Docker if available, otherwise host
func NewDefaultRunner(logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	config := DefaultConfig(logger)
	ctx := context.Background()

	switch config.Mode {
	case ModeDocker:
		if !IsDockerAvailable(ctx) {
			logger.Warn("docker mode requested but docker is not available, falling back to host execution")
			return &HostRunner{config: config}
		}
		runner, err := NewDockerRunner(config)
		if err != nil {
			logger.Warn("failed to create docker runner, falling back to host execution", "error", err)
			return &HostRunner{config: config}
		}
		return runner

	case ModeHost:
		logger.Warn("using host execution for snippets, this provides no isolation")
		return &HostRunner{config: config}

	default:
		if IsDockerAvailable(ctx) {
			runner, err := NewDockerRunner(config)
			if err != nil {
				logger.Warn("docker available but runner creation failed, falling back to host execution", "error", err)
				return &HostRunner{config: config}
			}
			return runner
		}
		logger.Warn("docker not available, using host execution for snippets")
		return &HostRunner{config: config}
	}
}

// NewRunner creates a specific runner implementation.
func NewRunner(mode Mode, config Config) (Runner, error) {
	switch mode {
	case ModeDocker:
		return NewDockerRunner(config)
	case ModeHost:
		return &HostRunner{config: config}, nil
	default:
		return nil, fmt.Errorf("unknown runner mode: %s", mode)
	}
}
