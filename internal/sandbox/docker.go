package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/loomchat/loom/internal/tools"
)

// DockerRunner executes snippets in isolated Docker containers.
type DockerRunner struct {
	client *client.Client
	config Config
}

// NewDockerRunner creates a new Docker-based runner.
func NewDockerRunner(config Config) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("Docker daemon not accessible: %w", err)
	}

	return &DockerRunner{client: cli, config: config}, nil
}

// Run writes the snippet to a scratch directory, mounts it read-only into
// a locked-down container and captures the output.
func (r *DockerRunner) Run(ctx context.Context, language, code string) (tools.RunResult, error) {
	spec, err := resolveLanguage(language)
	if err != nil {
		return tools.RunResult{}, err
	}

	img := spec.image
	if r.config.Image != "" {
		img = r.config.Image
	}
	if err := r.ensureImage(ctx, img); err != nil {
		return tools.RunResult{}, fmt.Errorf("failed to ensure image %s: %w", img, err)
	}

	snippetDir, err := os.MkdirTemp("", "loom-snippet-*")
	if err != nil {
		return tools.RunResult{}, fmt.Errorf("failed to create snippet dir: %w", err)
	}
	defer os.RemoveAll(snippetDir)
	if err := os.WriteFile(filepath.Join(snippetDir, spec.filename), []byte(code), 0o644); err != nil {
		return tools.RunResult{}, fmt.Errorf("failed to write snippet: %w", err)
	}

	containerConfig := &container.Config{
		Image:      img,
		Cmd:        spec.command,
		WorkingDir: "/workspace",
		User:       "1000:1000",
		Env:        []string{"HOME=/tmp"},
		// No network for untrusted snippets
		NetworkDisabled: true,
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   snippetDir,
				Target:   "/workspace",
				ReadOnly: true,
			},
		},
		Resources: container.Resources{
			Memory:   parseMemory(r.config.Memory),
			NanoCPUs: parseCPU(r.config.CPU) * 1e9,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
			},
		},
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=100m",
		},
	}

	createResp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return tools.RunResult{}, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := createResp.ID

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true})
	}()

	timeout := r.config.RunTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.client.ContainerStart(execCtx, containerID, container.StartOptions{}); err != nil {
		return tools.RunResult{}, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := r.client.ContainerWait(execCtx, containerID, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case <-execCtx.Done():
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer killCancel()
		_ = r.client.ContainerKill(killCtx, containerID, "SIGKILL")
		return tools.RunResult{
			ExitCode: 124,
			Stderr:   "snippet execution timed out",
		}, nil
	case err := <-errCh:
		if err != nil {
			return tools.RunResult{}, fmt.Errorf("container wait error: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "all",
	})
	if err != nil {
		return tools.RunResult{}, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	stdout, stderr := parseDockerLogs(logs)

	return tools.RunResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: int(exitCode),
	}, nil
}

// ensureImage checks if the image exists locally, and pulls it if not.
func (r *DockerRunner) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Drain the pull output, the pull completes only once it is consumed
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// parseDockerLogs separates stdout from stderr in a multiplexed log stream.
// Each frame carries an 8 byte header: stream type (1 byte), 3 reserved
// bytes, then the payload size as a big-endian uint32.
func parseDockerLogs(reader io.Reader) (stdout, stderr string) {
	var stdoutParts, stderrParts []string

	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			break
		}

		streamType := header[0]
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size <= 0 || size > 10*1024*1024 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			break
		}

		content := strings.TrimSuffix(string(payload), "\n")
		switch streamType {
		case 1:
			stdoutParts = append(stdoutParts, content)
		case 2:
			stderrParts = append(stderrParts, content)
		}
	}

	return strings.Join(stdoutParts, "\n"), strings.Join(stderrParts, "\n")
}

// parseMemory parses a memory limit string (e.g. "1g", "512m") to bytes.
func parseMemory(memStr string) int64 {
	memStr = strings.TrimSpace(memStr)
	if memStr == "" {
		return 1 * units.GiB
	}
	bytes, err := units.RAMInBytes(memStr)
	if err != nil || bytes <= 0 {
		return 1 * units.GiB
	}
	return bytes
}

// parseCPU parses a CPU count string (e.g. "2") to a whole CPU count.
func parseCPU(cpuStr string) int64 {
	cpuStr = strings.TrimSpace(cpuStr)
	if cpuStr == "" {
		return 2
	}
	var value float64
	fmt.Sscanf(cpuStr, "%f", &value)
	if value <= 0 {
		return 2
	}
	return int64(value)
}
