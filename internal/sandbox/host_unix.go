//go:build !windows
// +build !windows

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/loomchat/loom/internal/tools"
)

// HostRunner executes snippets directly on the host machine without
// isolation. It is the fallback when Docker is unavailable.
type HostRunner struct {
	config Config
}

// Run writes the snippet to a scratch directory and runs the language's
// interpreter from PATH, killing the whole process group on timeout.
func (r *HostRunner) Run(ctx context.Context, language, code string) (tools.RunResult, error) {
	spec, err := resolveLanguage(language)
	if err != nil {
		return tools.RunResult{}, err
	}

	interp, err := exec.LookPath(spec.hostCmd)
	if err != nil {
		return tools.RunResult{}, fmt.Errorf("interpreter %s not found on host: %w", spec.hostCmd, err)
	}

	snippetDir, err := os.MkdirTemp("", "loom-snippet-*")
	if err != nil {
		return tools.RunResult{}, fmt.Errorf("failed to create snippet dir: %w", err)
	}
	defer os.RemoveAll(snippetDir)
	if err := os.WriteFile(filepath.Join(snippetDir, spec.filename), []byte(code), 0o644); err != nil {
		return tools.RunResult{}, fmt.Errorf("failed to write snippet: %w", err)
	}

	timeout := r.config.RunTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, spec.command[1:]...)
	cmd := exec.Command(interp, args...)
	cmd.Dir = snippetDir
	// New process group so the whole tree can be killed on cancel
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return tools.RunResult{}, err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-cctx.Done():
			if cmd.Process != nil {
				syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	res := tools.RunResult{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = 124
		if res.Stderr == "" {
			res.Stderr = "snippet execution timed out"
		}
		return res, nil
	}

	if waitErr != nil {
		res.ExitCode = 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return res, waitErr
		}
	}

	return res, nil
}
