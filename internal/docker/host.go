package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
)

// HostRunner executes commands on the local host, for appliances installed
// without a container.
type HostRunner struct {
	logger zerolog.Logger
}

var _ Runner = (*HostRunner)(nil)

func NewHostRunner(logger zerolog.Logger) *HostRunner {
	return &HostRunner{logger: logger}
}

func (r *HostRunner) Exec(ctx context.Context, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	r.logger.Debug().Str("command", argv[0]).Int("args", len(argv)-1).Msg("exec on host")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
	default:
		return nil, fmt.Errorf("%s: %w", argv[0], err)
	}

	return exitResult(argv, &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	})
}

func (r *HostRunner) WriteFile(_ context.Context, path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
