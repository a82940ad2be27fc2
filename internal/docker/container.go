package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// ContainerAPI is the subset of the Docker Engine client used by ContainerRunner.
type ContainerAPI interface {
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
}

// ContainerRunner executes commands inside a named container.
type ContainerRunner struct {
	client    ContainerAPI
	container string
	logger    zerolog.Logger
}

var _ Runner = (*ContainerRunner)(nil)

// NewClient connects to the Docker daemon configured by DOCKER_HOST and friends.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

// NewContainerRunner returns a runner bound to containerName.
func NewContainerRunner(api ContainerAPI, containerName string, logger zerolog.Logger) *ContainerRunner {
	return &ContainerRunner{
		client:    api,
		container: containerName,
		logger:    logger.With().Str("container", containerName).Logger(),
	}
}

func (r *ContainerRunner) Exec(ctx context.Context, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	start := time.Now()
	r.logger.Debug().Str("command", argv[0]).Int("args", len(argv)-1).Msg("exec in container")

	execID, err := r.client.ContainerExecCreate(ctx, r.container, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create in %s: %w", r.container, err)
	}

	resp, err := r.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach in %s: %w", r.container, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("exec read output in %s: %w", r.container, err)
	}

	inspect, err := r.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect in %s: %w", r.container, err)
	}

	r.logger.Debug().
		Str("command", argv[0]).
		Int("exit_code", inspect.ExitCode).
		Dur("duration", time.Since(start)).
		Msg("exec completed")

	return exitResult(argv, &Result{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	})
}

// WriteFile runs mkdir -p in the container then copies data as a single-entry
// tar archive.
func (r *ContainerRunner) WriteFile(ctx context.Context, filePath string, data []byte, mode os.FileMode) error {
	dir, name := path.Split(filePath)
	if dir == "" || name == "" {
		return fmt.Errorf("invalid container path %q", filePath)
	}

	if _, err := r.Exec(ctx, []string{"mkdir", "-p", dir}); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    int64(mode.Perm()),
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	if err := r.client.CopyToContainer(ctx, r.container, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy %s to %s: %w", name, r.container, err)
	}

	r.logger.Debug().Str("path", filePath).Int("bytes", len(data)).Msg("copied file to container")
	return nil
}
