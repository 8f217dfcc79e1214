package trainenv

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecStream is the combined stdout+stderr of a command running inside the
// training container. ExitCode blocks until the command has finished.
type ExecStream struct {
	rc   io.ReadCloser
	exit func(ctx context.Context) (int, error)
}

// NewExecStream wraps an arbitrary stream and exit-code source as an
// ExecStream.
func NewExecStream(rc io.ReadCloser, exit func(ctx context.Context) (int, error)) *ExecStream {
	return &ExecStream{rc: rc, exit: exit}
}

func (s *ExecStream) Read(p []byte) (int, error) { return s.rc.Read(p) }

func (s *ExecStream) Close() error { return s.rc.Close() }

// ExitCode polls the exec until it reports finished, then returns its exit
// code. Call after the stream has been drained.
func (s *ExecStream) ExitCode(ctx context.Context) (int, error) {
	return s.exit(ctx)
}

// Exec runs a command in the running training container and returns its
// output as one ordered stream.
func (m *Manager) Exec(ctx context.Context, cmd []string, env []string) (*ExecStream, error) {
	ctr, ok := m.runningContainer(ctx)
	if !ok {
		return nil, ErrEnvironmentNotFound
	}

	resp, err := m.cli.ContainerExecCreate(ctx, ctr.ID, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	hijack, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}

	// The attach stream multiplexes stdout and stderr; demux both into one
	// pipe so line order is preserved for the consumer.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, hijack.Reader)
		pw.CloseWithError(err)
		hijack.Close()
	}()

	cli := m.cli
	execID := resp.ID
	exit := func(ctx context.Context) (int, error) {
		for {
			inspect, err := cli.ContainerExecInspect(ctx, execID)
			if err != nil {
				return -1, fmt.Errorf("inspecting exec: %w", err)
			}
			if !inspect.Running {
				return inspect.ExitCode, nil
			}
			select {
			case <-ctx.Done():
				return -1, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	return NewExecStream(pr, exit), nil
}
