package trainenv

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// hijackFixture builds an attach response whose reader carries the given
// multiplexed payload. The Conn must be non-nil because HijackedResponse.Close
// dereferences it.
func hijackFixture(t *testing.T, payload *bytes.Buffer) types.HijackedResponse {
	t.Helper()
	conn, peer := net.Pipe()
	peer.Close()
	t.Cleanup(func() { conn.Close() })
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(payload)}
}

func stdoutPayload(t *testing.T, out string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(out)); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestExec_CombinedStreamAndExitCode(t *testing.T) {
	var gotOpts container.ExecOptions
	f := &fakeDocker{
		imagePresent: true,
		running:      []types.Container{runningContainerFixture()},
		execCreate: func(id string, opts container.ExecOptions) (types.IDResponse, error) {
			gotOpts = opts
			return types.IDResponse{ID: "exec-1"}, nil
		},
		execAttach: func(execID string) (types.HijackedResponse, error) {
			return hijackFixture(t, stdoutPayload(t, "line one\nline two\n")), nil
		},
		execInspect: func(execID string) (container.ExecInspect, error) {
			return container.ExecInspect{Running: false, ExitCode: 3}, nil
		},
	}
	m := newTestManager(f)

	stream, err := m.Exec(context.Background(), []string{"python", "/workspace/work/train.py"}, []string{"HF_TOKEN=tok"})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "line one\nline two\n" {
		t.Errorf("output = %q", out)
	}

	code, err := stream.ExitCode(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}

	if !gotOpts.AttachStdout || !gotOpts.AttachStderr {
		t.Error("exec must attach both stdout and stderr")
	}
	if len(gotOpts.Cmd) != 2 || gotOpts.Cmd[0] != "python" {
		t.Errorf("Cmd = %v", gotOpts.Cmd)
	}
	if len(gotOpts.Env) != 1 || gotOpts.Env[0] != "HF_TOKEN=tok" {
		t.Errorf("Env = %v", gotOpts.Env)
	}
}

func TestExec_StderrInterleavedInOrder(t *testing.T) {
	var buf bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("step 1/10\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte("warning: slow tokenizer\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("step 2/10\n")); err != nil {
		t.Fatal(err)
	}

	f := &fakeDocker{
		imagePresent: true,
		running:      []types.Container{runningContainerFixture()},
		execCreate: func(id string, opts container.ExecOptions) (types.IDResponse, error) {
			return types.IDResponse{ID: "exec-1"}, nil
		},
		execAttach: func(execID string) (types.HijackedResponse, error) {
			return hijackFixture(t, &buf), nil
		},
	}

	stream, err := newTestManager(f).Exec(context.Background(), []string{"python"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal(err)
	}
	want := "step 1/10\nwarning: slow tokenizer\nstep 2/10\n"
	if string(out) != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestExec_NoRunningContainer(t *testing.T) {
	f := &fakeDocker{imagePresent: true}
	_, err := newTestManager(f).Exec(context.Background(), []string{"true"}, nil)
	if !errors.Is(err, ErrEnvironmentNotFound) {
		t.Errorf("err = %v, want ErrEnvironmentNotFound", err)
	}
}

func TestBaseModelCatalog_DefaultsWhenProbeFails(t *testing.T) {
	f := &fakeDocker{imagePresent: true}
	models := newTestManager(f).BaseModelCatalog(context.Background())

	if len(models) != 7 {
		t.Fatalf("len(models) = %d, want 7 defaults", len(models))
	}
	if models[0] != "unsloth/llama-3.1-8b-bnb-4bit" {
		t.Errorf("models[0] = %q", models[0])
	}

	models[0] = "mutated"
	again := newTestManager(f).BaseModelCatalog(context.Background())
	if again[0] == "mutated" {
		t.Error("catalog must return a copy of the defaults")
	}
}

func TestBaseModelCatalog_ParsesProbeOutput(t *testing.T) {
	probeOut := "Unsloth: WARNING no CUDA libs\n[\"unsloth/custom-a\", \"unsloth/custom-b\"]\n"
	f := &fakeDocker{
		imagePresent: true,
		running:      []types.Container{runningContainerFixture()},
		execCreate: func(id string, opts container.ExecOptions) (types.IDResponse, error) {
			return types.IDResponse{ID: "exec-1"}, nil
		},
		execAttach: func(execID string) (types.HijackedResponse, error) {
			return hijackFixture(t, stdoutPayload(t, probeOut)), nil
		},
		execInspect: func(execID string) (container.ExecInspect, error) {
			return container.ExecInspect{Running: false, ExitCode: 0}, nil
		},
	}

	models := newTestManager(f).BaseModelCatalog(context.Background())
	if len(models) != 2 || models[0] != "unsloth/custom-a" || models[1] != "unsloth/custom-b" {
		t.Errorf("models = %v", models)
	}
}

func TestCheckImageUpdate_UpToDate(t *testing.T) {
	f := &fakeDocker{
		imagePresent: true,
		repoDigests:  []string{"unsloth/unsloth@sha256:aaa"},
		distInspect: func(ref string) (registry.DistributionInspect, error) {
			return registry.DistributionInspect{Descriptor: ocispec.Descriptor{Digest: "sha256:aaa"}}, nil
		},
	}

	upd, err := newTestManager(f).CheckImageUpdate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if upd.UpdateAvailable {
		t.Error("UpdateAvailable = true for matching digests")
	}
	if upd.CurrentDigest != "sha256:aaa" || upd.RemoteDigest != "sha256:aaa" {
		t.Errorf("digests = %q / %q", upd.CurrentDigest, upd.RemoteDigest)
	}
}

func TestCheckImageUpdate_NewDigestUpstream(t *testing.T) {
	f := &fakeDocker{
		imagePresent: true,
		repoDigests:  []string{"unsloth/unsloth@sha256:aaa"},
		distInspect: func(ref string) (registry.DistributionInspect, error) {
			return registry.DistributionInspect{Descriptor: ocispec.Descriptor{Digest: "sha256:bbb"}}, nil
		},
	}

	upd, err := newTestManager(f).CheckImageUpdate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !upd.UpdateAvailable {
		t.Error("UpdateAvailable = false for differing digests")
	}
	if upd.CurrentDigest != "sha256:aaa" || upd.RemoteDigest != "sha256:bbb" {
		t.Errorf("digests = %q / %q", upd.CurrentDigest, upd.RemoteDigest)
	}
}

func TestCheckImageUpdate_ImageNotPulled(t *testing.T) {
	f := &fakeDocker{
		distInspect: func(ref string) (registry.DistributionInspect, error) {
			return registry.DistributionInspect{Descriptor: ocispec.Descriptor{Digest: "sha256:bbb"}}, nil
		},
	}

	if _, err := newTestManager(f).CheckImageUpdate(context.Background()); err == nil {
		t.Fatal("want error when image is not pulled locally")
	}
}
