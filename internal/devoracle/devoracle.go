// Package devoracle is an optional, disposable, container-backed TaskOracle
// used only for manual smoke testing via `cmd/promptevo devoracle`. It
// generalizes the teacher's pkg/discovery/docker.Client container lifecycle
// (create, inspect, exec, stop, remove) from "attach a chaos sidecar to a
// running target" to "run a disposable scorer container, exec one scoring
// call per (candidate, example) pair, tear it down on exit".
package devoracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/jihwankim/promptevo/internal/domain"
	"github.com/jihwankim/promptevo/internal/orcherr"
)

// ScorerPath is the executable inside the image that performs scoring. It
// is invoked as `ScorerPath <base64 candidate text> <base64 example
// payload>` and must print a JSON object of objective name to score on
// stdout. Passing both arguments base64-encoded keeps them out of any shell
// interpolation, so neither can smuggle extra arguments or commands into
// the exec.
const ScorerPath = "/usr/local/bin/score"

// Oracle is a TaskOracle backed by one disposable container, created from
// image and torn down by Close.
type Oracle struct {
	cli         *client.Client
	containerID string
}

// New creates and starts a container from image. It does not pull: image
// must already be present in the local docker image store. The
// container is expected to stay running (e.g. `sleep infinity`) so that
// repeated Score calls can exec ScorerPath inside it without per-call
// container-creation overhead.
func New(ctx context.Context, image string) (*Oracle, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("devoracle: failed to create docker client: %w", err)
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}, nil, nil, nil, "")
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("devoracle: failed to create container from image %q: %w", image, err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("devoracle: failed to start container: %w", err)
	}

	return &Oracle{cli: cli, containerID: resp.ID}, nil
}

// Close stops and removes the backing container and closes the docker
// client connection.
func (o *Oracle) Close(ctx context.Context) error {
	timeout := 5
	if err := o.cli.ContainerStop(ctx, o.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		_ = o.cli.Close()
		return fmt.Errorf("devoracle: failed to stop container: %w", err)
	}
	if err := o.cli.ContainerRemove(ctx, o.containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		_ = o.cli.Close()
		return fmt.Errorf("devoracle: failed to remove container: %w", err)
	}
	return o.cli.Close()
}

// scorerOutput is the JSON object ScorerPath is expected to print.
type scorerOutput struct {
	Objectives map[string]float64 `json:"objectives"`
	Failure    bool               `json:"failure"`
}

// Score execs ScorerPath inside the backing container with candidateText
// and examplePayload passed as base64-encoded argv entries, parsing its
// stdout as a scorerOutput. A nonzero exit code is classified as a
// orcherr.KindPermanentOracle structural failure rather than retried,
// since a scorer crash on given input is unlikely to succeed on retry.
func (o *Oracle) Score(ctx context.Context, candidateText, examplePayload string) (domain.EvaluationResult, error) {
	encCandidate := base64.StdEncoding.EncodeToString([]byte(candidateText))
	encPayload := base64.StdEncoding.EncodeToString([]byte(examplePayload))

	execID, err := o.cli.ContainerExecCreate(ctx, o.containerID, types.ExecConfig{
		Cmd:          []string{ScorerPath, encCandidate, encPayload},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return domain.EvaluationResult{}, orcherr.New(orcherr.KindTransientOracle,
			fmt.Errorf("devoracle: failed to create exec: %w", err))
	}

	attach, err := o.cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return domain.EvaluationResult{}, orcherr.New(orcherr.KindTransientOracle,
			fmt.Errorf("devoracle: failed to attach exec: %w", err))
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := io.Copy(&out, attach.Reader); err != nil {
		return domain.EvaluationResult{}, orcherr.New(orcherr.KindTransientOracle,
			fmt.Errorf("devoracle: failed to read exec output: %w", err))
	}

	inspect, err := o.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return domain.EvaluationResult{}, orcherr.New(orcherr.KindTransientOracle,
			fmt.Errorf("devoracle: failed to inspect exec: %w", err))
	}
	if inspect.ExitCode != 0 {
		return domain.EvaluationResult{}, orcherr.New(orcherr.KindPermanentOracle,
			fmt.Errorf("devoracle: scorer exited %d: %s", inspect.ExitCode, out.String()))
	}

	var parsed scorerOutput
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		return domain.EvaluationResult{}, orcherr.New(orcherr.KindPermanentOracle,
			fmt.Errorf("devoracle: failed to parse scorer output: %w", err))
	}
	return domain.EvaluationResult{Objectives: parsed.Objectives, Failure: parsed.Failure}, nil
}
