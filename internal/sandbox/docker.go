package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/joelmbaka/pygrade/internal/metrics"
)

const (
	workdir = "/home/sandbox"

	// Captured stdout/stderr are capped so a print loop cannot exhaust host
	// memory before the wall-clock deadline fires.
	maxOutputBytes = 1 << 20
)

type Options struct {
	Profile       Profile
	CPUQuota      int64 // microseconds per 100ms period; 100000 = one full CPU
	PidsLimit     int64
	WorkdirSizeMb int
	TmpSizeMb     int
}

func DefaultOptions() Options {
	return Options{
		Profile:       PythonProfile(""),
		CPUQuota:      100000,
		PidsLimit:     64,
		WorkdirSizeMb: 64,
		TmpSizeMb:     16,
	}
}

type DockerSandbox struct {
	cli    *client.Client
	opts   Options
	logger *zerolog.Logger
}

var _ Sandbox = (*DockerSandbox)(nil)

func NewDockerSandbox(opts Options, logger *zerolog.Logger) (*DockerSandbox, error) {
	if opts.Profile.Image == "" {
		opts = DefaultOptions()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerSandbox{cli: cli, opts: opts, logger: logger}, nil
}

// Run executes one submission in a fresh hardened container. The container
// is created, the source staged, the program started with stdin attached,
// and the whole container force-removed before return under every outcome,
// caller cancellation included. The tmpfs workdir dies with the container,
// so no scratch state survives the call.
func (s *DockerSandbox) Run(ctx context.Context, spec RunSpec) (*Result, error) {
	if spec.Timeout <= 0 {
		return nil, fmt.Errorf("sandbox: timeout must be positive")
	}
	if spec.MemoryLimitMb <= 0 {
		return nil, fmt.Errorf("sandbox: memory limit must be positive")
	}

	pidsLimit := s.opts.PidsLimit
	memoryBytes := int64(spec.MemoryLimitMb) * 1024 * 1024
	created := time.Now()

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:           s.opts.Profile.Image,
		Cmd:             []string{"sleep", "infinity"}, // keep it alive while we stage the source
		Tty:             false,
		NetworkDisabled: true,
		WorkingDir:      workdir,
		User:            "nobody",
		Env: []string{
			"PYTHONDONTWRITEBYTECODE=1",
			// Unbuffered stdout, otherwise a run cut short by the deadline
			// loses everything still sitting in the interpreter's buffer.
			"PYTHONUNBUFFERED=1",
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:     memoryBytes,
			MemorySwap: memoryBytes, // no swap: over the ceiling means the OOM killer, not paging
			CPUQuota:   s.opts.CPUQuota,
			PidsLimit:  &pidsLimit, // prevent fork bombs
		},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Tmpfs: map[string]string{
			workdir: fmt.Sprintf("rw,exec,nosuid,size=%dm,mode=1777", s.opts.WorkdirSizeMb),
			"/tmp":  fmt.Sprintf("rw,noexec,nosuid,size=%dm,mode=1777", s.opts.TmpSizeMb),
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		// Fresh context: the container must be reaped even when the caller's
		// context is already cancelled.
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			s.logger.Warn().Err(err).Str("container", resp.ID).Msg("failed to remove container")
		}
	}()

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	metrics.ContainerCreationTime.Observe(float64(time.Since(created).Milliseconds()))

	if err := s.writeSource(ctx, resp.ID, spec.Source); err != nil {
		return nil, err
	}

	return s.runProgram(ctx, resp.ID, spec)
}

// writeSource pipes the submission through an exec because CopyToContainer
// cannot target the tmpfs workdir.
func (s *DockerSandbox) writeSource(ctx context.Context, containerID, source string) error {
	execResp, err := s.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:         []string{"sh", "-c", "cat > " + workdir + "/" + s.opts.Profile.SourceFile},
		AttachStdin: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create write exec: %w", err)
	}

	attachResp, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach write exec: %w", err)
	}

	if _, err := attachResp.Conn.Write([]byte(source)); err != nil {
		attachResp.Close()
		return fmt.Errorf("failed to write source: %w", err)
	}
	_ = attachResp.CloseWrite()
	attachResp.Close()

	for {
		inspect, err := s.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return fmt.Errorf("failed to inspect write exec: %w", err)
		}
		if !inspect.Running {
			if inspect.ExitCode != 0 {
				return fmt.Errorf("source write exited with code %d", inspect.ExitCode)
			}
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.logger.Debug().Str("container", containerID).Msg("source code written via exec")
	return nil
}

func (s *DockerSandbox) runProgram(ctx context.Context, containerID string, spec RunSpec) (*Result, error) {
	execResp, err := s.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          s.opts.Profile.RunCommand,
		WorkingDir:   workdir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run exec: %w", err)
	}

	attachResp, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach run exec: %w", err)
	}
	defer attachResp.Close()

	start := time.Now()

	if spec.Stdin != "" {
		_, _ = attachResp.Conn.Write([]byte(spec.Stdin))
	}
	// Always half-close so programs reading stdin see EOF instead of hanging
	// until the deadline.
	_ = attachResp.CloseWrite()

	sampler := s.startMemorySampler(containerID)

	stdout := newCappedBuffer(maxOutputBytes)
	stderr := newCappedBuffer(maxOutputBytes)
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		copyDone <- err
	}()

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case err := <-copyDone:
		if err != nil {
			sampler.stop()
			return nil, fmt.Errorf("failed to read run output: %w", err)
		}
	case <-timer.C:
		timedOut = true
		s.killContainer(containerID)
		s.awaitCopy(copyDone)
	case <-ctx.Done():
		s.killContainer(containerID)
		s.awaitCopy(copyDone)
		sampler.stop()
		return nil, ctx.Err()
	}

	duration := time.Since(start)
	peakKb := sampler.stop()

	if timedOut {
		return &Result{
			Status:       StatusTimedOut,
			Stdout:       stdout.String(),
			Stderr:       stderr.String(),
			DurationMs:   duration.Milliseconds(),
			PeakMemoryKb: peakKb,
		}, nil
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect run exec: %w", err)
	}

	res := &Result{
		Status:       StatusCompleted,
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		ExitCode:     inspect.ExitCode,
		DurationMs:   duration.Milliseconds(),
		PeakMemoryKb: peakKb,
	}

	// The OOM killer delivers SIGKILL, so 137 without a recorded OOM event
	// still means the ceiling when the inspect races the event.
	if inspect.ExitCode != 0 && (s.wasOOMKilled(containerID) || inspect.ExitCode == 137) {
		res.Status = StatusMemoryExceeded
	}

	return res, nil
}

// killContainer tears the whole container down. SIGKILL to the container's
// init kills every process in its PID namespace, forked children included.
func (s *DockerSandbox) killContainer(containerID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cli.ContainerKill(killCtx, containerID, "SIGKILL"); err != nil {
		s.logger.Warn().Err(err).Str("container", containerID).Msg("failed to kill container")
	}
}

// awaitCopy waits for the output copier after a kill; the hijacked
// connection unblocks once the exec process is gone.
func (s *DockerSandbox) awaitCopy(copyDone <-chan error) {
	select {
	case <-copyDone:
	case <-time.After(2 * time.Second):
		s.logger.Warn().Msg("output copier did not finish after kill")
	}
}

func (s *DockerSandbox) wasOOMKilled(containerID string) bool {
	inspectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inspect, err := s.cli.ContainerInspect(inspectCtx, containerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("container", containerID).Msg("failed to inspect container for OOM state")
		return false
	}
	return inspect.State != nil && inspect.State.OOMKilled
}

type memorySampler struct {
	peak   atomic.Int64
	stopCh chan struct{}
	doneCh chan struct{}
}

// startMemorySampler polls the stats API while the program runs; peak usage
// is best effort and 0 when the run is too short to catch a sample.
func (s *DockerSandbox) startMemorySampler(containerID string) *memorySampler {
	ms := &memorySampler{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go func() {
		defer close(ms.doneCh)
		ticker := time.NewTicker(150 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ms.stopCh:
				return
			case <-ticker.C:
				if usage := s.sampleMemory(containerID); usage > ms.peak.Load() {
					ms.peak.Store(usage)
				}
			}
		}
	}()
	return ms
}

func (ms *memorySampler) stop() int64 {
	close(ms.stopCh)
	<-ms.doneCh
	return ms.peak.Load() / 1024
}

func (s *DockerSandbox) sampleMemory(containerID string) int64 {
	statsCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stats, err := s.cli.ContainerStatsOneShot(statsCtx, containerID)
	if err != nil {
		return 0
	}
	defer stats.Body.Close()

	var payload container.StatsResponse
	if err := json.NewDecoder(stats.Body).Decode(&payload); err != nil {
		return 0
	}
	if payload.MemoryStats.MaxUsage > 0 {
		return int64(payload.MemoryStats.MaxUsage)
	}
	return int64(payload.MemoryStats.Usage)
}

func (s *DockerSandbox) EnsureImage(ctx context.Context) error {
	img := s.opts.Profile.Image
	_, _, err := s.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil // image already present
	}

	s.logger.Info().Str("image", img).Msg("pulling docker image")
	reader, err := s.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	_, _ = io.Copy(io.Discard, reader)

	s.logger.Info().Str("image", img).Msg("successfully pulled docker image")
	return nil
}

// Ping reports sandbox readiness: daemon reachable and runtime image present.
func (s *DockerSandbox) Ping(ctx context.Context) error {
	if _, err := s.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	if _, _, err := s.cli.ImageInspectWithRaw(ctx, s.opts.Profile.Image); err != nil {
		return fmt.Errorf("runtime image %s not present: %w", s.opts.Profile.Image, err)
	}
	return nil
}

func (s *DockerSandbox) Close() error {
	return s.cli.Close()
}

type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := c.max - c.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			c.buf.Write(p[:remaining])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	// Report everything written so the demultiplexer keeps draining.
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}
