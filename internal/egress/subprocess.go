package egress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/avswitch/splicer/internal/splice"
	"github.com/avswitch/splicer/internal/util"
)

// Subprocess is a splice.Sink that pipes output packets to the stdin of
// a publisher subprocess (e.g. an RTMP-publishing ffmpeg invocation), per
// spec.md §6 "Output transports ... RTMP publish via a subprocess".
// Spawn mechanics follow the teacher's exec.CommandContext-based
// subprocess lifecycle; binary resolution reuses util.FindBinary rather
// than re-implementing PATH/env lookup.
type Subprocess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger
}

// NewSubprocess resolves name via util.FindBinary (checking envVar, then
// ./name, then PATH), starts it with args, and returns a Sink writing to
// its stdin. The subprocess's stderr is not captured; callers that need
// it should redirect cmd.Stderr before packets start flowing by using
// NewSubprocessCmd instead.
func NewSubprocess(ctx context.Context, name, envVar string, args []string, logger *slog.Logger) (*Subprocess, error) {
	path, err := util.FindBinary(name, envVar)
	if err != nil {
		return nil, fmt.Errorf("egress: %w", err)
	}
	return NewSubprocessCmd(ctx, exec.CommandContext(ctx, path, args...), logger)
}

// NewSubprocessCmd starts a caller-configured *exec.Cmd (so stderr,
// environment, or working directory can be set first) and returns a Sink
// writing to its stdin.
func NewSubprocessCmd(_ context.Context, cmd *exec.Cmd, logger *slog.Logger) (*Subprocess, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("egress: opening subprocess stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("egress: starting %s: %w", cmd.Path, err)
	}
	logger.Info("egress subprocess started", slog.String("path", cmd.Path), slog.Int("pid", cmd.Process.Pid))
	return &Subprocess{cmd: cmd, stdin: stdin, logger: logger}, nil
}

// Write implements splice.Sink. A broken pipe here is fatal: unlike the
// TCP sink, a dead publisher subprocess needs supervision (restart,
// credential refresh) that the Orchestrator cannot perform transparently,
// so the error is returned rather than retried in place.
func (s *Subprocess) Write(pkt *splice.Packet) error {
	_, err := s.stdin.Write(pkt[:])
	if err != nil {
		return fmt.Errorf("egress: subprocess write: %w", err)
	}
	return nil
}

// Close closes the subprocess's stdin and waits for it to exit.
func (s *Subprocess) Close() error {
	if err := s.stdin.Close(); err != nil {
		s.logger.Warn("egress subprocess stdin close failed", slog.Any("error", err))
	}
	return s.cmd.Wait()
}
