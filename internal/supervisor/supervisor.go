// Package supervisor owns a locally launched inference process.
//
// A Supervisor is a backend.Backend: it forwards calls to the process over
// HTTP and additionally tracks whether the process is alive and ready.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cozy-creator/plate-gateway/internal/backend"
	"github.com/cozy-creator/plate-gateway/internal/types"

	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeReady       Outcome = "ready"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeSpawnFailed Outcome = "spawn-failed"
)

var ErrAlreadyStarted = errors.New("supervisor already started")

type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Marker  string
	Startup time.Duration
	Grace   time.Duration
}

type Supervisor struct {
	*backend.HTTPBackend

	proto     Command
	readiness *backend.Readiness
	logger    *zap.Logger
	inference *zap.Logger

	mx       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	exitCode int
	done     chan struct{}
	ready    chan struct{}
	once     sync.Once
}

// New builds a supervisor for the process described by proto, reachable at
// baseURL once it is up. Extra backend options are applied after the
// supervisor installs its readiness and logger.
func New(baseURL string, proto Command, logger *zap.Logger, opts ...backend.Option) (*Supervisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	readiness := backend.NewReadiness(backend.StateStarting)
	opts = append([]backend.Option{backend.WithReadiness(readiness), backend.WithLogger(logger)}, opts...)

	hb, err := backend.NewHTTPBackend(baseURL, opts...)
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		HTTPBackend: hb,
		proto:       proto,
		readiness:   readiness,
		logger:      logger.Named("supervisor"),
		inference:   logger.Named("inference"),
		exitCode:    -1,
		ready:       make(chan struct{}),
	}, nil
}

// Start launches the process and blocks until it prints the readiness
// marker, the startup ceiling elapses or ctx is done. A spawn failure is
// logged and reported as an outcome, never as an error: the gateway keeps
// serving with the backend marked down.
func (s *Supervisor) Start(ctx context.Context) Outcome {
	s.mx.Lock()
	if s.cmd != nil {
		s.mx.Unlock()
		s.logger.Warn("start called twice", zap.Error(ErrAlreadyStarted))
		if s.readiness.IsReady() {
			return OutcomeReady
		}
		return OutcomeTimeout
	}

	cmd := exec.Command(s.proto.Path, s.proto.Args...)
	cmd.Dir = s.proto.Dir
	cmd.Env = append(os.Environ(), s.proto.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mx.Unlock()
		return s.spawnFailed(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mx.Unlock()
		return s.spawnFailed(err)
	}

	if err := cmd.Start(); err != nil {
		s.mx.Unlock()
		return s.spawnFailed(err)
	}

	s.cmd = cmd
	s.running = true
	s.done = make(chan struct{})
	s.mx.Unlock()

	s.logger.Info("inference process started",
		zap.String("path", s.proto.Path),
		zap.Strings("args", s.proto.Args),
		zap.Int("pid", cmd.Process.Pid),
	)

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.scan(&pipes, "stdout", stdout)
	go s.scan(&pipes, "stderr", stderr)
	go s.wait(cmd, &pipes)

	timer := time.NewTimer(s.proto.Startup)
	defer timer.Stop()

	select {
	case <-s.ready:
		s.logger.Info("inference process ready")
		return OutcomeReady
	case <-s.done:
		s.logger.Warn("inference process exited before becoming ready", zap.Int("exit_code", s.ExitCode()))
		return OutcomeTimeout
	case <-timer.C:
		s.logger.Warn("inference process did not report readiness in time, serving anyway",
			zap.Duration("startup_timeout", s.proto.Startup))
		return OutcomeTimeout
	case <-ctx.Done():
		return OutcomeTimeout
	}
}

func (s *Supervisor) spawnFailed(err error) Outcome {
	s.readiness.Store(backend.StateDegraded)
	s.logger.Error("failed to spawn inference process",
		zap.String("path", s.proto.Path),
		zap.Error(err),
	)
	return OutcomeSpawnFailed
}

// scan forwards process output line by line and watches for the marker.
func (s *Supervisor) scan(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		s.inference.Info(line, zap.String("stream", stream))

		if s.proto.Marker != "" && strings.Contains(line, s.proto.Marker) {
			s.markReady()
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn("stopped reading process output", zap.String("stream", stream), zap.Error(err))
		// Keep the pipe flowing so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *Supervisor) markReady() {
	s.once.Do(func() {
		if s.readiness.CompareAndSwap(backend.StateStarting, backend.StateReady) {
			close(s.ready)
		}
	})
}

func (s *Supervisor) wait(cmd *exec.Cmd, pipes *sync.WaitGroup) {
	// Drain output before Wait closes the pipes.
	pipes.Wait()
	err := cmd.Wait()

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	s.mx.Lock()
	s.running = false
	s.exitCode = code
	s.mx.Unlock()

	if s.readiness.Load() != backend.StateStopped {
		s.readiness.Store(backend.StateDegraded)
		s.logger.Error("inference process exited", zap.Int("exit_code", code), zap.Error(err))
	} else {
		s.logger.Info("inference process stopped", zap.Int("exit_code", code))
	}

	close(s.done)
}

func (s *Supervisor) IsReady() bool {
	return s.readiness.IsReady()
}

// Running reports whether the supervised process is alive.
func (s *Supervisor) Running() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.running
}

// ExitCode is the last observed exit code, or -1 while running or never started.
func (s *Supervisor) ExitCode() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.exitCode
}

// Done is closed once the process has exited. It is nil before a successful Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.done
}

// Call refuses to dial a process that is known to be down.
func (s *Supervisor) Call(ctx context.Context, capability backend.Capability, filename string, image []byte) (*types.DetectionResult, error) {
	if !s.Running() {
		return nil, fmt.Errorf("%w: %w", backend.ErrUnavailable, backend.ErrNotRunning)
	}

	return s.HTTPBackend.Call(ctx, capability, filename, image)
}

// Shutdown sends SIGTERM to the process group, waits for the grace period
// and then kills it. It is safe to call more than once and on a supervisor
// whose process never started.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.readiness.Store(backend.StateStopped)

	s.mx.Lock()
	cmd, running, done := s.cmd, s.running, s.done
	s.mx.Unlock()

	if cmd == nil || !running {
		return nil
	}

	s.logger.Info("stopping inference process", zap.Int("pid", cmd.Process.Pid))
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		s.logger.Debug("sending SIGTERM", zap.Error(err))
	}

	grace := time.NewTimer(s.proto.Grace)
	defer grace.Stop()

	select {
	case <-done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn("inference process did not exit in time, killing")
	if err := signalGroup(cmd, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill inference process: %w", err)
	}

	<-done
	return nil
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err == nil {
		return nil
	}

	return cmd.Process.Signal(sig)
}
