// Package debugger owns the child console debugger process behind a session.
//
// The debugger speaks a prompt-delimited line protocol: a command is written to
// stdin followed by a newline, and the response is every line of stdout up to
// the next prompt ("0:000>"). The session does not serialize Execute calls;
// the per-session command processor is the single caller by construction, and
// keeping the lock out of this package keeps the cancellation path (which must
// touch the debugger while a read is in flight) deadlock-free.
package debugger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
)

const (
	// interruptByte is ASCII ETX, the debugger's break-in signal.
	interruptByte = 0x03

	// breakCommand forces the debugger back to a prompt after an interrupt.
	breakCommand = ".break"

	// quitCommand asks the debugger to exit.
	quitCommand = "q"

	// CancelledOutput is returned by Execute when the read was cancelled.
	// The partial output buffer is discarded.
	CancelledOutput = "Command execution was cancelled"

	// interruptSettle bounds how long CancelCurrent waits for the debugger to
	// come back to a prompt after the break sequence.
	interruptSettle = 3 * time.Second

	// silenceWarnAfter is how long the read loop tolerates a silent stream
	// before logging a warning.
	silenceWarnAfter = 5 * time.Second

	// quitGrace is how long Stop waits after the quit command before killing
	// the process group.
	quitGrace = 2 * time.Second
)

// promptRegexp recognizes the debugger prompt anywhere in a line.
var promptRegexp = regexp.MustCompile(`\d+:\d+>`)

// Config holds the session's runtime parameters.
type Config struct {
	// Path is the explicit debugger binary; empty means discover.
	Path string

	// SymbolPath is exported as _NT_SYMBOL_PATH when set.
	SymbolPath string

	// SymbolServerTimeout and SymbolServerRetries bound symbol downloads via
	// environment variables on the child.
	SymbolServerTimeout time.Duration
	SymbolServerRetries int

	// CommandTimeout bounds a single Execute and the end-to-end Start.
	CommandTimeout time.Duration

	// StartupDelay is an optional settle delay after spawn.
	StartupDelay time.Duration
}

// Session wraps a long-lived child debugger process.
//
// Lifecycle state (cmd, stdin, line channel) is guarded by lifecycleMu during
// Start/Stop. The in-flight operation cancel slot has its own small mutex.
// No method holds both at once.
type Session struct {
	cfg    Config
	logger *logger.Logger

	lifecycleMu sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	lines       chan string
	exitCh      chan struct{}
	shutdownCtx context.Context
	shutdown    context.CancelFunc

	active atomic.Bool
	exited atomic.Bool

	opMu     sync.Mutex
	opCancel context.CancelFunc

	closeOnce sync.Once
}

// NewSession creates a session; the debugger process is not started until Start.
func NewSession(cfg Config, log *logger.Logger) *Session {
	return &Session{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "debugger-session")),
	}
}

// Start locates the debugger binary and spawns it against the given target
// (a dump file or similar), replacing any session already running. The whole
// start, including the wait for the initial prompt, is bounded by the
// configured command timeout.
func (s *Session) Start(ctx context.Context, target string, args []string) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.active.Load() {
		s.stopLocked()
	}

	deadline := s.cfg.CommandTimeout
	startCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	path, err := locateExecutable(s.cfg.Path)
	if err != nil {
		return err
	}

	argv := args
	if target != "" {
		argv = append([]string{"-z", target}, args...)
	}

	cmd := exec.CommandContext(context.Background(), path, argv...)
	cmd.Env = s.childEnv()
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperrors.DebuggerUnavailable(fmt.Sprintf("failed to attach stdin: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.DebuggerUnavailable(fmt.Sprintf("failed to attach stdout: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apperrors.DebuggerUnavailable(fmt.Sprintf("failed to attach stderr: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return apperrors.DebuggerUnavailable(fmt.Sprintf("failed to start debugger: %v", err))
	}

	s.cmd = cmd
	s.stdin = stdin
	s.lines = make(chan string, 256)
	s.exitCh = make(chan struct{})
	s.shutdownCtx, s.shutdown = context.WithCancel(context.Background())
	s.exited.Store(false)

	go s.readLines(stdout, s.lines)
	go s.drainStderr(stderr)
	go s.waitExit(cmd, s.exitCh)

	if s.cfg.StartupDelay > 0 {
		select {
		case <-time.After(s.cfg.StartupDelay):
		case <-startCtx.Done():
		}
	}

	// The debugger prints a banner and then its first prompt; the session is
	// not usable before that.
	if err := s.awaitInitialPrompt(startCtx); err != nil {
		s.stopLocked()
		return err
	}

	s.active.Store(true)
	s.logger.Info("debugger session started",
		zap.String("path", path),
		zap.String("target", target))
	return nil
}

// childEnv builds the child environment with the symbol server variables applied.
func (s *Session) childEnv() []string {
	env := os.Environ()
	if s.cfg.SymbolPath != "" {
		env = append(env, "_NT_SYMBOL_PATH="+s.cfg.SymbolPath)
	}
	if s.cfg.SymbolServerTimeout > 0 {
		env = append(env, fmt.Sprintf("SYMSRV_TIMEOUT=%d", s.cfg.SymbolServerTimeout.Milliseconds()))
	}
	if s.cfg.SymbolServerRetries > 0 {
		env = append(env, fmt.Sprintf("SYMSRV_RETRIES=%d", s.cfg.SymbolServerRetries))
	}
	return env
}

// awaitInitialPrompt consumes startup output until the first prompt.
func (s *Session) awaitInitialPrompt(ctx context.Context) error {
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return apperrors.DebuggerUnavailable("debugger exited before first prompt")
			}
			if promptRegexp.MatchString(line) {
				return nil
			}
		case <-s.exitCh:
			return apperrors.DebuggerUnavailable("debugger exited before first prompt")
		case <-ctx.Done():
			return apperrors.Timeout(fmt.Sprintf("debugger start exceeded %s", s.cfg.CommandTimeout))
		}
	}
}

// IsActive reports whether the session has a live debugger process. Lock-free.
func (s *Session) IsActive() bool {
	return s.active.Load() && !s.exited.Load()
}

// Execute writes a command line to the debugger and reads output until the
// next prompt. The read is bounded by the per-call command timeout, the
// caller's context, and session shutdown, whichever fires first.
//
// Execute is not internally serialized; the command processor is the single
// caller per session.
func (s *Session) Execute(ctx context.Context, command string) (string, error) {
	if !s.IsActive() {
		return "", apperrors.DebuggerUnavailable("debugger session is not active")
	}

	opCtx, opCancel := context.WithCancel(ctx)
	defer opCancel()
	s.setOpCancel(opCancel)
	defer s.setOpCancel(nil)

	execCtx, cancel := context.WithTimeout(opCtx, s.cfg.CommandTimeout)
	defer cancel()

	s.drainStale()

	if err := s.writeLine(command); err != nil {
		return "", apperrors.Transient("failed to write command", err)
	}

	var output []string
	silence := time.NewTimer(silenceWarnAfter)
	defer silence.Stop()

	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return "", apperrors.DebuggerUnavailable("debugger output stream closed")
			}
			if promptRegexp.MatchString(line) {
				return strings.Join(output, "\n"), nil
			}
			output = append(output, line)
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(silenceWarnAfter)

		case <-silence.C:
			s.logger.Warn("no debugger output",
				zap.Duration("silent_for", silenceWarnAfter),
				zap.String("command", command))
			silence.Reset(silenceWarnAfter)

		case <-s.shutdownCtx.Done():
			s.discardPartial(command, output)
			return CancelledOutput, apperrors.Cancelled("session shut down during read")

		case <-execCtx.Done():
			s.discardPartial(command, output)
			return CancelledOutput, execCtx.Err()

		case <-s.exitCh:
			return "", apperrors.DebuggerUnavailable("debugger process exited")
		}
	}
}

// discardPartial logs the partial buffer for postmortem and drops it.
func (s *Session) discardPartial(command string, output []string) {
	if len(output) == 0 {
		return
	}
	s.logger.Debug("discarding partial output after cancellation",
		zap.String("command", command),
		zap.Int("lines", len(output)))
}

// CancelCurrent cancels the in-flight Execute and writes the interrupt
// sequence (ETX, then the break command) so the debugger returns to a prompt.
// Both writes are best-effort against possibly torn-down streams, and the
// caller is never blocked longer than the fixed settle wait.
func (s *Session) CancelCurrent() {
	s.opMu.Lock()
	if s.opCancel != nil {
		s.opCancel()
	}
	s.opMu.Unlock()

	if s.writable() {
		if _, err := s.stdin.Write([]byte{interruptByte}); err != nil {
			s.logger.Debug("interrupt write failed", zap.Error(err))
		}
		if err := s.writeLine(breakCommand); err != nil {
			s.logger.Debug("break command write failed", zap.Error(err))
		}
	}

	select {
	case <-time.After(interruptSettle):
	case <-s.shutdownChan():
	}
}

// Stop quits the debugger, waits a grace period, and kills the process group
// if it is still alive. Returns true if a process was stopped.
func (s *Session) Stop() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.stopLocked()
}

func (s *Session) stopLocked() bool {
	if s.cmd == nil {
		return false
	}

	s.active.Store(false)
	if s.shutdown != nil {
		s.shutdown()
	}

	if s.writable() {
		if err := s.writeLine(quitCommand); err != nil {
			s.logger.Debug("quit command write failed", zap.Error(err))
		}
	}

	select {
	case <-s.exitCh:
	case <-time.After(quitGrace):
		if s.cmd.Process != nil {
			if err := killProcessGroup(s.cmd.Process.Pid); err != nil {
				s.logger.Debug("process group kill failed", zap.Error(err))
			}
		}
		select {
		case <-s.exitCh:
		case <-time.After(quitGrace):
			s.logger.Warn("debugger did not exit after kill")
		}
	}

	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	s.cmd = nil
	s.stdin = nil

	s.logger.Info("debugger session stopped")
	return true
}

// Close stops the session exactly once; safe on an already-stopped session.
func (s *Session) Close() {
	s.closeOnce.Do(func() { s.Stop() })
}

func (s *Session) setOpCancel(cancel context.CancelFunc) {
	s.opMu.Lock()
	s.opCancel = cancel
	s.opMu.Unlock()
}

// writable reports whether the stdin stream can still be written to.
func (s *Session) writable() bool {
	return s.stdin != nil && !s.exited.Load()
}

func (s *Session) writeLine(line string) error {
	if s.stdin == nil {
		return fmt.Errorf("stdin not attached")
	}
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

// shutdownChan returns the shutdown signal, or a never-firing channel when the
// session was never started.
func (s *Session) shutdownChan() <-chan struct{} {
	if s.shutdownCtx == nil {
		return make(chan struct{})
	}
	return s.shutdownCtx.Done()
}

// drainStale consumes lines left over from a previous cancelled command so
// they cannot pollute the next command's output. Logged for postmortem.
func (s *Session) drainStale() {
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return
			}
			s.logger.Debug("stale debugger output", zap.String("line", line))
		default:
			return
		}
	}
}

// readLines reads stdout and emits complete lines. A trailing unterminated
// fragment that matches the prompt pattern is emitted as a line too; the
// debugger writes its prompt without a newline while waiting for input.
func (s *Session) readLines(r io.Reader, out chan<- string) {
	defer close(out)

	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimRight(string(pending[:idx]), "\r")
				pending = pending[idx+1:]
				out <- line
			}
			if len(pending) > 0 && promptRegexp.Match(pending) {
				out <- string(pending)
				pending = pending[:0]
			}
		}
		if err != nil {
			if len(pending) > 0 {
				out <- string(pending)
			}
			if err != io.EOF {
				s.logger.Debug("stdout read error", zap.Error(err))
			}
			return
		}
	}
}

// drainStderr captures debugger stderr into the log for postmortem.
func (s *Session) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.logger.Debug("debugger stderr", zap.String("output", strings.TrimRight(string(buf[:n]), "\n")))
		}
		if err != nil {
			return
		}
	}
}

// waitExit blocks until the process exits and records the fact.
func (s *Session) waitExit(cmd *exec.Cmd, exitCh chan struct{}) {
	err := cmd.Wait()
	s.exited.Store(true)
	close(exitCh)
	if err != nil {
		s.logger.Debug("debugger process exited", zap.Error(err))
	} else {
		s.logger.Debug("debugger process exited")
	}
}
