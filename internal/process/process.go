package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/restreamer/internal/logging"
)

// OutputHandler receives output lines from the subprocess.
type OutputHandler interface {
	HandleLine(source, line string)
}

// OutputHandlerFunc adapts a function to OutputHandler.
type OutputHandlerFunc func(source, line string)

// HandleLine implements OutputHandler.
func (f OutputHandlerFunc) HandleLine(source, line string) { f(source, line) }

// LogParser parses a log line and returns the log level and message.
type LogParser func(line string) (level, msg string)

// Spec describes the command to run.
type Spec struct {
	ID     string
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// Exit describes how a process ended.
type Exit struct {
	Code   int            `json:"code"` // -1 when terminated by a signal
	Signal syscall.Signal `json:"signal,omitempty"`
	Err    error          `json:"-"` // wait failure unrelated to the exit status
}

// Signaled reports whether the process was terminated by a signal.
func (e Exit) Signaled() bool {
	return e.Signal != 0
}

// String formats the exit for logs.
func (e Exit) String() string {
	if e.Signaled() {
		return "signal " + e.Signal.String()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// exitFromError converts the result of exec.Cmd.Wait.
func exitFromError(err error) Exit {
	if err == nil {
		return Exit{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return Exit{Code: -1, Signal: status.Signal()}
		}
		return Exit{Code: exitErr.ExitCode()}
	}
	return Exit{Code: 1, Err: err}
}

// Process is a running detached subprocess.
type Process struct {
	id     string
	cmd    *exec.Cmd
	pid    int
	logger *slog.Logger

	processLogger *slog.Logger
	logParser     LogParser
	handler       OutputHandler

	done chan struct{}
	exit Exit
}

// Option configures a Process.
type Option func(*Process)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Process) { p.logger = logger }
}

// WithOutputHandler sets the receiver of raw output lines.
func WithOutputHandler(handler OutputHandler) Option {
	return func(p *Process) { p.handler = handler }
}

// WithLogParser re-logs output lines on logger at the level parser returns.
func WithLogParser(logger *slog.Logger, parser LogParser) Option {
	return func(p *Process) {
		p.processLogger = logger
		p.logParser = parser
	}
}

// Start spawns the subprocess in a new session and begins consuming its output.
func Start(spec Spec, opts ...Option) (*Process, error) {
	if spec.Binary == "" {
		return nil, errors.New("empty command")
	}

	p := &Process{
		id:     spec.ID,
		logger: logging.GetLogger("process"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Binary, err)
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.logger.Info("Process started", "id", p.id, "pid", p.pid, "binary", spec.Binary)

	var output sync.WaitGroup
	output.Add(2)
	go func() {
		defer output.Done()
		p.streamOutput(stdout, "stdout")
	}()
	go func() {
		defer output.Done()
		p.streamOutput(stderr, "stderr")
	}()

	go func() {
		// Pipes must be drained before Wait closes them.
		output.Wait()
		p.exit = exitFromError(cmd.Wait())
		if p.exit.Err != nil {
			p.logger.Error("Process wait failed", "id", p.id, "pid", p.pid, "error", p.exit.Err)
		}
		p.logger.Info("Process exited", "id", p.id, "pid", p.pid, "exit", p.exit.String())
		close(p.done)
	}()

	return p, nil
}

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.pid }

// Done is closed after the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exit returns the exit status. Valid only after Done is closed.
func (p *Process) Exit() Exit {
	<-p.done
	return p.exit
}

// Terminate asks the process to exit with SIGTERM.
func (p *Process) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group, falling back to the process alone.
func (p *Process) Kill() error {
	if err := syscall.Kill(-p.pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.signal(syscall.SIGKILL)
}

func (p *Process) signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return fmt.Errorf("failed to send %s to pid %d: %w", sig, p.pid, err)
	}
	return nil
}

func (p *Process) streamOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	logger := p.processLogger
	if logger == nil {
		logger = p.logger
	}

	for scanner.Scan() {
		line := scanner.Text()

		if p.handler != nil {
			p.handler.HandleLine(source, line)
		}

		level, msg := "info", line
		if p.logParser != nil {
			level, msg = p.logParser(line)
		}

		switch level {
		case "panic", "fatal", "error":
			logger.Error(msg, "id", p.id)
		case "warning":
			logger.Warn(msg, "id", p.id)
		case "debug", "trace", "verbose":
			logger.Debug(msg, "id", p.id)
		default:
			logger.Info(msg, "id", p.id)
		}
	}

	if err := scanner.Err(); err != nil {
		p.logger.Warn("Error reading output", "id", p.id, "source", source, "error", err)
	}
}

// Alive reports whether a process with pid exists and can be signalled.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// TerminatePID stops a process this binary did not start, such as an encoder
// left running by a previous instance. SIGTERM is sent to the process group,
// then SIGKILL once grace has elapsed.
func TerminatePID(pid int, grace time.Duration) error {
	if !Alive(pid) {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to terminate pid %d: %w", pid, err)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("failed to kill pid %d: %w", pid, err)
		}
	}
	return nil
}
