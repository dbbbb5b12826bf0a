//go:build !windows
// +build !windows

package shellpty

import (
	"errors"
	"fmt"
	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

const readBufferSize = 32 * 1024

type ShellPTY struct {
	logger *zap.Logger
	cmd    *exec.Cmd
	pty    *os.File

	sizeLock sync.Mutex
	cols     uint16
	rows     uint16

	output     chan []byte
	progress   chan struct{}
	readerDone chan struct{}
	killed     chan struct{}
	exited     chan struct{}
	done       chan struct{}

	killGracePeriod time.Duration
	drainTimeout    time.Duration

	killOnce  sync.Once
	closeOnce sync.Once

	exitCode int
}

func Spawn(logger *zap.Logger, spec Spec) (*ShellPTY, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	program := spec.Program
	if program == "" {
		program = DetermineShellPath()
	}

	// relative paths like ./bin/shell are relative to the session's directory
	if strings.ContainsRune(program, filepath.Separator) && !filepath.IsAbs(program) && spec.Cwd != "" {
		program = filepath.Join(spec.Cwd, program)
	}

	programPath, err := exec.LookPath(program)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	cmd := exec.Command(programPath, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = spec.Options.environ()
	if credential := spec.Options.credential(); credential != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: credential}
	}

	cols, rows := winsize(spec.Cols, spec.Rows)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	logger = logger.With(zap.Int("pid", cmd.Process.Pid))
	logger.Debug("started process", zap.String("program", programPath), zap.Strings("args", spec.Args),
		zap.Uint16("cols", cols), zap.Uint16("rows", rows))

	if len(spec.Options.Extra) != 0 {
		logger.Debug("ignoring unsupported pty options", zap.Any("options", spec.Options.Extra))
	}

	sp := &ShellPTY{
		logger:     logger,
		cmd:        cmd,
		pty:        ptmx,
		cols:       cols,
		rows:       rows,
		output:     make(chan []byte),
		progress:   make(chan struct{}, 1),
		readerDone: make(chan struct{}),
		killed:     make(chan struct{}),
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
		exitCode:   -1,

		killGracePeriod: spec.KillGracePeriod,
		drainTimeout:    spec.DrainTimeout,
	}

	// Apply defaults
	if sp.killGracePeriod == 0 {
		sp.killGracePeriod = DefaultKillGracePeriod
	}
	if sp.drainTimeout == 0 {
		sp.drainTimeout = DefaultDrainTimeout
	}

	go sp.read()
	go sp.wait()

	return sp, nil
}

func (sp *ShellPTY) Pid() int {
	return sp.cmd.Process.Pid
}

// Output yields the process output in the order it was produced
// and is closed once the output stream ends.
func (sp *ShellPTY) Output() <-chan []byte {
	return sp.output
}

// Done is closed after the output stream ended and the process was reaped.
func (sp *ShellPTY) Done() <-chan struct{} {
	return sp.done
}

// ExitCode is -1 until Done is closed, and for processes terminated by a signal.
func (sp *ShellPTY) ExitCode() int {
	select {
	case <-sp.exited:
		return sp.exitCode
	default:
		return -1
	}
}

func (sp *ShellPTY) Size() (uint16, uint16) {
	sp.sizeLock.Lock()
	defer sp.sizeLock.Unlock()

	return sp.cols, sp.rows
}

// Write forwards b to the process input. Writes to a terminated process are silently dropped.
func (sp *ShellPTY) Write(b []byte) (int, error) {
	if sp.terminated() {
		return len(b), nil
	}

	n, err := sp.pty.Write(b)
	if err != nil && sp.terminated() {
		return len(b), nil
	}

	return n, err
}

// Resize is a no-op for terminated processes and for zero dimensions.
func (sp *ShellPTY) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 || sp.terminated() {
		return nil
	}

	sp.sizeLock.Lock()
	defer sp.sizeLock.Unlock()

	if err := pty.Setsize(sp.pty, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		if sp.terminated() {
			return nil
		}

		return err
	}

	sp.cols, sp.rows = cols, rows

	return nil
}

// Kill asks the process group to terminate and hangs up the terminal. Processes that are still
// around after the kill grace period are killed. Calling Kill more than once, or after the process
// exited on its own, does nothing.
func (sp *ShellPTY) Kill() {
	sp.killOnce.Do(func() {
		close(sp.killed)

		sp.logger.Debug("terminating process")

		if err := sp.signal(unix.SIGTERM); err != nil {
			sp.logger.Warn("failed to send SIGTERM", zap.Error(err))
		}

		sp.closePTY()

		go sp.escalate()
	})
}

func (sp *ShellPTY) terminated() bool {
	select {
	case <-sp.killed:
		return true
	case <-sp.exited:
		return true
	default:
		return false
	}
}

func (sp *ShellPTY) read() {
	defer func() {
		close(sp.output)
		close(sp.readerDone)

		<-sp.exited
		close(sp.done)
	}()

	buf := make([]byte, readBufferSize)

	for {
		n, err := sp.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			select {
			case sp.output <- chunk:
			case <-sp.killed:
				return
			}

			select {
			case sp.progress <- struct{}{}:
			default:
			}
		}

		if err != nil {
			// EIO is what Linux returns once the last slave descriptor is closed
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				sp.logger.Warn("failed to read from the PTY", zap.Error(err))
			}

			return
		}
	}
}

func (sp *ShellPTY) wait() {
	err := sp.cmd.Wait()

	if sp.cmd.ProcessState != nil {
		sp.exitCode = sp.cmd.ProcessState.ExitCode()
	}
	close(sp.exited)

	sp.logger.Debug("process exited", zap.Int("exit-code", sp.exitCode), zap.NamedError("wait-error", err))

	timer := time.NewTimer(sp.drainTimeout)
	defer timer.Stop()

	for {
		select {
		case <-sp.readerDone:
			sp.closePTY()
			return
		case <-sp.progress:
			timer.Reset(sp.drainTimeout)
		case <-timer.C:
			sp.logger.Debug("output is still open after exit, closing the PTY")
			sp.closePTY()
			return
		}
	}
}

func (sp *ShellPTY) escalate() {
	timer := time.NewTimer(sp.killGracePeriod)
	defer timer.Stop()

	select {
	case <-sp.exited:
	case <-timer.C:
		sp.logger.Warn("process is still running, sending SIGKILL")

		if err := sp.signal(unix.SIGKILL); err != nil {
			sp.logger.Warn("failed to send SIGKILL", zap.Error(err))
		}
	}
}

// signal targets the whole process group: the child leads its own session,
// so its pid doubles as the group id.
func (sp *ShellPTY) signal(sig unix.Signal) error {
	select {
	case <-sp.exited:
		return nil
	default:
	}

	if err := unix.Kill(-sp.cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}

	return nil
}

func (sp *ShellPTY) closePTY() {
	sp.closeOnce.Do(func() {
		if err := sp.pty.Close(); err != nil {
			sp.logger.Warn("failed to close PTY", zap.Error(err))
		}
	})
}

func (options Options) credential() *syscall.Credential {
	if options.UID == nil && options.GID == nil {
		return nil
	}

	credential := &syscall.Credential{
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}
	if options.UID != nil {
		credential.Uid = *options.UID
	}
	if options.GID != nil {
		credential.Gid = *options.GID
	}

	return credential
}

// DetermineShellPath honors $SHELL and otherwise prefers zsh on macOS, then bash, then /bin/sh.
func DetermineShellPath() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		if shellPath, err := exec.LookPath(shell); err == nil {
			return shellPath
		}
	}

	if runtime.GOOS == "darwin" {
		if zshPath, err := exec.LookPath("zsh"); err == nil {
			return zshPath
		}
	}

	if bashPath, err := exec.LookPath("bash"); err == nil {
		return bashPath
	}

	return "/bin/sh"
}
