package shellpty

import (
	"errors"
	"fmt"
	"go.uber.org/zap"
)

var ErrUnsupported = errors.New("PTY sessions are not supported on Windows yet, see https://github.com/creack/pty/pull/109")

type ShellPTY struct{}

func Spawn(logger *zap.Logger, spec Spec) (*ShellPTY, error) {
	return nil, fmt.Errorf("%w: %w", ErrSpawn, ErrUnsupported)
}

func (sp *ShellPTY) Pid() int { return 0 }
func (sp *ShellPTY) Output() <-chan []byte { return nil }
func (sp *ShellPTY) Done() <-chan struct{} { return nil }
func (sp *ShellPTY) ExitCode() int { return -1 }
func (sp *ShellPTY) Size() (uint16, uint16) { return 0, 0 }
func (sp *ShellPTY) Write(b []byte) (int, error) { return len(b), nil }
func (sp *ShellPTY) Resize(cols, rows uint16) error { return nil }
func (sp *ShellPTY) Kill() {}

func DetermineShellPath() string {
	return "cmd.exe"
}
