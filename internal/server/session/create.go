package session

import (
	"errors"
	"fmt"
	"github.com/cirruslabs/webterm/internal/settings"
	"github.com/cirruslabs/webterm/internal/shellpty"
	"go.uber.org/zap"
	"os"
)

var ErrCreate = errors.New("failed to create session")

// Request carries what the client and the operator asked for. Empty values
// fall back to the stored settings and then to the built-in defaults.
type Request struct {
	Cols    uint16
	Rows    uint16
	Cwd     string
	Shell   string
	Start   string
	Options shellpty.Options
}

type SettingsReader interface {
	Read() (settings.Document, error)
}

type Spawner func(logger *zap.Logger, spec shellpty.Spec) (Process, error)

// Environment is what a Session needs from the outside world to get created.
type Environment struct {
	Settings SettingsReader
	Spawn    Spawner
}

func ShellPTYSpawner(logger *zap.Logger, spec shellpty.Spec) (Process, error) {
	sp, err := shellpty.Spawn(logger, spec)
	if err != nil {
		return nil, err
	}

	return sp, nil
}

// Create spawns the process for the request and wraps it into a Session
// talking to conn. The returned Session still needs to be started.
func Create(logger *zap.Logger, conn Conn, request Request, env Environment, opts ...Option) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	spec, err := resolve(logger, request, env.Settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	spawn := env.Spawn
	if spawn == nil {
		spawn = ShellPTYSpawner
	}

	process, err := spawn(logger, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	return New(logger, conn, process, opts...), nil
}

func resolve(logger *zap.Logger, request Request, settingsReader SettingsReader) (shellpty.Spec, error) {
	document := settings.Default()

	if settingsReader != nil {
		var err error

		document, err = settingsReader.Read()
		if err != nil {
			logger.Warn("using default settings", zap.Error(err))
		}
	}

	program, args, err := shellpty.SplitCommand(firstNonEmpty(request.Shell, document.General.Shell))
	if err != nil {
		return shellpty.Spec{}, err
	}

	if start := firstNonEmpty(request.Start, document.General.CustomCommand); start != "" {
		if program == "" {
			program = shellpty.DetermineShellPath()
		}

		args = append(args, "-c", start)
	}

	cwd := request.Cwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return shellpty.Spec{}, err
		}
	}

	cols, rows := request.Cols, request.Rows
	if cols == 0 {
		cols = shellpty.DefaultWidthColumns
	}
	if rows == 0 {
		rows = shellpty.DefaultHeightRows
	}

	return shellpty.Spec{
		Program: program,
		Args:    args,
		Cwd:     cwd,
		Cols:    cols,
		Rows:    rows,
		Options: request.Options,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}

	return ""
}
