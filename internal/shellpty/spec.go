package shellpty

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/anmitsu/go-shlex"
	"github.com/mitchellh/mapstructure"
	"os"
	"sort"
	"time"
)

const (
	DefaultWidthColumns = 80
	DefaultHeightRows   = 24

	// DefaultKillGracePeriod is how long a killed process may take to exit before it receives SIGKILL.
	DefaultKillGracePeriod = 3 * time.Second

	// DefaultDrainTimeout bounds how long output is still drained after the process exited.
	// Orphans that inherited the pty slave would otherwise hold the output stream open forever.
	DefaultDrainTimeout = 1 * time.Second

	defaultTermName = "xterm"
)

var (
	ErrSpawn          = errors.New("failed to spawn process")
	ErrInvalidOptions = errors.New("invalid pty options")
	ErrInvalidCommand = errors.New("invalid command line")
)

// Spec describes the process to start and the terminal it gets attached to.
type Spec struct {
	// Program is resolved through $PATH. Empty means the default shell.
	Program string
	Args    []string
	Cwd     string
	Cols    uint16
	Rows    uint16
	Options Options

	// Zero values mean DefaultKillGracePeriod and DefaultDrainTimeout
	KillGracePeriod time.Duration
	DrainTimeout    time.Duration
}

// Options are the pty allocation options that operators pass through as a JSON object.
// Keys we don't know about end up in Extra.
type Options struct {
	Name  string                 `mapstructure:"name"`
	Env   map[string]string      `mapstructure:"env"`
	UID   *uint32                `mapstructure:"uid"`
	GID   *uint32                `mapstructure:"gid"`
	Extra map[string]interface{} `mapstructure:",remain"`
}

func ParseOptions(text string) (Options, error) {
	if text == "" {
		return Options{}, nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	return DecodeOptions(raw)
}

func DecodeOptions(raw map[string]interface{}) (Options, error) {
	var options Options

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &options,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Options{}, err
	}

	if err := decoder.Decode(raw); err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	return options, nil
}

func (options Options) termName() string {
	if options.Name == "" {
		return defaultTermName
	}

	return options.Name
}

// environ inherits this process environment, sets TERM to avoid
// "Error opening terminal: unknown." and then applies the overrides.
func (options Options) environ() []string {
	env := append(os.Environ(), "TERM="+options.termName())

	keys := make([]string, 0, len(options.Env))
	for key := range options.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		env = append(env, key+"="+options.Env[key])
	}

	return env
}

// SplitCommand splits a shell setting such as "zsh -l" into a program and its arguments
// using POSIX shell word rules.
func SplitCommand(command string) (string, []string, error) {
	words, err := shlex.Split(command, true)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	if len(words) == 0 {
		return "", nil, nil
	}

	return words[0], words[1:], nil
}

func winsize(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = DefaultWidthColumns
	}
	if rows == 0 {
		rows = DefaultHeightRows
	}

	return cols, rows
}
