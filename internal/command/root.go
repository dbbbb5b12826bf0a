package command

import (
	"fmt"
	"github.com/cirruslabs/webterm/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"strings"
)

var logLevel string
var logFormat string

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "webterm",
		Short:         "Terminals in the browser, backed by real PTYs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cfg, err := config.Load()
	if err != nil {
		cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("failed to load configuration from the environment: %w", err)
		}
		cfg = &config.Config{Port: "7010", LogLevel: "info", LogFormat: logFormatConsole}
	}

	var logLevelNames []string
	for level := zapcore.DebugLevel; level <= zapcore.FatalLevel; level++ {
		logLevelNames = append(logLevelNames, level.String())
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel,
		fmt.Sprintf("logging level (possible levels: %s)", strings.Join(logLevelNames, ", ")))
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", cfg.LogFormat,
		fmt.Sprintf("logging format (possible formats: %s)", strings.Join(logFormats, ", ")))

	cmd.AddCommand(newServeCmd(cfg), newAttachCmd(cfg))

	return cmd
}
