package command

import (
	"cloud.google.com/go/compute/metadata"
	"fmt"
	"github.com/blendle/zapdriver"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	logFormatConsole     = "console"
	logFormatJSON        = "json"
	logFormatStackdriver = "stackdriver"

	serviceName = "webterm"
)

var logFormats = []string{logFormatConsole, logFormatJSON, logFormatStackdriver}

// newLogger builds the logger for the requested level and format. With the Stackdriver format
// on GCE it also returns the project ID, so that log entries can be linked to traces.
func newLogger(level string, format string) (*zap.Logger, string, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, "", err
	}

	var loggerConfig zap.Config
	var options []zap.Option

	switch format {
	case logFormatConsole:
		loggerConfig = zap.NewDevelopmentConfig()
	case logFormatJSON:
		loggerConfig = zap.NewProductionConfig()
	case logFormatStackdriver:
		loggerConfig = zapdriver.NewProductionConfig()
		options = append(options, zapdriver.WrapCore(
			zapdriver.ReportAllErrors(true),
			zapdriver.ServiceName(serviceName),
		))
	default:
		return nil, "", fmt.Errorf("unsupported log format %q", format)
	}

	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := loggerConfig.Build(options...)
	if err != nil {
		return nil, "", err
	}

	var gcpProjectID string

	if format == logFormatStackdriver && metadata.OnGCE() {
		gcpProjectID, err = metadata.ProjectID()
		if err != nil {
			logger.Warn("failed to determine the GCP project, trace context won't be logged", zap.Error(err))
		}
	}

	return logger, gcpProjectID, nil
}
