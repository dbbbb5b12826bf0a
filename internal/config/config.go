package config

import (
	"github.com/kelseyhightower/envconfig"
	"net"
)

// Prefix of the environment variables, e.g. WEBTERM_PORT. Variables with an explicit name also
// fall back to the unprefixed one, so a plain PORT works too.
const Prefix = "WEBTERM"

// Config holds the defaults of the command-line flags.
type Config struct {
	Port       string `envconfig:"PORT" default:"7010"`
	ListenHost string `envconfig:"LISTEN_HOST" default:""`

	Cwd        string `envconfig:"CWD"`
	Shell      string `envconfig:"SHELL_PROGRAM"`
	Start      string `envconfig:"START"`
	PTYOptions string `envconfig:"PTY_OPTIONS"`

	AuthenticationKey string   `envconfig:"AUTHENTICATION_KEY"`
	AllowedOrigins    []string `envconfig:"ALLOWED_ORIGINS"`
	TLSCert           string   `envconfig:"TLS_CERT"`
	TLSKey            string   `envconfig:"TLS_KEY"`

	SettingsPath string `envconfig:"SETTINGS_PATH"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
}

func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) ListenAddress() string {
	return net.JoinHostPort(cfg.ListenHost, cfg.Port)
}
