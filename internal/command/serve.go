package command

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/cirruslabs/webterm/internal/config"
	"github.com/cirruslabs/webterm/internal/server"
	"github.com/cirruslabs/webterm/internal/server/session"
	"github.com/cirruslabs/webterm/internal/settings"
	"github.com/cirruslabs/webterm/internal/shellpty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"net/http"
	"os"
)

var ErrInvalidFlags = errors.New("invalid flags")

var serverAddress string
var cwd string
var shell string
var start string
var ptyOptions string
var authenticationKey string
var settingsPath string
var tlsCert string
var tlsKey string
var allowedOrigins []string

func serve(cmd *cobra.Command, args []string) error {
	logger, gcpProjectID, err := newLogger(logLevel, logFormat)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	parsedPTYOptions, err := shellpty.ParseOptions(ptyOptions)
	if err != nil {
		return fmt.Errorf("%w: make sure --pty-options is a JSON object: %v", ErrInvalidFlags, err)
	}

	tlsConfig, err := loadTLSConfig(logger, tlsCert, tlsKey)
	if err != nil {
		return err
	}

	if cwd != "" {
		if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
			logger.Warn("working directory is not usable, falling back to the server's one",
				zap.String("cwd", cwd), zap.NamedError("stat-error", err))
			cwd = ""
		}
	}

	store := settings.Open(settingsPath, settings.WithLogger(logger))

	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithServerAddress(serverAddress),
		server.WithAuthenticationKey(authenticationKey),
		server.WithSettingsStore(store),
		server.WithSessionDefaults(session.Request{
			Cwd:     cwd,
			Shell:   shell,
			Start:   start,
			Options: parsedPTYOptions,
		}),
		server.WithGCPProjectID(gcpProjectID),
	}

	if len(allowedOrigins) != 0 {
		serverOpts = append(serverOpts, server.WithWebsocketOriginFunc(func(request *http.Request) bool {
			for _, allowedOrigin := range allowedOrigins {
				if request.Header.Get("Origin") == allowedOrigin {
					return true
				}
			}

			return false
		}))
	}

	if tlsConfig != nil {
		serverOpts = append(serverOpts, server.WithTLSConfig(tlsConfig))
	}

	terminalServer, err := server.New(serverOpts...)
	if err != nil {
		return err
	}

	logger.Info("web terminal is ready",
		zap.Strings("addresses", terminalServer.Addresses()),
		zap.Bool("tls", tlsConfig != nil),
		zap.Bool("authentication", authenticationKey != ""),
		zap.String("settings", store.Path()),
	)

	if err := terminalServer.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// loadTLSConfig returns nil when TLS is not configured. A lone --cert or --key
// is ignored with a warning and the server falls back to plain HTTP.
func loadTLSConfig(logger *zap.Logger, certPath string, keyPath string) (*tls.Config, error) {
	if certPath == "" && keyPath == "" {
		return nil, nil
	}

	if certPath == "" || keyPath == "" {
		logger.Warn("both --cert and --key are needed for TLS, serving plain HTTP",
			zap.String("cert", certPath), zap.String("key", keyPath))

		return nil, nil
	}

	certificate, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{certificate},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Run the terminal server (WebSocket, gRPC and gRPC-Web on the same port)",
		RunE:  serve,
	}

	cmd.PersistentFlags().StringVarP(&serverAddress, "listen", "l", cfg.ListenAddress(),
		"address to listen on")
	cmd.PersistentFlags().StringVarP(&cwd, "cwd", "c", cfg.Cwd,
		"working directory of the terminals (defaults to the server's working directory)")
	cmd.PersistentFlags().StringVarP(&shell, "shell", "b", cfg.Shell,
		"shell to run, e.g. \"zsh -l\" (defaults to the stored settings, then to $SHELL)")
	cmd.PersistentFlags().StringVarP(&start, "start", "s", cfg.Start,
		"command to run in the shell instead of an interactive session")
	cmd.PersistentFlags().StringVarP(&ptyOptions, "pty-options", "P", cfg.PTYOptions,
		"PTY options as a JSON object, e.g. {\"name\": \"xterm-256color\", \"env\": {\"LANG\": \"C.UTF-8\"}}")
	cmd.PersistentFlags().StringVar(&authenticationKey, "authentication-key", cfg.AuthenticationKey,
		"require clients to pass this key in the \"key\" query parameter")
	cmd.PersistentFlags().StringVar(&settingsPath, "settings", cfg.SettingsPath,
		fmt.Sprintf("path to the settings file (default %q)", settings.DefaultPath()))
	cmd.PersistentFlags().StringVarP(&tlsCert, "cert", "C", cfg.TLSCert,
		"TLS certificate (PEM), requires --key")
	cmd.PersistentFlags().StringVarP(&tlsKey, "key", "K", cfg.TLSKey,
		"TLS private key (PEM), requires --cert")
	cmd.PersistentFlags().StringSliceVar(&allowedOrigins, "allowed-origins", cfg.AllowedOrigins,
		"a list comma-separated origins that are allowed to open WebSockets (defaults to any origin)")

	return cmd
}
