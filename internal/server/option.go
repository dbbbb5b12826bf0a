package server

import (
	"crypto/tls"
	"github.com/cirruslabs/webterm/internal/server/session"
	"github.com/cirruslabs/webterm/internal/settings"
	"go.uber.org/zap"
	"net/http"
)

type Option func(*TerminalServer)

type WebsocketOriginFunc func(*http.Request) bool
type ConnectionIDGenerator func() string

func WithLogger(logger *zap.Logger) Option {
	return func(ts *TerminalServer) {
		ts.logger = logger
	}
}

// WithServerAddress adds an address to listen on. Can be specified multiple times.
func WithServerAddress(address string) Option {
	return func(ts *TerminalServer) {
		ts.addresses = append(ts.addresses, address)
	}
}

func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(ts *TerminalServer) {
		ts.tlsConfig = tlsConfig
	}
}

func WithWebsocketOriginFunc(websocketOriginFunc WebsocketOriginFunc) Option {
	return func(ts *TerminalServer) {
		ts.websocketOriginFunc = websocketOriginFunc
	}
}

// WithAuthenticationKey requires clients to present this key. Empty means no authentication.
func WithAuthenticationKey(key string) Option {
	return func(ts *TerminalServer) {
		ts.authenticationKey = key
	}
}

func WithSettingsStore(store *settings.Store) Option {
	return func(ts *TerminalServer) {
		ts.settings = store
	}
}

// WithSessionDefaults sets the operator-provided values (cwd, shell, start command,
// pty options) that take precedence over the stored settings for every new session.
func WithSessionDefaults(request session.Request) Option {
	return func(ts *TerminalServer) {
		ts.sessionDefaults = request
	}
}

func WithSpawner(spawner session.Spawner) Option {
	return func(ts *TerminalServer) {
		ts.spawner = spawner
	}
}

func WithConnectionIDGenerator(connectionIDGenerator ConnectionIDGenerator) Option {
	return func(ts *TerminalServer) {
		ts.generateConnectionID = connectionIDGenerator
	}
}

// WithGCPProjectID enables trace context propagation into the Stackdriver log entries.
func WithGCPProjectID(projectID string) Option {
	return func(ts *TerminalServer) {
		ts.gcpProjectID = projectID
	}
}
