package server

import (
	"context"
	"crypto/tls"
	"errors"
	"github.com/cirruslabs/webterm/internal/auth"
	"github.com/cirruslabs/webterm/internal/protocol"
	"github.com/cirruslabs/webterm/internal/server/registry"
	"github.com/cirruslabs/webterm/internal/server/session"
	"github.com/cirruslabs/webterm/internal/settings"
	"github.com/google/uuid"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	keepaliveInterval = 1 * time.Minute
	readHeaderTimeout = 5 * time.Second
)

type TerminalServer struct {
	logger *zap.Logger

	addresses []string
	listeners []net.Listener
	tlsConfig *tls.Config

	authenticationKey string
	gate              *auth.Gate

	settings        *settings.Store
	sessionDefaults session.Request
	spawner         session.Spawner
	registry        *registry.Registry

	clientsLock sync.RWMutex
	clients     map[string]client

	metrics *metrics

	websocketOriginFunc  WebsocketOriginFunc
	generateConnectionID ConnectionIDGenerator

	gcpProjectID string
}

func New(opts ...Option) (*TerminalServer, error) {
	ts := &TerminalServer{
		registry: registry.New(),
		clients:  make(map[string]client),
		metrics:  newMetrics(),
	}

	// Apply options
	for _, opt := range opts {
		opt(ts)
	}

	// Apply defaults
	if ts.logger == nil {
		ts.logger = zap.NewNop()
	}
	if ts.settings == nil {
		ts.settings = settings.Open(settings.DefaultPath(), settings.WithLogger(ts.logger))
	}
	if ts.spawner == nil {
		ts.spawner = session.ShellPTYSpawner
	}
	if ts.websocketOriginFunc == nil {
		ts.websocketOriginFunc = func(request *http.Request) bool {
			return true
		}
	}
	if ts.generateConnectionID == nil {
		ts.generateConnectionID = func() string {
			return uuid.New().String()
		}
	}
	if len(ts.addresses) == 0 {
		ts.addresses = []string{"0.0.0.0:0"}
	}

	ts.gate = auth.New(ts.authenticationKey)

	// Listen
	for _, address := range ts.addresses {
		listener, err := net.Listen("tcp", address)
		if err != nil {
			ts.closeListeners()

			return nil, err
		}

		ts.listeners = append(ts.listeners, listener)
	}

	return ts, nil
}

func (ts *TerminalServer) Run(ctx context.Context) error {
	// Create a sub-context to let the first failing Goroutine to start the cancellation process
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Sessions must not outlive the server
	defer ts.registry.Close()

	if err := ts.settings.Watch(subCtx, ts.broadcastSettings); err != nil {
		ts.logger.Warn("failed to watch the settings file, changes made by hand won't be picked up",
			zap.Error(err))
	}
	if _, err := ts.settings.Read(); err != nil {
		ts.logger.Warn("using default settings", zap.Error(err))
	}

	keepaliveOption := grpc.KeepaliveParams(keepalive.ServerParameters{
		Time: keepaliveInterval,
	})
	grpcServer := grpc.NewServer(keepaliveOption)
	defer grpcServer.Stop()
	protocol.RegisterEventServiceServer(grpcServer, ts)

	grpcWebServer := grpcweb.WrapServer(
		grpcServer,
		grpcweb.WithWebsockets(true),
		grpcweb.WithWebsocketOriginFunc(ts.websocketOriginFunc),
		grpcweb.WithWebsocketPingInterval(keepaliveInterval),
	)

	router := ts.router()

	handler := func(w http.ResponseWriter, r *http.Request) {
		contentType := r.Header.Get("content-type")
		switch {
		case strings.ToLower(r.Header.Get("Sec-Websocket-Protocol")) == "grpc-websockets":
			grpcWebServer.ServeHTTP(w, r)
		case strings.HasPrefix(contentType, "application/grpc-web"):
			grpcWebServer.ServeHTTP(w, r)
		case strings.HasPrefix(contentType, "application/grpc"):
			grpcServer.ServeHTTP(w, r)
		default:
			router.ServeHTTP(w, r)
		}
	}

	group, groupCtx := errgroup.WithContext(subCtx)

	for _, listener := range ts.listeners {
		listener := listener

		server := &http.Server{
			Handler:           http.HandlerFunc(handler),
			ReadHeaderTimeout: readHeaderTimeout,
			TLSConfig:         ts.tlsConfig,
			BaseContext: func(net.Listener) context.Context {
				return subCtx
			},
		}

		if server.TLSConfig == nil {
			// enable HTTP/2 without TLS aka h2c
			server.Handler = h2c.NewHandler(server.Handler, &http2.Server{})
		}

		group.Go(func() error {
			ts.logger.Sugar().Infof("starting server on %s...", listener.Addr().String())

			var err error

			if server.TLSConfig != nil {
				err = server.ServeTLS(listener, "", "")
			} else {
				err = server.Serve(listener)
			}

			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}

			return err
		})

		group.Go(func() error {
			<-groupCtx.Done()

			return server.Close()
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

func (ts *TerminalServer) Addresses() []string {
	var result []string

	for _, listener := range ts.listeners {
		result = append(result, listener.Addr().String())
	}

	return result
}

// ServerAddress returns the first address the server listens on.
func (ts *TerminalServer) ServerAddress() string {
	return ts.listeners[0].Addr().String()
}

func (ts *TerminalServer) NumSessions() int {
	return ts.registry.Len()
}

func (ts *TerminalServer) closeListeners() {
	for _, listener := range ts.listeners {
		_ = listener.Close()
	}
}
