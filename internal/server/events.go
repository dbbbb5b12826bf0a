package server

import (
	"github.com/cirruslabs/webterm/internal/protocol"
	"github.com/cirruslabs/webterm/internal/server/session"
	"github.com/cirruslabs/webterm/internal/settings"
	"go.uber.org/zap"
)

const maxDimension = 4096

// client is a connected transport endpoint: a WebSocket or a gRPC channel.
type client interface {
	session.Conn
	Transport() string
	Logger() *zap.Logger
	SendEvent(event protocol.Event) error
}

func (ts *TerminalServer) registerClient(client client) {
	ts.clientsLock.Lock()
	defer ts.clientsLock.Unlock()

	ts.clients[client.ID()] = client
	ts.metrics.connections.WithLabelValues(client.Transport()).Inc()
}

func (ts *TerminalServer) unregisterClient(client client) {
	ts.clientsLock.Lock()
	defer ts.clientsLock.Unlock()

	delete(ts.clients, client.ID())
	ts.metrics.connections.WithLabelValues(client.Transport()).Dec()
}

// dispatch handles a single control event. Events are dispatched
// sequentially by each connection's reader loop.
func (ts *TerminalServer) dispatch(client client, event protocol.Event) {
	switch event.Event {
	case protocol.EventCreate:
		ts.onCreate(client, event)
	case protocol.EventDataToServer:
		ts.onClientData(client, []byte(event.Data))
	case protocol.EventResize:
		ts.onResize(client, event.Cols, event.Rows)
	case protocol.EventKill:
		ts.onKill(client)
	case protocol.EventRequestReadSettings:
		ts.onReadSettings(client, event.ID)
	default:
		client.Logger().Debug("ignoring unknown event", zap.String("event", event.Event))
	}
}

func (ts *TerminalServer) onCreate(client client, event protocol.Event) {
	request := ts.sessionDefaults
	request.Cols = clampDimension(event.Cols)
	request.Rows = clampDimension(event.Rows)

	environment := session.Environment{
		Settings: ts.settings,
		Spawn:    ts.spawner,
	}

	s, created, err := ts.registry.RegisterIfAbsent(client.ID(),
		func(onTeardown func(*session.Session)) (*session.Session, error) {
			newSession, err := session.Create(client.Logger(), client, request, environment,
				session.WithTeardownHook(func(s *session.Session) {
					onTeardown(s)
					ts.metrics.sessionsActive.Dec()
					client.Logger().Info("session ended")
				}))
			if err != nil {
				ts.metrics.spawnFailures.Inc()

				return nil, err
			}

			ts.metrics.sessionsCreated.Inc()
			ts.metrics.sessionsActive.Inc()
			client.Logger().Info("session started", zap.Int("pid", newSession.Pid()))

			return newSession, nil
		})
	if err != nil {
		client.Logger().Warn("failed to create session", zap.Error(err))
	} else if !created {
		// one terminal per connection: a repeated create reuses it
		s.OnClientResize(request.Cols, request.Rows)
	}

	if err := client.SendEvent(protocol.Ack(event.ID, err)); err != nil {
		client.Logger().Debug("failed to acknowledge session creation", zap.Error(err))
	}
}

func (ts *TerminalServer) onClientData(client client, data []byte) {
	if s := ts.registry.Get(client.ID()); s != nil {
		s.OnClientData(data)
	}
}

func (ts *TerminalServer) onResize(client client, cols, rows int) {
	if s := ts.registry.Get(client.ID()); s != nil {
		s.OnClientResize(clampDimension(cols), clampDimension(rows))
	}
}

func (ts *TerminalServer) onKill(client client) {
	if s := ts.registry.Get(client.ID()); s != nil {
		s.OnKillRequest()
	}
}

func (ts *TerminalServer) onDisconnect(client client) {
	if s := ts.registry.Get(client.ID()); s != nil {
		s.OnConnectionClosed()
	}
}

func (ts *TerminalServer) onReadSettings(client client, id string) {
	document, err := ts.settings.Read()
	if err != nil {
		client.Logger().Warn("serving default settings", zap.Error(err))
	}

	if err := client.SendEvent(protocol.Settings(id, document)); err != nil {
		client.Logger().Debug("failed to send settings", zap.Error(err))
	}
}

// broadcastSettings pushes a changed settings document to every connected client.
func (ts *TerminalServer) broadcastSettings(document settings.Document) {
	ts.metrics.settingsChanges.Inc()

	ts.clientsLock.RLock()
	clients := make([]client, 0, len(ts.clients))
	for _, client := range ts.clients {
		clients = append(clients, client)
	}
	ts.clientsLock.RUnlock()

	for _, client := range clients {
		client := client

		go func() {
			if err := client.SendEvent(protocol.Settings("", document)); err != nil {
				client.Logger().Debug("failed to broadcast settings", zap.Error(err))
			}
		}()
	}
}

// clampDimension maps whatever the client sent into [0, maxDimension],
// zero meaning the default dimension.
func clampDimension(value int) uint16 {
	switch {
	case value < 0:
		return 0
	case value > maxDimension:
		return maxDimension
	default:
		return uint16(value)
	}
}
