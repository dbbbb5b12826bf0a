package server

import (
	"context"
	"encoding/json"
	"github.com/cirruslabs/webterm/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"net/http"
	"time"
)

const (
	socketReadLimit    = 1024 * 1024
	socketWriteTimeout = 10 * time.Second
)

// serveSocket runs one WebSocket connection: binary frames carry terminal input,
// text frames carry JSON-encoded control events.
func (ts *TerminalServer) serveSocket(w http.ResponseWriter, r *http.Request) {
	if !ts.websocketOriginFunc(r) {
		ts.logger.Info("rejecting WebSocket connection from a disallowed origin",
			zap.String("origin", r.Header.Get("Origin")))
		http.Error(w, "Origin not allowed.", http.StatusForbidden)

		return
	}

	// origin has already been checked above
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		ts.logger.Warn("failed to accept WebSocket connection", zap.Error(err))

		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(socketReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := ts.generateConnectionID()
	client := &socketClient{
		id:   id,
		ctx:  ctx,
		conn: conn,
		logger: ts.logger.With(ConnectionIDField(id), TransportField(transportSocket)).
			With(ts.RequestTraceContext(r)...),
	}

	client.logger.Debug("client connected")

	ts.registerClient(client)
	defer ts.unregisterClient(client)
	defer ts.onDisconnect(client)

	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			client.logger.Debug("client disconnected", zap.Error(err))

			return
		}

		if messageType == websocket.MessageBinary {
			ts.onClientData(client, data)

			continue
		}

		var event protocol.Event
		if err := json.Unmarshal(data, &event); err != nil {
			client.logger.Debug("ignoring malformed event", zap.Error(err))
			ts.rejectMalformedCreate(client, data, err)

			continue
		}

		ts.dispatch(client, event)
	}
}

// rejectMalformedCreate acknowledges a create event that failed to decode,
// so that the client doesn't wait for the ack forever.
func (ts *TerminalServer) rejectMalformedCreate(client client, data []byte, decodeErr error) {
	var header struct {
		Event string `json:"event"`
		ID    string `json:"id"`
	}

	if err := json.Unmarshal(data, &header); err != nil || header.Event != protocol.EventCreate {
		return
	}

	if err := client.SendEvent(protocol.Ack(header.ID, decodeErr)); err != nil {
		client.Logger().Debug("failed to reject session creation", zap.Error(err))
	}
}

type socketClient struct {
	id     string
	logger *zap.Logger

	//nolint:containedctx // the connection's lifetime
	ctx  context.Context
	conn *websocket.Conn
}

func (client *socketClient) ID() string {
	return client.id
}

func (client *socketClient) Context() context.Context {
	return client.ctx
}

func (client *socketClient) Transport() string {
	return transportSocket
}

func (client *socketClient) Logger() *zap.Logger {
	return client.logger
}

func (client *socketClient) SendData(data []byte) error {
	ctx, cancel := context.WithTimeout(client.ctx, socketWriteTimeout)
	defer cancel()

	return client.conn.Write(ctx, websocket.MessageBinary, data)
}

func (client *socketClient) SendExit(code int) error {
	return client.SendEvent(protocol.Exit(code))
}

func (client *socketClient) SendEvent(event protocol.Event) error {
	ctx, cancel := context.WithTimeout(client.ctx, socketWriteTimeout)
	defer cancel()

	return wsjson.Write(ctx, client.conn, event)
}
