package server

import (
	"context"
	"errors"
	"github.com/cirruslabs/webterm/internal/protocol"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"io"
	"sync"
)

var errChannelClosed = errors.New("channel is closed")

// Channel serves the gRPC flavor of the socket protocol: control events travel as
// google.protobuf.Struct, terminal data as google.protobuf.BytesValue.
func (ts *TerminalServer) Channel(channel protocol.EventService_ChannelServer) error {
	var key string

	md, _ := metadata.FromIncomingContext(channel.Context())
	if keys := md.Get(protocol.KeyMetadata); len(keys) != 0 {
		key = keys[0]
	}

	if !ts.gate.IsAuthorized(key) {
		ts.metrics.authRejections.WithLabelValues(transportGRPC).Inc()
		ts.logger.Info("rejecting gRPC channel", HashedKeyField(key))

		return status.Errorf(codes.PermissionDenied, "invalid authentication key")
	}

	ctx, cancel := context.WithCancel(channel.Context())
	defer cancel()

	id := ts.generateConnectionID()
	client := &channelClient{
		id:      id,
		ctx:     ctx,
		channel: channel,
		logger: ts.logger.With(ConnectionIDField(id), TransportField(transportGRPC)).
			With(ts.TraceContext(channel.Context())...),
	}

	client.logger.Debug("client connected")

	ts.registerClient(client)
	defer ts.unregisterClient(client)
	defer client.close()
	defer ts.onDisconnect(client)

	for {
		message, err := channel.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				client.logger.Debug("client disconnected")

				return nil
			}

			return err
		}

		event, data, err := protocol.Decode(message)
		if err != nil {
			return status.Errorf(codes.FailedPrecondition, "%v", err)
		}

		if event == nil {
			ts.onClientData(client, data)

			continue
		}

		ts.dispatch(client, *event)
	}
}

type channelClient struct {
	id     string
	logger *zap.Logger

	//nolint:containedctx // the channel's lifetime
	ctx context.Context

	// SendMsg must not be called from multiple goroutines at once,
	// nor after the handler returned
	sendLock sync.Mutex
	channel  protocol.EventService_ChannelServer
	closed   bool
}

func (client *channelClient) ID() string {
	return client.id
}

func (client *channelClient) Context() context.Context {
	return client.ctx
}

func (client *channelClient) Transport() string {
	return transportGRPC
}

func (client *channelClient) Logger() *zap.Logger {
	return client.logger
}

func (client *channelClient) SendData(data []byte) error {
	message, err := protocol.EncodeData(data)
	if err != nil {
		return err
	}

	return client.send(message)
}

func (client *channelClient) SendExit(code int) error {
	return client.SendEvent(protocol.Exit(code))
}

func (client *channelClient) SendEvent(event protocol.Event) error {
	message, err := protocol.EncodeEvent(event)
	if err != nil {
		return err
	}

	return client.send(message)
}

func (client *channelClient) send(message *anypb.Any) error {
	client.sendLock.Lock()
	defer client.sendLock.Unlock()

	if client.closed {
		return errChannelClosed
	}

	return client.channel.Send(message)
}

func (client *channelClient) close() {
	client.sendLock.Lock()
	defer client.sendLock.Unlock()

	client.closed = true
}
