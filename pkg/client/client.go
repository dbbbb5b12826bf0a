package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/cirruslabs/webterm/internal/protocol"
	"github.com/cirruslabs/webterm/internal/settings"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
)

const (
	readLimit          = 1024 * 1024
	outputBufferSize   = 256
	settingsBufferSize = 16
)

var (
	ErrProtocol = errors.New("protocol error")
	ErrRefused  = errors.New("server refused the request")
	ErrClosed   = errors.New("connection is closed")
)

// Client talks to a terminal server over its WebSocket endpoint.
type Client struct {
	logger *zap.Logger
	key    string
	header http.Header

	conn *websocket.Conn

	//nolint:containedctx // the connection's lifetime
	ctx    context.Context
	cancel context.CancelFunc

	nextID atomic.Uint64

	pendingLock sync.Mutex
	pending     map[string]chan protocol.Event

	output          chan []byte
	exit            chan int
	settingsChanges chan settings.Document

	done chan struct{}
	err  error
}

// Dial connects to a socket URL such as ws://localhost:7010/socket.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	client := &Client{
		pending:         make(map[string]chan protocol.Event),
		output:          make(chan []byte, outputBufferSize),
		exit:            make(chan int, 1),
		settingsChanges: make(chan settings.Document, settingsBufferSize),
		done:            make(chan struct{}),
	}

	// Apply options
	for _, opt := range opts {
		opt(client)
	}

	// Apply defaults
	if client.logger == nil {
		client.logger = zap.NewNop()
	}

	socketURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	if client.key != "" {
		query := socketURL.Query()
		query.Set("key", client.key)
		socketURL.RawQuery = query.Encode()
	}

	conn, resp, err := websocket.Dial(ctx, socketURL.String(), &websocket.DialOptions{
		HTTPHeader: client.header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRefused, resp.Status, err)
		}

		return nil, err
	}

	conn.SetReadLimit(readLimit)

	client.conn = conn
	client.ctx, client.cancel = context.WithCancel(context.Background())

	go client.readLoop()

	return client, nil
}

// Create asks for a terminal of the given size and waits for the acknowledgement.
func (client *Client) Create(ctx context.Context, cols, rows uint16) error {
	id := client.newID()

	ack, err := client.request(ctx, protocol.Event{
		Event: protocol.EventCreate,
		ID:    id,
		Cols:  int(cols),
		Rows:  int(rows),
	})
	if err != nil {
		return err
	}

	if ack.Event != protocol.EventAck {
		return fmt.Errorf("%w: expected %q, got %q", ErrProtocol, protocol.EventAck, ack.Event)
	}

	if ack.Error != "" {
		return fmt.Errorf("%w: %s", ErrRefused, ack.Error)
	}

	return nil
}

func (client *Client) ReadSettings(ctx context.Context) (settings.Document, error) {
	response, err := client.request(ctx, protocol.Event{
		Event: protocol.EventRequestReadSettings,
		ID:    client.newID(),
	})
	if err != nil {
		return settings.Document{}, err
	}

	if response.Event != protocol.EventSettings || response.Settings == nil {
		return settings.Document{}, fmt.Errorf("%w: expected settings, got %q", ErrProtocol, response.Event)
	}

	return *response.Settings, nil
}

// Write sends terminal input.
func (client *Client) Write(ctx context.Context, data []byte) error {
	return client.conn.Write(ctx, websocket.MessageBinary, data)
}

func (client *Client) Resize(ctx context.Context, cols, rows uint16) error {
	return wsjson.Write(ctx, client.conn, protocol.Event{
		Event: protocol.EventResize,
		Cols:  int(cols),
		Rows:  int(rows),
	})
}

func (client *Client) Kill(ctx context.Context) error {
	return wsjson.Write(ctx, client.conn, protocol.Event{
		Event: protocol.EventKill,
	})
}

// Output delivers terminal output in order. It's closed once the connection ends.
func (client *Client) Output() <-chan []byte {
	return client.output
}

// Exit delivers the exit code of the remote process, when it exits on its own.
func (client *Client) Exit() <-chan int {
	return client.exit
}

// SettingsChanges delivers settings documents broadcast by the server.
// Changes are dropped when nobody keeps up with them.
func (client *Client) SettingsChanges() <-chan settings.Document {
	return client.settingsChanges
}

func (client *Client) Done() <-chan struct{} {
	return client.done
}

// Err explains why the connection ended. Only valid after Done is closed.
func (client *Client) Err() error {
	return client.err
}

func (client *Client) Close() error {
	defer client.cancel()

	return client.conn.Close(websocket.StatusNormalClosure, "")
}

func (client *Client) newID() string {
	return strconv.FormatUint(client.nextID.Add(1), 10)
}

func (client *Client) request(ctx context.Context, event protocol.Event) (protocol.Event, error) {
	responseChan := make(chan protocol.Event, 1)

	client.pendingLock.Lock()
	client.pending[event.ID] = responseChan
	client.pendingLock.Unlock()

	defer func() {
		client.pendingLock.Lock()
		delete(client.pending, event.ID)
		client.pendingLock.Unlock()
	}()

	if err := wsjson.Write(ctx, client.conn, event); err != nil {
		return protocol.Event{}, err
	}

	select {
	case response := <-responseChan:
		return response, nil
	case <-client.done:
		return protocol.Event{}, fmt.Errorf("%w: %v", ErrClosed, client.err)
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	}
}

func (client *Client) readLoop() {
	defer close(client.done)
	defer close(client.output)

	for {
		messageType, data, err := client.conn.Read(client.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				client.err = err
			}

			return
		}

		if messageType == websocket.MessageBinary {
			if !client.deliverOutput(data) {
				return
			}

			continue
		}

		var event protocol.Event
		if err := json.Unmarshal(data, &event); err != nil {
			client.err = fmt.Errorf("%w: %v", ErrProtocol, err)

			return
		}

		if !client.handle(event) {
			return
		}
	}
}

func (client *Client) handle(event protocol.Event) bool {
	if event.ID != "" {
		client.pendingLock.Lock()
		responseChan, ok := client.pending[event.ID]
		client.pendingLock.Unlock()

		if ok {
			select {
			case responseChan <- event:
			default:
				client.logger.Debug("ignoring duplicate response", zap.String("id", event.ID))
			}

			return true
		}
	}

	switch event.Event {
	case protocol.EventDataToClient:
		return client.deliverOutput([]byte(event.Data))
	case protocol.EventExit:
		code := -1
		if event.Code != nil {
			code = *event.Code
		}

		select {
		case client.exit <- code:
		default:
		}
	case protocol.EventSettings:
		if event.Settings == nil {
			return true
		}

		select {
		case client.settingsChanges <- *event.Settings:
		default:
			client.logger.Debug("dropping settings change, nobody is listening")
		}
	default:
		client.logger.Debug("ignoring unexpected event", zap.String("event", event.Event))
	}

	return true
}

func (client *Client) deliverOutput(data []byte) bool {
	select {
	case client.output <- data:
		return true
	case <-client.ctx.Done():
		return false
	}
}
