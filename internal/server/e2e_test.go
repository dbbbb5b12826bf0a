//go:build !windows
// +build !windows

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/cirruslabs/webterm/internal/protocol"
	"github.com/cirruslabs/webterm/internal/server"
	"github.com/cirruslabs/webterm/internal/server/session"
	"github.com/cirruslabs/webterm/internal/settings"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"
)

const waitFor = 10 * time.Second

// startServer runs a terminal server on a random local port with an isolated settings
// file and a predictable shell, and stops it when the test ends.
func startServer(t *testing.T, opts ...server.Option) (*server.TerminalServer, *settings.Store) {
	t.Helper()

	store := settings.Open(filepath.Join(t.TempDir(), "settings.json"))

	serverOpts := []server.Option{
		server.WithServerAddress("127.0.0.1:0"),
		server.WithLogger(zaptest.NewLogger(t)),
		server.WithSettingsStore(store),
		server.WithSessionDefaults(session.Request{Shell: "/bin/sh"}),
	}
	serverOpts = append(serverOpts, opts...)

	terminalServer, err := server.New(serverOpts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	terminalServerErrChan := make(chan error, 1)
	go func() {
		terminalServerErrChan <- terminalServer.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		if err := <-terminalServerErrChan; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("terminal server failed: %v", err)
		}

		assert.Equal(t, 0, terminalServer.NumSessions(), "terminal server should not run any sessions")
	})

	return terminalServer, store
}

func socketURL(terminalServer *server.TerminalServer, key string) string {
	result := "ws://" + terminalServer.ServerAddress() + "/socket"
	if key != "" {
		result += "?key=" + key
	}

	return result
}

type socket struct {
	t      *testing.T
	conn   *websocket.Conn
	output bytes.Buffer
}

func dialSocket(t *testing.T, terminalServer *server.TerminalServer) *socket {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, socketURL(terminalServer, ""), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.CloseNow()
	})

	return &socket{t: t, conn: conn}
}

func (socket *socket) send(event protocol.Event) {
	socket.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(socket.t, wsjson.Write(ctx, socket.conn, event))
}

func (socket *socket) input(data string) {
	socket.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(socket.t, socket.conn.Write(ctx, websocket.MessageBinary, []byte(data)))
}

// raw sends a text frame as is, for events that protocol.Event can't express.
func (socket *socket) raw(text string) {
	socket.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(socket.t, socket.conn.Write(ctx, websocket.MessageText, []byte(text)))
}

// next returns the next control event, collecting any terminal output that comes before it.
func (socket *socket) next() protocol.Event {
	socket.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	for {
		messageType, data, err := socket.conn.Read(ctx)
		require.NoError(socket.t, err)

		if messageType == websocket.MessageBinary {
			socket.output.Write(data)

			continue
		}

		var event protocol.Event
		require.NoError(socket.t, json.Unmarshal(data, &event))

		return event
	}
}

// waitForOutput reads until the collected output matches the pattern and returns the match.
func (socket *socket) waitForOutput(pattern string) []string {
	socket.t.Helper()

	re := regexp.MustCompile(pattern)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	for {
		if matches := re.FindStringSubmatch(socket.output.String()); matches != nil {
			socket.output.Reset()

			return matches
		}

		messageType, data, err := socket.conn.Read(ctx)
		require.NoError(socket.t, err, "output so far: %q", socket.output.String())

		if messageType == websocket.MessageBinary {
			socket.output.Write(data)
		}
	}
}

func (socket *socket) create(cols, rows int) {
	socket.t.Helper()

	socket.send(protocol.Event{Event: protocol.EventCreate, ID: "create", Cols: cols, Rows: rows})

	ack := socket.next()
	require.Equal(socket.t, protocol.EventAck, ack.Event)
	require.Equal(socket.t, "create", ack.ID)
	require.Empty(socket.t, ack.Error)
}

func TestTerminalDimensionsCanBeChanged(t *testing.T) {
	terminalServer, _ := startServer(t)

	socket := dialSocket(t, terminalServer)
	socket.create(80, 24)

	require.Equal(t, 1, terminalServer.NumSessions(), "terminal server should run exactly 1 session")

	// The trailing "x" keeps the echoed command line from matching
	socket.input("echo \"size-$(stty size)\"x\n")
	socket.waitForOutput(`size-24 80x`)

	socket.send(protocol.Event{Event: protocol.EventResize, Cols: 120, Rows: 40})

	socket.input("echo \"size-$(stty size)\"x\n")
	socket.waitForOutput(`size-40 120x`)
}

func TestDisconnectTerminatesProcess(t *testing.T) {
	terminalServer, _ := startServer(t)

	socket := dialSocket(t, terminalServer)
	socket.create(80, 24)

	socket.input("echo pid-$$-end\n")
	pid, err := strconv.Atoi(socket.waitForOutput(`pid-(\d+)-end`)[1])
	require.NoError(t, err)

	require.NoError(t, socket.conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		return terminalServer.NumSessions() == 0
	}, waitFor, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return errors.Is(unix.Kill(pid, 0), unix.ESRCH)
	}, waitFor, 50*time.Millisecond, "shell process should be gone")
}

func TestKillEndsSession(t *testing.T) {
	terminalServer, _ := startServer(t)

	socket := dialSocket(t, terminalServer)
	socket.create(80, 24)

	socket.send(protocol.Event{Event: protocol.EventKill})

	require.Eventually(t, func() bool {
		return terminalServer.NumSessions() == 0
	}, waitFor, 50*time.Millisecond)

	// The connection survives and can get a new terminal
	socket.create(80, 24)
	require.Equal(t, 1, terminalServer.NumSessions())
}

func TestProcessExitIsReported(t *testing.T) {
	terminalServer, _ := startServer(t, server.WithSessionDefaults(session.Request{
		Shell: "/bin/sh",
		Start: "echo bye; exit 5",
	}))

	socket := dialSocket(t, terminalServer)
	socket.send(protocol.Event{Event: protocol.EventCreate, ID: "create"})

	// The process may well exit before the acknowledgement is sent
	events := map[string]protocol.Event{}
	for len(events) < 2 {
		event := socket.next()
		events[event.Event] = event
	}

	require.Contains(t, events, protocol.EventAck)
	require.Empty(t, events[protocol.EventAck].Error)

	require.Contains(t, events, protocol.EventExit)
	require.NotNil(t, events[protocol.EventExit].Code)
	assert.Equal(t, 5, *events[protocol.EventExit].Code)
	assert.Contains(t, socket.output.String(), "bye")

	require.Eventually(t, func() bool {
		return terminalServer.NumSessions() == 0
	}, waitFor, 50*time.Millisecond)
}

func TestSpawnFailureIsAcknowledged(t *testing.T) {
	terminalServer, _ := startServer(t, server.WithSessionDefaults(session.Request{
		Shell: "/nonexistent/shell",
	}))

	socket := dialSocket(t, terminalServer)
	socket.send(protocol.Event{Event: protocol.EventCreate, ID: "1"})

	ack := socket.next()
	require.Equal(t, protocol.EventAck, ack.Event)
	require.NotEmpty(t, ack.Error)
	require.Equal(t, 0, terminalServer.NumSessions())

	// Input without a terminal is silently dropped
	socket.input("ls\n")
	socket.send(protocol.Event{Event: protocol.EventResize, Cols: 10, Rows: 10})
	socket.send(protocol.Event{Event: protocol.EventKill})

	socket.send(protocol.Event{Event: protocol.EventRequestReadSettings, ID: "2"})
	require.Equal(t, protocol.EventSettings, socket.next().Event)
}

func TestOutOfRangeDimensionsAreClamped(t *testing.T) {
	terminalServer, _ := startServer(t)

	var testCases = []struct {
		Name         string
		Create       string
		ExpectedSize string
	}{
		{
			Name:         "too wide",
			Create:       `{"event":"create","id":"c1","cols":70000,"rows":24}`,
			ExpectedSize: `size-24 4096x`,
		},
		{
			Name:         "negative",
			Create:       `{"event":"create","id":"c1","cols":-1,"rows":-5}`,
			ExpectedSize: `size-24 80x`,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.Name, func(t *testing.T) {
			socket := dialSocket(t, terminalServer)
			socket.raw(testCase.Create)

			ack := socket.next()
			require.Equal(t, protocol.EventAck, ack.Event)
			require.Equal(t, "c1", ack.ID)
			require.Empty(t, ack.Error)

			socket.input("echo \"size-$(stty size)\"x\n")
			socket.waitForOutput(testCase.ExpectedSize)

			socket.send(protocol.Event{Event: protocol.EventKill})
			require.Eventually(t, func() bool {
				return terminalServer.NumSessions() == 0
			}, waitFor, 50*time.Millisecond)
		})
	}
}

func TestUndecodableCreateIsAcknowledged(t *testing.T) {
	terminalServer, _ := startServer(t)

	socket := dialSocket(t, terminalServer)
	socket.raw(`{"event":"create","id":"c2","cols":1.5,"rows":24}`)

	ack := socket.next()
	require.Equal(t, protocol.EventAck, ack.Event)
	require.Equal(t, "c2", ack.ID)
	require.NotEmpty(t, ack.Error)
	require.Equal(t, 0, terminalServer.NumSessions())

	// The connection is still usable
	socket.create(80, 24)
	require.Equal(t, 1, terminalServer.NumSessions())
}

func TestSessionsAreIndependent(t *testing.T) {
	terminalServer, _ := startServer(t)

	first := dialSocket(t, terminalServer)
	first.create(80, 24)

	second := dialSocket(t, terminalServer)
	second.create(100, 30)

	require.Equal(t, 2, terminalServer.NumSessions())

	first.send(protocol.Event{Event: protocol.EventKill})

	require.Eventually(t, func() bool {
		return terminalServer.NumSessions() == 1
	}, waitFor, 50*time.Millisecond)

	second.input("echo \"size-$(stty size)\"x\n")
	second.waitForOutput(`size-30 100x`)
}

func TestSettingsOverSocket(t *testing.T) {
	terminalServer, store := startServer(t)

	socket := dialSocket(t, terminalServer)

	socket.send(protocol.Event{Event: protocol.EventRequestReadSettings, ID: "read"})

	response := socket.next()
	require.Equal(t, protocol.EventSettings, response.Event)
	require.Equal(t, "read", response.ID)
	require.NotNil(t, response.Settings)
	assert.True(t, settings.Default().Equal(*response.Settings))

	// A save is broadcast to everyone connected
	changed := settings.Document{General: settings.General{Shell: "/bin/sh", CustomCommand: "top"}}
	require.NoError(t, store.Write(changed))

	broadcast := socket.next()
	require.Equal(t, protocol.EventSettings, broadcast.Event)
	require.Empty(t, broadcast.ID)
	require.NotNil(t, broadcast.Settings)
	assert.True(t, changed.Equal(*broadcast.Settings))
}

func TestAuthentication(t *testing.T) {
	const key = "fixed key used in tests"

	terminalServer, _ := startServer(t, server.WithAuthenticationKey(key))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	// Socket without a key
	_, resp, err := websocket.Dial(ctx, socketURL(terminalServer, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Socket with the key
	conn, _, err := websocket.Dial(ctx, socketURL(terminalServer, "fixed+key+used+in+tests"), nil)
	require.NoError(t, err)
	conn.CloseNow()

	// HTTP API
	baseURL := "http://" + terminalServer.ServerAddress() + "/api/settings/get"

	resp, err = http.Get(baseURL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Not authorized.", strings.TrimSpace(string(body)))

	resp, err = http.Get(baseURL + "?key=wrong")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(baseURL + "?key=fixed+key+used+in+tests")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSettingsAPI(t *testing.T) {
	terminalServer, store := startServer(t)

	baseURL := "http://" + terminalServer.ServerAddress() + "/api/settings/"

	const document = `{"general": {"shell": "zsh -l", "fontSize": 14}, "theme": {"name": "woo"}}`

	resp, err := http.Post(baseURL+"save", "application/json", strings.NewReader(document))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{}`, string(body))

	saved, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, "zsh -l", saved.General.Shell)

	resp, err = http.Get(baseURL + "get")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"general": {"shell": "zsh -l", "fontSize": 14}, "theme": {"name": "woo"}}`, string(body))

	// Invalid documents are refused and leave the stored one alone
	for _, invalid := range []string{`{"theme": "dark"}`, `{"general": {"shell": "bash \""}}`, `not json`} {
		resp, err = http.Post(baseURL+"save", "application/json", strings.NewReader(invalid))
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, invalid)
	}

	current, err := store.Read()
	require.NoError(t, err)
	assert.True(t, saved.Equal(current))
}

func TestMetricsEndpoint(t *testing.T) {
	terminalServer, _ := startServer(t)

	socket := dialSocket(t, terminalServer)
	socket.create(80, 24)

	resp, err := http.Get("http://" + terminalServer.ServerAddress() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "webterm_sessions_active 1")
	assert.Contains(t, string(body), "webterm_sessions_created_total 1")
	assert.Contains(t, string(body), `webterm_connections{transport="socket"} 1`)
}

func TestWebsocketOriginChecking(t *testing.T) {
	const goodOrigin = "https://example.com"

	terminalServer, _ := startServer(t, server.WithWebsocketOriginFunc(func(request *http.Request) bool {
		return request.Header.Get("Origin") == goodOrigin
	}))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	var testCases = []struct {
		Name    string
		URL     string
		Options websocket.DialOptions
	}{
		{
			Name: "socket",
			URL:  socketURL(terminalServer, ""),
		},
		{
			Name: "gRPC-Web",
			URL:  "ws://" + terminalServer.ServerAddress() + protocol.ChannelMethod,
			Options: websocket.DialOptions{
				Subprotocols: []string{"grpc-websockets"},
				HTTPHeader:   http.Header{"Content-Type": []string{"application/grpc-web-text"}},
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.Name, func(t *testing.T) {
			// Set an acceptable Origin header and ensure that the connection is upgraded
			goodOptions := testCase.Options
			goodOptions.HTTPHeader = testCase.Options.HTTPHeader.Clone()
			if goodOptions.HTTPHeader == nil {
				goodOptions.HTTPHeader = http.Header{}
			}
			goodOptions.HTTPHeader.Set("Origin", goodOrigin)

			conn, resp, err := websocket.Dial(ctx, testCase.URL, &goodOptions)
			require.NoError(t, err)
			require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
			conn.CloseNow()

			// Set an unacceptable Origin header and ensure the request is denied
			badOptions := testCase.Options
			badOptions.HTTPHeader = goodOptions.HTTPHeader.Clone()
			badOptions.HTTPHeader.Set("Origin", "https://bad.origin")

			_, resp, err = websocket.Dial(ctx, testCase.URL, &badOptions)
			require.Error(t, err)
			require.NotNil(t, resp)
			require.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func openChannel(
	t *testing.T,
	ctx context.Context,
	terminalServer *server.TerminalServer,
	key string,
) protocol.EventService_ChannelClient {
	t.Helper()

	clientConn, err := grpc.Dial(terminalServer.ServerAddress(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = clientConn.Close()
	})

	if key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, protocol.KeyMetadata, key)
	}

	channel, err := protocol.NewChannelClient(ctx, clientConn)
	require.NoError(t, err)

	return channel
}

func TestChannelOverGRPC(t *testing.T) {
	const key = "fixed key used in tests"

	terminalServer, _ := startServer(t, server.WithAuthenticationKey(key))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	channel := openChannel(t, ctx, terminalServer, key)

	sendEvent := func(event protocol.Event) {
		message, err := protocol.EncodeEvent(event)
		require.NoError(t, err)
		require.NoError(t, channel.Send(message))
	}
	sendData := func(data string) {
		message, err := protocol.EncodeData([]byte(data))
		require.NoError(t, err)
		require.NoError(t, channel.Send(message))
	}

	var output bytes.Buffer

	nextEvent := func() *protocol.Event {
		for {
			message, err := channel.Recv()
			require.NoError(t, err)

			event, data, err := protocol.Decode(message)
			require.NoError(t, err)

			if event == nil {
				output.Write(data)

				continue
			}

			return event
		}
	}
	waitForCanary := func(canary string) {
		for !strings.Contains(output.String(), canary) {
			message, err := channel.Recv()
			require.NoError(t, err)

			_, data, err := protocol.Decode(message)
			require.NoError(t, err)

			output.Write(data)
		}

		output.Reset()
	}

	// Initialize the channel, providing the initial terminal size
	// (using arbitrary canary values with low probability of appearing in the terminal output)
	const (
		initialTerminalWidthColumns = 123
		initialTerminalHeightRows   = 45
	)

	sendEvent(protocol.Event{
		Event: protocol.EventCreate,
		ID:    "1",
		Cols:  initialTerminalWidthColumns,
		Rows:  initialTerminalHeightRows,
	})

	ack := nextEvent()
	require.Equal(t, protocol.EventAck, ack.Event)
	require.Empty(t, ack.Error)

	sendData("echo \"size-$(stty size)\"x\n")
	waitForCanary(fmt.Sprintf("size-%d %dx", initialTerminalHeightRows, initialTerminalWidthColumns))

	// Now change terminal size on-the-fly
	const (
		onTheFlyTerminalWidthColumns = 111
		onTheFlyTerminalHeightRows   = 22
	)

	sendEvent(protocol.Event{
		Event: protocol.EventResize,
		Cols:  onTheFlyTerminalWidthColumns,
		Rows:  onTheFlyTerminalHeightRows,
	})

	sendData("echo \"size-$(stty size)\"x\n")
	waitForCanary(fmt.Sprintf("size-%d %dx", onTheFlyTerminalHeightRows, onTheFlyTerminalWidthColumns))

	assert.Equal(t, 1, terminalServer.NumSessions(), "terminal server should run exactly 1 session")

	sendData("exit 3\n")

	exit := nextEvent()
	require.Equal(t, protocol.EventExit, exit.Event)
	require.NotNil(t, exit.Code)
	require.Equal(t, 3, *exit.Code)

	require.NoError(t, channel.CloseSend())

	require.Eventually(t, func() bool {
		return terminalServer.NumSessions() == 0
	}, waitFor, 50*time.Millisecond)
}

func TestChannelRejectsWrongKey(t *testing.T) {
	terminalServer, _ := startServer(t, server.WithAuthenticationKey("right"))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	channel := openChannel(t, ctx, terminalServer, "wrong")

	_, err := channel.Recv()
	require.Error(t, err)
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}
