package session

import (
	"context"
	"go.uber.org/zap"
	"sync"
	"sync/atomic"
)

const inboxSize = 64

type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Process is the PTY-backed child a Session drives.
type Process interface {
	Write(b []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill()
	Output() <-chan []byte
	Done() <-chan struct{}
	ExitCode() int
	Pid() int
}

// Conn is the client side of a Session: whatever transport the connection came in through.
type Conn interface {
	ID() string
	Context() context.Context
	SendData(data []byte) error
	SendExit(code int) error
}

type input struct {
	data   []byte
	resize bool
	cols   uint16
	rows   uint16
}

// Session binds one connection to one process. Input from the client is applied in arrival
// order, output from the process is forwarded in production order, and the whole thing is
// torn down exactly once, whoever asks first.
type Session struct {
	logger  *zap.Logger
	conn    Conn
	process Process

	//nolint:containedctx // seems perfectly valid for our use-case
	subCtx context.Context
	cancel context.CancelFunc

	state atomic.Int32
	inbox chan input

	startOnce    sync.Once
	teardownOnce sync.Once
	onTeardown   func(*Session)
	closed       chan struct{}
}

func New(logger *zap.Logger, conn Conn, process Process, opts ...Option) *Session {
	subCtx, cancel := context.WithCancel(context.Background())

	session := &Session{
		logger:  logger,
		conn:    conn,
		process: process,
		subCtx:  subCtx,
		cancel:  cancel,
		inbox:   make(chan input, inboxSize),
		closed:  make(chan struct{}),
	}

	// Apply options
	for _, opt := range opts {
		opt(session)
	}

	// Apply defaults
	if session.logger == nil {
		session.logger = zap.NewNop()
	}

	session.logger = session.logger.With(zap.Int("pid", process.Pid()))

	return session
}

// Start launches the goroutines that move data between the connection and the process.
func (session *Session) Start() {
	session.startOnce.Do(func() {
		go session.pumpOutput()
		go session.processInput()
		go session.watchConnection()
	})
}

func (session *Session) ID() string {
	return session.conn.ID()
}

func (session *Session) Pid() int {
	return session.process.Pid()
}

func (session *Session) State() State {
	return State(session.state.Load())
}

// Done is closed once the teardown has completed.
func (session *Session) Done() <-chan struct{} {
	return session.closed
}

func (session *Session) OnClientData(data []byte) {
	session.enqueue(input{data: append([]byte(nil), data...)})
}

func (session *Session) OnClientResize(cols, rows uint16) {
	session.enqueue(input{resize: true, cols: cols, rows: rows})
}

func (session *Session) OnKillRequest() {
	session.teardown("kill requested")
}

func (session *Session) OnConnectionClosed() {
	session.teardown("connection closed")
}

// OnProcessExit reports the exit code to the client unless the session
// is already being torn down, and then tears it down.
func (session *Session) OnProcessExit() {
	select {
	case <-session.process.Done():
	case <-session.subCtx.Done():
		return
	}

	if session.State() == StateActive {
		exitCode := session.process.ExitCode()

		session.logger.Debug("process exited", zap.Int("exit-code", exitCode))

		if err := session.conn.SendExit(exitCode); err != nil {
			session.logger.Debug("failed to notify the client about the exit", zap.Error(err))
		}
	}

	session.teardown("process exited")
}

func (session *Session) Close() {
	session.teardown("closed")
}

func (session *Session) enqueue(op input) {
	if session.State() != StateActive {
		return
	}

	select {
	case session.inbox <- op:
	case <-session.subCtx.Done():
	}
}

func (session *Session) pumpOutput() {
	output := session.process.Output()

	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				session.OnProcessExit()

				return
			}

			if err := session.conn.SendData(chunk); err != nil {
				session.logger.Debug("failed to forward output", zap.Error(err))
				session.teardown("output forwarding failed")

				return
			}
		case <-session.subCtx.Done():
			return
		}
	}
}

func (session *Session) processInput() {
	for {
		select {
		case op := <-session.inbox:
			if op.resize {
				if err := session.process.Resize(op.cols, op.rows); err != nil {
					session.logger.Warn("failed to resize the terminal", zap.Error(err),
						zap.Uint16("cols", op.cols), zap.Uint16("rows", op.rows))
				}

				continue
			}

			if _, err := session.process.Write(op.data); err != nil {
				session.logger.Warn("failed to write to the terminal", zap.Error(err))
			}
		case <-session.subCtx.Done():
			return
		}
	}
}

func (session *Session) watchConnection() {
	select {
	case <-session.conn.Context().Done():
		session.OnConnectionClosed()
	case <-session.subCtx.Done():
	}
}

func (session *Session) teardown(reason string) {
	session.teardownOnce.Do(func() {
		session.state.Store(int32(StateClosing))

		session.logger.Debug("tearing down session", zap.String("reason", reason))

		session.cancel()
		session.process.Kill()

		session.state.Store(int32(StateClosed))

		if session.onTeardown != nil {
			session.onTeardown(session)
		}

		close(session.closed)
	})
}
