package meshsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ConnState is the lifecycle state of one push channel.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosedClean
	StateClosedAbnormal
	StateExhausted
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosedClean:
		return "closed-clean"
	case StateClosedAbnormal:
		return "closed-abnormal"
	case StateExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Socket is the minimal surface the manager needs from a push channel.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// DialFunc opens a Socket. Injected so tests can substitute a fake channel.
type DialFunc func(ctx context.Context, url string) (Socket, error)

// reconnectTimer is the handle to a scheduled attempt; owned state, cancelled
// explicitly on every transition that supersedes it.
type reconnectTimer interface {
	Stop() bool
}

type timerFunc func(d time.Duration, fn func()) reconnectTimer

// Logger matches *log.Logger and is nil-safe throughout the package.
type Logger interface {
	Printf(format string, args ...any)
}

const (
	defaultBaseInterval = 3 * time.Second
	defaultMaxAttempts  = 5
	resetDelay          = 250 * time.Millisecond
	sendTimeout         = 10 * time.Second
	dialTimeout         = 15 * time.Second
)

// ConnOptions configures one ConnManager.
type ConnOptions struct {
	URL          string
	BaseInterval time.Duration // backoff base, default 3s
	MaxAttempts  int           // reconnect budget ceiling, default 5
	Dial         DialFunc
	Logger       Logger

	// OnOpen fires after every successful open, before frames are handled.
	OnOpen func()
	// OnFrame receives inbound frames strictly in arrival order.
	OnFrame func(frame []byte)
	// OnStateChange observes transitions; err is set for abnormal ones.
	// Callbacks must not call back into the manager.
	OnStateChange func(state ConnState, err error)
}

// ConnManager owns the lifecycle of one push channel: connect, open/close/
// error detection, bounded exponential reconnect, send.
type ConnManager struct {
	opts ConnOptions

	mu        sync.Mutex
	state     ConnState
	attempts  int // consecutive failures since the last successful open
	gen       int // connection generation; stale callbacks check it and bail
	sock      Socket
	reconnect reconnectTimer

	newTimer timerFunc
}

func NewConnManager(opts ConnOptions) *ConnManager {
	if opts.BaseInterval <= 0 {
		opts.BaseInterval = defaultBaseInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Dial == nil {
		opts.Dial = dialWebsocket
	}
	return &ConnManager{
		opts:     opts,
		state:    StateIdle,
		newTimer: func(d time.Duration, fn func()) reconnectTimer { return time.AfterFunc(d, fn) },
	}
}

// State returns the current connection state.
func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts a connection attempt. It is a no-op while one is already
// connecting or open. With the reconnect budget exhausted it reports
// ErrRetriesExhausted instead of attempting.
func (m *ConnManager) Connect() error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateOpen:
		m.mu.Unlock()
		return nil
	}
	if m.attempts >= m.opts.MaxAttempts {
		m.state = StateExhausted
		m.mu.Unlock()
		m.notify(StateExhausted, ErrRetriesExhausted)
		return ErrRetriesExhausted
	}
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.notify(StateConnecting, nil)
	go m.dial(gen)
	return nil
}

func (m *ConnManager) dial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	sock, err := m.opts.Dial(ctx, m.opts.URL)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if err == nil {
			_ = sock.Close(int(websocket.StatusNormalClosure), "superseded")
		}
		return
	}
	if err != nil {
		m.failLocked(&TransportError{Op: "dial " + m.opts.URL, Err: err})
		return
	}
	m.state = StateOpen
	m.attempts = 0
	m.sock = sock
	m.mu.Unlock()

	m.notify(StateOpen, nil)
	go m.readLoop(gen, sock)
	if m.opts.OnOpen != nil {
		m.opts.OnOpen()
	}
}

func (m *ConnManager) readLoop(gen int, sock Socket) {
	for {
		frame, err := sock.Read(context.Background())
		if err != nil {
			m.mu.Lock()
			if gen != m.gen {
				// Disconnect already superseded this connection.
				m.mu.Unlock()
				return
			}
			m.sock = nil
			if isCleanClose(err) {
				m.state = StateClosedClean
				m.mu.Unlock()
				m.notify(StateClosedClean, nil)
				m.mu.Lock()
				settled := gen == m.gen
				if settled {
					m.state = StateIdle
				}
				m.mu.Unlock()
				if settled {
					m.notify(StateIdle, nil)
				}
				return
			}
			m.failLocked(&TransportError{Op: "read " + m.opts.URL, Err: err})
			return
		}
		if m.opts.OnFrame != nil {
			m.opts.OnFrame(frame)
		}
	}
}

// failLocked handles a failed dial, a channel error, or an abnormal close.
// Caller holds the lock; released here.
func (m *ConnManager) failLocked(cause error) {
	m.state = StateClosedAbnormal
	if m.attempts >= m.opts.MaxAttempts {
		m.state = StateExhausted
		m.mu.Unlock()
		m.notify(StateClosedAbnormal, cause)
		m.notify(StateExhausted, ErrRetriesExhausted)
		return
	}
	m.attempts++
	delay := m.opts.BaseInterval << (m.attempts - 1)
	gen := m.gen
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	m.reconnect = m.newTimer(delay, func() { m.scheduledConnect(gen) })
	m.mu.Unlock()

	m.notify(StateClosedAbnormal, cause)
	m.logf("channel %s closed abnormally (attempt %d/%d, retry in %s): %v",
		m.opts.URL, m.attempts, m.opts.MaxAttempts, delay, cause)
}

// scheduledConnect is the reconnect-timer body. The generation guard makes a
// timer that races Disconnect a guaranteed no-op.
func (m *ConnManager) scheduledConnect(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.reconnect == nil {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	m.mu.Unlock()
	_ = m.Connect()
}

// Disconnect cancels any pending reconnect, resets the budget, requests a
// clean close, and returns the manager to idle. Callable at any time.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.attempts = 0
	sock := m.sock
	m.sock = nil
	wasOpen := m.state == StateOpen
	m.state = StateIdle
	m.mu.Unlock()

	if wasOpen {
		m.notify(StateClosing, nil)
	}
	if sock != nil {
		_ = sock.Close(int(websocket.StatusNormalClosure), "client disconnect")
	}
	m.notify(StateIdle, nil)
}

// Send marshals payload to a JSON text frame. When the channel is not open it
// is a no-op with a logged warning; sends racing a reconnect must not crash
// the caller.
func (m *ConnManager) Send(payload any) {
	m.mu.Lock()
	sock := m.sock
	state := m.state
	m.mu.Unlock()
	if state != StateOpen || sock == nil {
		m.logf("send dropped: channel %s is %s", m.opts.URL, state)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.logf("send dropped: marshal: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := sock.Write(ctx, data); err != nil {
		m.logf("send failed on %s: %v", m.opts.URL, err)
	}
}

// ResetConnection forces a fresh attempt outside the backoff schedule:
// disconnect, short delay, connect.
func (m *ConnManager) ResetConnection() {
	m.Disconnect()
	m.mu.Lock()
	gen := m.gen
	m.reconnect = m.newTimer(resetDelay, func() { m.scheduledConnect(gen) })
	m.mu.Unlock()
}

func (m *ConnManager) notify(state ConnState, err error) {
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(state, err)
	}
}

func (m *ConnManager) logf(format string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Printf(format, args...)
	}
}

func isCleanClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// wsSocket adapts a websocket connection to the Socket interface.
type wsSocket struct {
	conn *websocket.Conn
}

func dialWebsocket(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsSocket{conn: conn}, nil
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}
