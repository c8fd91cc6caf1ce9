package meshsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type fakeSocket struct {
	mu      sync.Mutex
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	readErr error
	writes  [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	// Prefer pending frames over a close racing in.
	select {
	case frame := <-s.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close(int, string) error {
	s.failWith(errors.New("use of closed connection"))
	return nil
}

func (s *fakeSocket) failWith(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.readErr = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *fakeSocket) serverClose(code websocket.StatusCode) {
	s.failWith(websocket.CloseError{Code: code})
}

func (s *fakeSocket) push(frame string) {
	s.frames <- []byte(frame)
}

func (s *fakeSocket) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped
	t.stopped = true
	return active
}

// timerRecorder captures scheduled reconnects so tests control the clock.
type timerRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (r *timerRecorder) newTimer(d time.Duration, fn func()) reconnectTimer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	r.fns = append(r.fns, fn)
	return &fakeTimer{}
}

func (r *timerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

func (r *timerRecorder) delay(i int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delays[i]
}

// fire runs a scheduled reconnect as if its delay elapsed.
func (r *timerRecorder) fire(i int) {
	r.mu.Lock()
	fn := r.fns[i]
	r.mu.Unlock()
	fn()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectIsIdempotentWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	var dials int32
	m := NewConnManager(ConnOptions{
		URL: "ws://test/ws",
		Dial: func(context.Context, string) (Socket, error) {
			atomic.AddInt32(&dials, 1)
			<-release
			return nil, errors.New("aborted")
		},
	})
	rec := &timerRecorder{}
	m.newTimer = rec.newTimer

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, "first dial", func() bool { return atomic.LoadInt32(&dials) == 1 })

	if err := m.Connect(); err != nil {
		t.Fatalf("second connect should no-op, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&dials) != 1 {
		t.Fatalf("expected a single dial, got %d", dials)
	}
	if m.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", m.State())
	}
	close(release)
}

func TestBackoffDoublesPerAttemptUntilExhausted(t *testing.T) {
	base := time.Second
	var dials int32
	m := NewConnManager(ConnOptions{
		URL:          "ws://test/ws",
		BaseInterval: base,
		MaxAttempts:  4,
		Dial: func(context.Context, string) (Socket, error) {
			atomic.AddInt32(&dials, 1)
			return nil, errors.New("connection refused")
		},
	})
	rec := &timerRecorder{}
	m.newTimer = rec.newTimer

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	for attempt := 1; attempt <= 4; attempt++ {
		waitFor(t, "reconnect scheduled", func() bool { return rec.count() >= attempt })
		want := base << (attempt - 1)
		if got := rec.delay(attempt - 1); got != want {
			t.Fatalf("attempt %d: expected delay %s, got %s", attempt, want, got)
		}
		rec.fire(attempt - 1)
	}
	waitFor(t, "exhausted state", func() bool { return m.State() == StateExhausted })
	if rec.count() != 4 {
		t.Fatalf("expected exactly 4 scheduled attempts, got %d", rec.count())
	}

	before := atomic.LoadInt32(&dials)
	if err := m.Connect(); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&dials) != before {
		t.Fatalf("expected no dial after exhaustion, got %d extra", atomic.LoadInt32(&dials)-before)
	}
}

func TestDisconnectCancelsScheduledReconnect(t *testing.T) {
	var dials int32
	m := NewConnManager(ConnOptions{
		URL: "ws://test/ws",
		Dial: func(context.Context, string) (Socket, error) {
			atomic.AddInt32(&dials, 1)
			return nil, errors.New("connection refused")
		},
	})
	rec := &timerRecorder{}
	m.newTimer = rec.newTimer

	_ = m.Connect()
	waitFor(t, "reconnect scheduled", func() bool { return rec.count() == 1 })

	m.Disconnect()
	// Simulate the timer firing despite Stop: the attempt must never happen.
	rec.fire(0)
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&dials) != 1 {
		t.Fatalf("expected no dial after disconnect, got %d", dials)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle after disconnect, got %s", m.State())
	}
}

func TestCleanServerCloseDoesNotReconnect(t *testing.T) {
	sock := newFakeSocket()
	var opened int32
	m := NewConnManager(ConnOptions{
		URL:    "ws://test/ws",
		Dial:   func(context.Context, string) (Socket, error) { return sock, nil },
		OnOpen: func() { atomic.AddInt32(&opened, 1) },
	})
	rec := &timerRecorder{}
	m.newTimer = rec.newTimer

	_ = m.Connect()
	waitFor(t, "open", func() bool { return m.State() == StateOpen })
	if atomic.LoadInt32(&opened) != 1 {
		t.Fatalf("expected one open callback, got %d", opened)
	}

	sock.serverClose(websocket.StatusNormalClosure)
	waitFor(t, "idle after clean close", func() bool { return m.State() == StateIdle })
	if rec.count() != 0 {
		t.Fatalf("expected no reconnect after clean close, got %d scheduled", rec.count())
	}
}

func TestAbnormalCloseSchedulesReconnect(t *testing.T) {
	sock := newFakeSocket()
	m := NewConnManager(ConnOptions{
		URL:  "ws://test/ws",
		Dial: func(context.Context, string) (Socket, error) { return sock, nil },
	})
	rec := &timerRecorder{}
	m.newTimer = rec.newTimer

	_ = m.Connect()
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	sock.failWith(errors.New("connection reset by peer"))
	waitFor(t, "reconnect scheduled", func() bool { return rec.count() == 1 })
	if m.State() != StateClosedAbnormal {
		t.Fatalf("expected closed-abnormal, got %s", m.State())
	}
}

func TestSuccessfulOpenResetsReconnectBudget(t *testing.T) {
	base := time.Second
	var dials int32
	sock := newFakeSocket()
	m := NewConnManager(ConnOptions{
		URL:          "ws://test/ws",
		BaseInterval: base,
		MaxAttempts:  2,
		Dial: func(context.Context, string) (Socket, error) {
			if atomic.AddInt32(&dials, 1) == 1 {
				return nil, errors.New("connection refused")
			}
			return sock, nil
		},
	})
	rec := &timerRecorder{}
	m.newTimer = rec.newTimer

	_ = m.Connect()
	waitFor(t, "first retry scheduled", func() bool { return rec.count() == 1 })
	rec.fire(0)
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	sock.failWith(errors.New("connection reset by peer"))
	waitFor(t, "second retry scheduled", func() bool { return rec.count() == 2 })
	if got := rec.delay(1); got != base {
		t.Fatalf("expected budget reset to restart backoff at %s, got %s", base, got)
	}
}

func TestSendWhileNotOpenIsNoop(t *testing.T) {
	var dials int32
	m := NewConnManager(ConnOptions{
		URL: "ws://test/ws",
		Dial: func(context.Context, string) (Socket, error) {
			atomic.AddInt32(&dials, 1)
			return nil, errors.New("unreachable")
		},
	})
	m.Send(outboundFrame{Type: "subscribe", Topic: "chat"})
	if atomic.LoadInt32(&dials) != 0 {
		t.Fatalf("send must not trigger a dial, got %d", dials)
	}
}

func TestSendWritesJSONTextFrame(t *testing.T) {
	sock := newFakeSocket()
	m := NewConnManager(ConnOptions{
		URL:  "ws://test/ws",
		Dial: func(context.Context, string) (Socket, error) { return sock, nil },
	})
	_ = m.Connect()
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	m.Send(outboundFrame{Type: "subscribe", Topic: "chat"})
	waitFor(t, "write", func() bool { return sock.writeCount() == 1 })

	sock.mu.Lock()
	payload := sock.writes[0]
	sock.mu.Unlock()
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("sent frame is not JSON: %v", err)
	}
	if decoded["type"] != "subscribe" || decoded["topic"] != "chat" {
		t.Fatalf("unexpected frame %s", payload)
	}
}

func TestFramesDeliveredInArrivalOrder(t *testing.T) {
	sock := newFakeSocket()
	var mu sync.Mutex
	var got []string
	m := NewConnManager(ConnOptions{
		URL:  "ws://test/ws",
		Dial: func(context.Context, string) (Socket, error) { return sock, nil },
		OnFrame: func(frame []byte) {
			mu.Lock()
			got = append(got, string(frame))
			mu.Unlock()
		},
	})
	_ = m.Connect()
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	sock.push(`{"type":"stats","peer_count":1}`)
	sock.push(`{"type":"stats","peer_count":2}`)
	sock.push(`{"type":"stats","peer_count":3}`)
	waitFor(t, "three frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"1", "2", "3"} {
		if !containsSubstring(got[i], `"peer_count":`+want) {
			t.Fatalf("frame %d out of order: %s", i, got[i])
		}
	}
}

func TestResetConnectionReattemptsAfterDelay(t *testing.T) {
	var dials int32
	m := NewConnManager(ConnOptions{
		URL: "ws://test/ws",
		Dial: func(context.Context, string) (Socket, error) {
			atomic.AddInt32(&dials, 1)
			return newFakeSocket(), nil
		},
	})
	rec := &timerRecorder{}
	m.newTimer = rec.newTimer

	_ = m.Connect()
	waitFor(t, "open", func() bool { return m.State() == StateOpen })

	m.ResetConnection()
	if m.State() != StateIdle {
		t.Fatalf("expected idle right after reset, got %s", m.State())
	}
	waitFor(t, "reset timer", func() bool { return rec.count() == 1 })
	if got := rec.delay(0); got != resetDelay {
		t.Fatalf("expected reset delay %s, got %s", resetDelay, got)
	}
	rec.fire(0)
	waitFor(t, "redial", func() bool { return atomic.LoadInt32(&dials) == 2 })
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
