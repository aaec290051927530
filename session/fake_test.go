package session

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/niopub/neosphere-go/transport"
	"github.com/niopub/neosphere-go/wire"
)

// fakeTransport is an in-memory Transport scripted by the test: outbound
// envelopes land on sent, inbound frames are pushed with push/fail.
type fakeTransport struct {
	mu     sync.Mutex
	closed bool
	frames chan transport.Frame

	// sent receives every non-auth envelope the session writes.
	sent chan *wire.Envelope
	// auth receives the auth envelopes, in order.
	auth chan *wire.Envelope

	onAuth func(req *wire.Envelope, t *fakeTransport)
}

func newFakeTransport(onAuth func(*wire.Envelope, *fakeTransport)) *fakeTransport {
	return &fakeTransport{
		frames: make(chan transport.Frame, 64),
		sent:   make(chan *wire.Envelope, 64),
		auth:   make(chan *wire.Envelope, 8),
		onAuth: onAuth,
	}
}

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return net.ErrClosed
	}
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	if env.Cmd == wire.CmdAuth {
		t.auth <- env
		if t.onAuth != nil {
			t.onAuth(env, t)
		}
		return nil
	}
	t.sent <- env
	return nil
}

func (t *fakeTransport) Frames() <-chan transport.Frame { return t.frames }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.frames)
	}
	return nil
}

// push delivers one inbound envelope to the session. Server frames are
// marshalled directly: most inbound traffic carries no cmd tag.
func (t *fakeTransport) push(env *wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	t.pushRaw(data)
}

func (t *fakeTransport) pushRaw(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.frames <- transport.Frame{Data: data}
}

// fail simulates connection loss: one terminal error frame, then the
// sequence ends.
func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.frames <- transport.Frame{Err: err}
	close(t.frames)
}

// fakeDialer hands out fakeTransports and records every dial.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failDials  int // fail this many dials before succeeding
	onAuth     func(req *wire.Envelope, t *fakeTransport)
}

// ackAuth is the default server behavior: acknowledge auth with a token.
func ackAuth(_ *wire.Envelope, t *fakeTransport) {
	t.push(&wire.Envelope{Token: "tok-1"})
}

func (d *fakeDialer) Dial(_ context.Context, addr string) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDials > 0 {
		d.failDials--
		return nil, &transport.ConnectError{Addr: addr, Err: net.ErrClosed}
	}
	onAuth := d.onAuth
	if onAuth == nil {
		onAuth = ackAuth
	}
	t := newFakeTransport(onAuth)
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) transportAt(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func testIdentity() Identity {
	return Identity{AgentID: "agent.one", ConnectionCode: "code-1", ClientName: "test-client"}
}

func testConfig(d *fakeDialer) Config {
	return Config{
		DialTimeout:       time.Second,
		AuthTimeout:       time.Second,
		HeartbeatInterval: time.Minute, // keep the watchdog quiet unless a test wants it
		Backoff:           BackoffConfig{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		Dialer:            d,
	}
}

// waitForState polls until the session reaches the wanted state.
func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Expected state %v, still %v after 2s", want, s.State())
}

func connectReady(t *testing.T, d *fakeDialer, cfg Config) *Session {
	t.Helper()
	s := New(testIdentity(), "wss://n10s.net/stream/ai", cfg)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForState(t, s, StateReady)
	return s
}
