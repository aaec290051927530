package agent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/niopub/neosphere-go/session"
	"github.com/niopub/neosphere-go/transport"
	"github.com/niopub/neosphere-go/wire"
)

// memTransport scripts the server side of a session in memory.
type memTransport struct {
	mu     sync.Mutex
	closed bool
	frames chan transport.Frame
	sent   chan *wire.Envelope
}

func (t *memTransport) Send(_ context.Context, data []byte) error {
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
		t.push(&wire.Envelope{Token: "tok-1"})
		return nil
	}
	t.sent <- env
	return nil
}

func (t *memTransport) Frames() <-chan transport.Frame { return t.frames }

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.frames)
	}
	return nil
}

func (t *memTransport) push(env *wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.frames <- transport.Frame{Data: data}
	}
}

type memDialer struct {
	mu sync.Mutex
	tr *memTransport
}

func (d *memDialer) Dial(context.Context, string) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tr = &memTransport{
		frames: make(chan transport.Frame, 64),
		sent:   make(chan *wire.Envelope, 64),
	}
	return d.tr, nil
}

func (d *memDialer) transport() *memTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tr
}

// newBackend serves the contacts endpoint the agent hits after auth.
func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/contacts", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"share_id":"group-1","name":"Homework Help","kind":"group"}]`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func startAgent(t *testing.T, opts Options) (*Agent, *memDialer) {
	t.Helper()
	backend := newBackend(t)
	d := &memDialer{}
	opts.Hostname = strings.TrimPrefix(backend.URL, "http://")
	opts.MediaDir = t.TempDir()
	opts.Session.Dialer = d
	opts.Session.DialTimeout = time.Second
	opts.Session.AuthTimeout = time.Second
	opts.Session.HeartbeatInterval = time.Minute

	a := New(session.Identity{AgentID: "agent.one", ConnectionCode: "code-1", ClientName: "test"}, opts)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestStartDerivesClientsFromToken(t *testing.T) {
	a, _ := startAgent(t, Options{})

	waitFor(t, "contacts client", func() bool { return a.Contacts() != nil && a.Contacts().Count() == 1 })
	if a.Media() == nil {
		t.Error("Expected media client after authentication")
	}
	contact, ok := a.Contacts().Lookup("group-1")
	if !ok || contact.Name != "Homework Help" {
		t.Errorf("Expected Homework Help group, got %+v ok=%v", contact, ok)
	}
	if a.Session().Token() != "tok-1" {
		t.Errorf("Expected token tok-1, got %q", a.Session().Token())
	}
}

func TestGroupMessageCallbackAndResponse(t *testing.T) {
	got := make(chan *wire.Envelope, 1)
	_, d := startAgent(t, Options{
		OnGroupMessage: func(ctx context.Context, msg *wire.Envelope, client *Client) {
			got <- msg
			if err := client.RespondToGroup(ctx, msg.GroupID, "hi there", nil, []string{"more", "done"}); err != nil {
				t.Errorf("RespondToGroup failed: %v", err)
			}
		},
	})

	tr := d.transport()
	tr.push(&wire.Envelope{GroupID: "group-1", FromID: "human-3", Text: "hello agent"})

	select {
	case msg := <-got:
		if msg.Text != "hello agent" {
			t.Errorf("Expected hello agent, got %q", msg.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Group message never reached the callback")
	}

	select {
	case out := <-tr.sent:
		if out.Cmd != wire.CmdGroupResponse || out.GroupID != "group-1" || out.Text != "hi there" {
			t.Errorf("Unexpected group response: %+v", out)
		}
		if len(out.Choices) != 2 {
			t.Errorf("Expected 2 choices, got %v", out.Choices)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Group response never sent")
	}
}

func TestQueryCallbackAndAnswer(t *testing.T) {
	_, d := startAgent(t, Options{
		OnQuery: func(ctx context.Context, msg *wire.Envelope, client *Client) {
			if err := client.RespondToQuery(ctx, msg.FromID, msg.QueryID, "the answer", nil); err != nil {
				t.Errorf("RespondToQuery failed: %v", err)
			}
		},
	})

	tr := d.transport()
	tr.push(&wire.Envelope{QueryID: "q-9", FromID: "agent.two", Text: "question?"})

	select {
	case out := <-tr.sent:
		if out.Cmd != wire.CmdAnswer || out.QueryID != "q-9" || out.ToID != "agent.two" || !out.IsResp {
			t.Errorf("Unexpected answer: %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Answer never sent")
	}
}

func TestUntrackedResponseTriggersBackoffSignal(t *testing.T) {
	_, d := startAgent(t, Options{})

	tr := d.transport()
	tr.push(&wire.Envelope{QueryID: "forgotten", FromID: "agent.two", IsResp: true, Text: "too late"})

	select {
	case out := <-tr.sent:
		if out.Cmd != wire.CmdError || out.Text != wire.ReasonBackoff || out.ToID != "agent.two" {
			t.Errorf("Expected w8 signal to agent.two, got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Backoff signal never sent")
	}
}

func TestQueryAgentRoundTrip(t *testing.T) {
	a, d := startAgent(t, Options{})

	tr := d.transport()
	go func() {
		req := <-tr.sent
		tr.push(&wire.Envelope{QueryID: req.QueryID, FromID: "agent.two", IsResp: true, Text: "pong"})
	}()

	reply, err := a.Client().QueryAgent(context.Background(), "agent.two", "ping", nil, time.Second)
	if err != nil {
		t.Fatalf("QueryAgent failed: %v", err)
	}
	if reply.Text != "pong" {
		t.Errorf("Expected pong, got %q", reply.Text)
	}
}

func TestServiceURL(t *testing.T) {
	tests := []struct {
		hostname string
		ws       bool
		want     string
	}{
		{"n10s.net", true, "wss://n10s.net/"},
		{"n10s.net", false, "https://n10s.net/"},
		{"localhost:8080", true, "ws://localhost:8080/"},
		{"localhost:8080", false, "http://localhost:8080/"},
		{"127.0.0.1:9999", false, "http://127.0.0.1:9999/"},
	}
	for _, tt := range tests {
		if got := serviceURL(tt.hostname, tt.ws); got != tt.want {
			t.Errorf("serviceURL(%q, %v) = %q, want %q", tt.hostname, tt.ws, got, tt.want)
		}
	}
}

func TestLifecycleAccessorsBeforeStart(t *testing.T) {
	a := New(session.Identity{AgentID: "agent.one", ConnectionCode: "code-1"}, Options{})

	select {
	case <-a.Done():
	default:
		t.Error("Expected Done to be closed before Start")
	}
	if err := a.Err(); err != nil {
		t.Errorf("Expected nil Err before Start, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Expected nil from Close before Start, got %v", err)
	}
}
