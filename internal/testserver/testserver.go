// Package testserver is an in-process Neosphere stand-in for integration
// tests: a chi router serving the websocket stream plus the media and
// contacts HTTP endpoints, speaking just enough of the protocol to exercise
// a real client end to end.
package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/niopub/neosphere-go/wire"
)

// Server is a fake Neosphere service bound to an httptest listener.
type Server struct {
	httpSrv *httptest.Server

	// Token is issued on every successful authentication.
	Token string
	// Code is the connection code accepted on first connect.
	Code string

	mu       sync.Mutex
	conns    []*conn
	contacts []map[string]string
	media    map[string][]byte
	nextID   int
	rejects  []string // auth reject reasons, consumed one per attempt
}

type conn struct {
	ws  *websocket.Conn
	ctx context.Context
}

// New starts the fake service. Close it when done.
func New() *Server {
	s := &Server{
		Token: "test-token",
		Code:  "test-code",
		media: make(map[string][]byte),
		contacts: []map[string]string{
			{"share_id": "group-1", "name": "Test Group", "kind": "group"},
		},
	}

	r := chi.NewRouter()
	r.Get("/stream/ai", s.handleStream)
	r.Get("/contacts", s.requireAuth(s.handleContacts))
	r.Get("/media/{mediaID}", s.requireAuth(s.handleMediaGet))
	r.Put("/media/{parentID}", s.requireAuth(s.handleMediaPut))
	r.Post("/media/forward/{toID}/{mediaID}", s.requireAuth(s.handleMediaForward))

	s.httpSrv = httptest.NewServer(r)
	return s
}

// Hostname returns the host:port the fake service listens on.
func (s *Server) Hostname() string {
	return strings.TrimPrefix(s.httpSrv.URL, "http://")
}

// WebSocketURL returns the stream endpoint.
func (s *Server) WebSocketURL() string {
	return "ws://" + s.Hostname() + "/stream/ai"
}

// RejectNextAuth queues an auth rejection; reason "revoked" or "close"
// reads as permanent to the client.
func (s *Server) RejectNextAuth(reason string) {
	s.mu.Lock()
	s.rejects = append(s.rejects, reason)
	s.mu.Unlock()
}

// PutMedia seeds a downloadable media blob.
func (s *Server) PutMedia(mediaID string, data []byte) {
	s.mu.Lock()
	s.media[mediaID] = data
	s.mu.Unlock()
}

// Push sends an envelope to every connected client.
func (s *Server) Push(env *wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conns := make([]*conn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.ws.Write(c.ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections kills every live websocket without a close handshake,
// simulating network loss.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.CloseNow()
	}
}

// ConnectionCount reports live websocket connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close shuts the service down.
func (s *Server) Close() {
	s.DropConnections()
	s.httpSrv.Close()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	defer ws.Close(websocket.StatusNormalClosure, "stream ended")

	// First frame must authenticate.
	_, data, err := ws.Read(ctx)
	if err != nil {
		return
	}
	env, err := wire.Decode(data)
	if err != nil || env.Cmd != wire.CmdAuth {
		return
	}
	if reason := s.popReject(); reason != "" {
		reject, _ := json.Marshal(&wire.Envelope{FromID: wire.SystemID, IsErr: true, Text: reason})
		ws.Write(ctx, websocket.MessageText, reject)
		return
	}
	if env.Code != s.Code && env.Token != s.Token {
		reject, _ := json.Marshal(&wire.Envelope{FromID: wire.SystemID, IsErr: true, Text: "revoked"})
		ws.Write(ctx, websocket.MessageText, reject)
		return
	}
	ack, _ := json.Marshal(&wire.Envelope{Token: s.Token})
	if err := ws.Write(ctx, websocket.MessageText, ack); err != nil {
		return
	}

	c := &conn{ws: ws, ctx: ctx}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	defer s.removeConn(c)

	// Echo loop: group responses bounce back as group messages, queries get
	// an immediate answer. Enough behavior to drive a client through its
	// send and request paths.
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		in, err := wire.Decode(data)
		if err != nil {
			continue
		}
		var out *wire.Envelope
		switch in.Cmd {
		case wire.CmdGroupResponse:
			out = &wire.Envelope{GroupID: in.GroupID, FromID: "human-1", Text: "echo: " + in.Text}
		case wire.CmdQuery:
			out = &wire.Envelope{QueryID: in.QueryID, FromID: in.ToID, IsResp: true, Text: "answer: " + in.Text}
		default:
			continue
		}
		reply, _ := json.Marshal(out)
		if err := ws.Write(ctx, websocket.MessageText, reply); err != nil {
			return
		}
	}
}

func (s *Server) popReject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rejects) == 0 {
		return ""
	}
	reason := s.rejects[0]
	s.rejects = s.rejects[1:]
	return reason
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.conns {
		if other == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.Token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	json.NewEncoder(w).Encode(s.contacts)
}

func (s *Server) handleMediaGet(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "mediaID")
	s.mu.Lock()
	data, ok := s.media[mediaID]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", mediaID+".bin"))
	w.Write(data)
}

func (s *Server) handleMediaPut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("m-%d", s.nextID)
	s.media[id] = buf
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]string{"media_id": id})
}

func (s *Server) handleMediaForward(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "mediaID")
	s.mu.Lock()
	data, ok := s.media[mediaID]
	if !ok {
		s.mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.nextID++
	id := fmt.Sprintf("m-%d", s.nextID)
	s.media[id] = data
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]string{"media_id": id})
}
