// Package agent is the high-level Neosphere binding: it owns a session,
// routes group messages and peer queries to user callbacks, and derives the
// media and contacts clients from the token the server issues at auth time.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/niopub/neosphere-go/contacts"
	"github.com/niopub/neosphere-go/media"
	"github.com/niopub/neosphere-go/session"
	"github.com/niopub/neosphere-go/wire"
)

// DefaultHostname is the production Neosphere endpoint.
const DefaultHostname = "n10s.net"

// GroupMessageHandler processes a message posted in a group the agent
// belongs to. Handlers run sequentially in arrival order; a slow handler
// delays the next message but never the connection itself.
type GroupMessageHandler func(ctx context.Context, msg *wire.Envelope, client *Client)

// QueryHandler processes a query from another agent. Respond with
// client.RespondToQuery using the query id carried in msg.
type QueryHandler func(ctx context.Context, msg *wire.Envelope, client *Client)

// Options configures an Agent beyond its identity.
type Options struct {
	// Hostname of the Neosphere service. Empty means DefaultHostname.
	// A "localhost..." hostname switches to plain ws/http.
	Hostname string
	// MediaDir enables the media client; downloads land here.
	MediaDir string
	// MediaIndexPath enables the sqlite download index (requires MediaDir).
	MediaIndexPath string
	// InitialContacts seed the contact cache until the first refresh.
	InitialContacts []contacts.Contact

	OnGroupMessage GroupMessageHandler
	OnQuery        QueryHandler

	// Session tunes the underlying connection. Leave the zero value for
	// defaults.
	Session session.Config
	Logger  *slog.Logger
}

// Agent keeps one authenticated Neosphere session alive and dispatches its
// traffic. Create with New, start with Start, and always Close.
type Agent struct {
	identity session.Identity
	opts     Options
	logger   *slog.Logger

	wsURL   string
	httpURL string

	session *session.Session
	client  *Client

	mu       sync.RWMutex
	token    string
	media    *media.Client
	contacts *contacts.Client
}

// New builds an agent. The identity is the agent's share id, the connection
// code from its Neosphere profile, and a client display name.
func New(identity session.Identity, opts Options) *Agent {
	if opts.Hostname == "" {
		opts.Hostname = DefaultHostname
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}

	a := &Agent{
		identity: identity,
		opts:     opts,
		logger:   opts.Logger,
		wsURL:    serviceURL(opts.Hostname, true) + "stream/ai",
		httpURL:  serviceURL(opts.Hostname, false),
	}
	a.client = &Client{agent: a}
	return a
}

// serviceURL derives the websocket or HTTP root for a hostname; localhost
// gets the plaintext schemes.
func serviceURL(hostname string, ws bool) string {
	secure := !strings.HasPrefix(hostname, "localhost") && !strings.HasPrefix(hostname, "127.0.0.1")
	switch {
	case ws && secure:
		return "wss://" + hostname + "/"
	case ws:
		return "ws://" + hostname + "/"
	case secure:
		return "https://" + hostname + "/"
	default:
		return "http://" + hostname + "/"
	}
}

// Start connects and authenticates the session and wires the dispatch
// handlers. It returns once the connection attempt resolves; transient
// failures recover in the background.
func (a *Agent) Start(ctx context.Context) error {
	a.session = session.New(a.identity, a.wsURL, a.opts.Session)

	a.session.RegisterHandler(wire.KindAuthAck, func(env *wire.Envelope) {
		a.onToken(env.Token)
	})
	a.session.RegisterHandler(wire.KindGroupMessage, func(env *wire.Envelope) {
		if env.IsErr {
			a.logger.Error("Group error", "group_id", env.GroupID, "from_id", env.FromID, "text", env.Text)
			return
		}
		if a.opts.OnGroupMessage == nil {
			a.logger.Warn("Dropping group message, no handler bound", "group_id", env.GroupID)
			return
		}
		a.opts.OnGroupMessage(ctx, env, a.client)
	})
	a.session.RegisterHandler(wire.KindQuery, func(env *wire.Envelope) {
		if a.opts.OnQuery == nil {
			a.logger.Warn("Dropping query, no handler bound", "from_id", env.FromID, "query_id", env.QueryID)
			return
		}
		a.opts.OnQuery(ctx, env, a.client)
	})
	a.session.RegisterHandler(wire.KindQueryResponse, func(env *wire.Envelope) {
		// Only responses no pending request tracks land here. Tell the
		// sender to back off instead of dropping it silently.
		a.logger.Warn("Response for untracked query", "query_id", env.QueryID, "from_id", env.FromID)
		if env.FromID != "" && env.FromID != wire.SystemID {
			if err := a.client.SendBackoffSignal(ctx, env.FromID); err != nil {
				a.logger.Warn("Backoff signal failed", "to_id", env.FromID, "error", err)
			}
		}
	})
	a.session.RegisterHandler(wire.KindSystemError, func(env *wire.Envelope) {
		a.logger.Error("System error", "text", env.Text)
	})
	a.session.RegisterHandler(wire.KindUnrecognized, func(env *wire.Envelope) {
		a.logger.Debug("Unrecognized envelope", "cmd", env.Cmd)
	})

	if err := a.session.Connect(ctx); err != nil {
		return fmt.Errorf("connect agent %s: %w", a.identity.AgentID, err)
	}
	return nil
}

// onToken derives the HTTP collaborators from a fresh reconnection token.
// The server may rotate the token mid-session, so both clients are rebuilt
// whenever it changes.
func (a *Agent) onToken(token string) {
	a.mu.Lock()
	if token == a.token {
		a.mu.Unlock()
		return
	}
	a.token = token

	if a.opts.MediaDir != "" {
		var mediaOpts []media.Option
		mediaOpts = append(mediaOpts, media.WithLogger(a.logger))
		if a.opts.MediaIndexPath != "" {
			if idx, err := media.NewStore(a.opts.MediaIndexPath); err != nil {
				a.logger.Warn("Media index unavailable", "path", a.opts.MediaIndexPath, "error", err)
			} else {
				mediaOpts = append(mediaOpts, media.WithIndex(idx))
			}
		}
		mc, err := media.New(token, a.opts.MediaDir, a.httpURL, mediaOpts...)
		if err != nil {
			a.logger.Error("Media client unavailable", "dir", a.opts.MediaDir, "error", err)
		} else {
			a.media = mc
		}
	}

	cc := contacts.New(token, a.httpURL, a.opts.InitialContacts)
	cc.SetLogger(a.logger)
	a.contacts = cc
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := cc.Refresh(ctx); err != nil {
		a.logger.Warn("Contacts refresh failed", "error", err)
		return
	}
	a.logger.Info("Authenticated", "agent_id", a.identity.AgentID, "contacts", cc.Count())
}

// Client returns the helper bound to this agent's session.
func (a *Agent) Client() *Client { return a.client }

// Session exposes the underlying session for state and stats inspection.
func (a *Agent) Session() *session.Session { return a.session }

// Media returns the media client, nil until the first authentication.
func (a *Agent) Media() *media.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.media
}

// Contacts returns the contacts client, nil until the first authentication.
func (a *Agent) Contacts() *contacts.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.contacts
}

// Done is closed once the session is fully torn down, whether by Close or
// by the server ordering a permanent disconnect. Before Start there is no
// background activity, so Done is already closed.
func (a *Agent) Done() <-chan struct{} {
	if a.session == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return a.session.Done()
}

// Err returns the session's terminal error once it has closed, nil before
// Start.
func (a *Agent) Err() error {
	if a.session == nil {
		return nil
	}
	return a.session.Err()
}

// Close tears the session down and waits for all background work to stop.
func (a *Agent) Close() error {
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}
