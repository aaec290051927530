package agent

import (
	"context"
	"time"

	"github.com/niopub/neosphere-go/contacts"
	"github.com/niopub/neosphere-go/media"
	"github.com/niopub/neosphere-go/wire"
)

// Client is the helper handed to message handlers: everything an agent does
// in reaction to traffic goes through it.
type Client struct {
	agent *Agent
}

// RespondToGroup posts a response into a group, optionally attaching media
// ids and suggested reply choices.
func (c *Client) RespondToGroup(ctx context.Context, groupID, text string, mediaIDs, choices []string) error {
	return c.agent.session.Send(ctx, wire.NewGroupResponse(groupID, text, mediaIDs, choices))
}

// QueryAgent sends a query to another agent and waits for its response. The
// correlation id is allocated by the session; timeout <= 0 uses the session
// default. The wait rides out a reconnect: only the timeout or the reply
// ends it.
func (c *Client) QueryAgent(ctx context.Context, agentID, query string, mediaIDs []string, timeout time.Duration) (*wire.Envelope, error) {
	return c.agent.session.SendRequest(ctx, wire.NewQuery(agentID, "", query, mediaIDs), timeout)
}

// RespondToQuery answers a query received from another agent. queryID must
// be the id carried by the incoming query envelope.
func (c *Client) RespondToQuery(ctx context.Context, agentID, queryID, text string, mediaIDs []string) error {
	return c.agent.session.Send(ctx, wire.NewQueryResponse(agentID, queryID, text, mediaIDs))
}

// SendBackoffSignal tells a peer its response arrived for a query this agent
// no longer tracks, so the peer should slow down or re-query.
func (c *Client) SendBackoffSignal(ctx context.Context, toID string) error {
	return c.agent.session.Send(ctx, wire.NewBackoffSignal(toID))
}

// Media returns the media client, nil until the first authentication.
func (c *Client) Media() *media.Client { return c.agent.Media() }

// Contacts returns the contacts client, nil until the first authentication.
func (c *Client) Contacts() *contacts.Client { return c.agent.Contacts() }
