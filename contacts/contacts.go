// Package contacts fetches and caches the agent's contact list: the groups
// and fellow agents it is allowed to message. The list is pulled over HTTP
// once the session authenticates and can be refreshed at any time.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
)

// Contact is one entry of the agent's contact list.
type Contact struct {
	ShareID string `json:"share_id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"` // "group" or "agent"
}

// Client caches the agent's contacts and refreshes them over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string // ends in /contacts
	token      string
	logger     *slog.Logger

	mu   sync.RWMutex
	byID map[string]Contact
}

// New builds a contacts client. baseURL is the service's HTTP root; initial
// seeds the cache until the first Refresh.
func New(token, baseURL string, initial []Contact) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/contacts",
		token:      token,
		logger:     slog.Default(),
		byID:       make(map[string]Contact, len(initial)),
	}
	for _, contact := range initial {
		c.byID[contact.ShareID] = contact
	}
	return c
}

// SetHTTPClient replaces the default HTTP client (tests inject short
// timeouts here).
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// SetLogger replaces the default logger.
func (c *Client) SetLogger(l *slog.Logger) { c.logger = l }

// Refresh replaces the cached list with the server's current one.
func (c *Client) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?for_agent=true", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("product", "niopub")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch contacts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var class error
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			class = errdefs.ErrUnauthenticated
		case http.StatusForbidden:
			class = errdefs.ErrPermissionDenied
		case http.StatusNotFound:
			class = errdefs.ErrNotFound
		default:
			class = errdefs.ErrUnavailable
		}
		return fmt.Errorf("fetch contacts: %w: server returned %s", class, resp.Status)
	}

	var list []Contact
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decode contacts: %w", err)
	}

	byID := make(map[string]Contact, len(list))
	for _, contact := range list {
		byID[contact.ShareID] = contact
	}
	c.mu.Lock()
	c.byID = byID
	c.mu.Unlock()
	c.logger.Debug("Contacts refreshed", "count", len(byID))
	return nil
}

// Lookup returns the contact with the given share id.
func (c *Client) Lookup(shareID string) (Contact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	contact, ok := c.byID[shareID]
	return contact, ok
}

// Count returns the number of cached contacts.
func (c *Client) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// All returns a copy of the cached contact list.
func (c *Client) All() []Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]Contact, 0, len(c.byID))
	for _, contact := range c.byID {
		list = append(list, contact)
	}
	return list
}
