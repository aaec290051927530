// Package media is the auxiliary HTTP client for Neosphere media: download
// by id into a local directory, upload file attachments, and server-side
// forwarding of existing media to another recipient. It authenticates with
// the session's reconnection token.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

const productHeader = "niopub"

// Client talks to the Neosphere media API.
type Client struct {
	httpClient *http.Client
	baseURL    string // ends in /media/
	token      string
	dir        string
	index      *Store // optional
	logger     *slog.Logger
}

// Option adjusts a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithIndex attaches a download index; repeated Gets for the same media id
// then reuse the file already on disk.
func WithIndex(s *Store) Option {
	return func(c *Client) { c.index = s }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a media client. baseURL is the service's HTTP root (for
// example "https://n10s.net/"); dir is created if missing and receives every
// download.
func New(token, dir, baseURL string, opts ...Option) (*Client, error) {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create media directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat media directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("media path %q is not a directory", dir)
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/media/",
		token:      token,
		dir:        dir,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dir returns the download directory.
func (c *Client) Dir() string { return c.dir }

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("product", productHeader)
}

// Get downloads a media id into the media directory and returns the file
// path. The filename comes from the Content-Disposition header when the
// server sends one, otherwise the media id plus an extension derived from
// the Content-Type. With an index attached, a previously downloaded file
// that is still on disk is returned without touching the network.
func (c *Client) Get(ctx context.Context, mediaID string) (string, error) {
	if c.index != nil {
		path, ok, err := c.index.Lookup(ctx, mediaID)
		if err != nil {
			return "", err
		}
		if ok {
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
			// File was removed from disk: drop the stale entry and re-fetch.
			if err := c.index.Forget(ctx, mediaID); err != nil {
				c.logger.Warn("Dropping stale media index entry failed", "media_id", mediaID, "error", err)
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+mediaID, nil)
	if err != nil {
		return "", err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get media %s: %w", mediaID, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return "", fmt.Errorf("get media %s: %w", mediaID, err)
	}

	filename := downloadFilename(mediaID, resp.Header)
	path := filepath.Join(c.dir, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	size, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write media file: %w", err)
	}

	if c.index != nil {
		if err := c.index.Record(ctx, mediaID, path, size); err != nil {
			c.logger.Warn("Recording download failed", "media_id", mediaID, "error", err)
		}
	}
	c.logger.Debug("Media downloaded", "media_id", mediaID, "path", path, "bytes", size)
	return path, nil
}

// GetAll downloads several media ids, returning the paths in the same
// order. The first failure aborts the batch.
func (c *Client) GetAll(ctx context.Context, mediaIDs ...string) ([]string, error) {
	paths := make([]string, 0, len(mediaIDs))
	for _, id := range mediaIDs {
		path, err := c.Get(ctx, id)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// downloadFilename picks the on-disk name for a download: the
// Content-Disposition filename when present, else media id + the
// Content-Type subtype as extension.
func downloadFilename(mediaID string, h http.Header) string {
	if cd := h.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := filepath.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return name
			}
		}
		return mediaID
	}
	ct := h.Get("Content-Type")
	if ct == "" {
		return mediaID
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		if idx := strings.LastIndex(mt, "/"); idx >= 0 && idx < len(mt)-1 {
			return mediaID + "." + mt[idx+1:]
		}
	}
	return mediaID
}

// Save uploads a file as an attachment of parentID (the group being
// responded to, or another agent's share id) and returns the media id the
// server assigned. An empty contentType is guessed from the filename.
func (c *Client) Save(ctx context.Context, parentID, filename string, content io.Reader, contentType string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("save media: %w: filename required", errdefs.ErrInvalidArgument)
	}
	filename = filepath.Base(filename)
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filename))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}

	body := &strings.Builder{}
	w := multipart.NewWriter(body)
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	hdr["Content-Type"] = []string{contentType}
	part, err := w.CreatePart(hdr)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+parentID, strings.NewReader(body.String()))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("save media: %w", err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return "", fmt.Errorf("save media: %w", err)
	}
	return decodeMediaID(resp.Body)
}

// SaveFile uploads the file at path, deriving filename and content type
// from it.
func (c *Client) SaveFile(ctx context.Context, parentID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open media file: %w", err)
	}
	defer f.Close()
	return c.Save(ctx, parentID, filepath.Base(path), f, "")
}

// Forward creates a server-side copy of mediaID addressed to toID (a group
// or agent share id), avoiding a download/re-upload round trip. It returns
// the new media id.
func (c *Client) Forward(ctx context.Context, toID, mediaID string) (string, error) {
	url := fmt.Sprintf("%sforward/%s/%s?for_agent=true", c.baseURL, toID, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("forward media %s: %w", mediaID, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return "", fmt.Errorf("forward media %s: %w", mediaID, err)
	}
	return decodeMediaID(resp.Body)
}

// ForwardAll forwards several media ids to the same recipient, returning the
// new ids in order.
func (c *Client) ForwardAll(ctx context.Context, toID string, mediaIDs ...string) ([]string, error) {
	newIDs := make([]string, 0, len(mediaIDs))
	for _, id := range mediaIDs {
		newID, err := c.Forward(ctx, toID, id)
		if err != nil {
			return newIDs, err
		}
		newIDs = append(newIDs, newID)
	}
	return newIDs, nil
}

func decodeMediaID(r io.Reader) (string, error) {
	var out struct {
		MediaID string `json:"media_id"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return "", fmt.Errorf("decode media response: %w", err)
	}
	if out.MediaID == "" {
		return "", fmt.Errorf("decode media response: %w: missing media_id", errdefs.ErrInternal)
	}
	return out.MediaID, nil
}

// statusError maps a non-2xx response to a standard error class, so callers
// can branch with errdefs.IsNotFound and friends.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var class error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		class = errdefs.ErrUnauthenticated
	case http.StatusForbidden:
		class = errdefs.ErrPermissionDenied
	case http.StatusNotFound:
		class = errdefs.ErrNotFound
	case http.StatusTooManyRequests:
		class = errdefs.ErrResourceExhausted
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		class = errdefs.ErrUnavailable
	default:
		class = errdefs.ErrInternal
	}
	return fmt.Errorf("%w: server returned %s", class, resp.Status)
}
