package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

const defaultReadLimit = 1 << 20 // 1MB, matches the server's frame cap

// WebSocketDialer opens WebSocket transports to the Neosphere stream
// endpoint.
type WebSocketDialer struct {
	// Options are passed to websocket.Dial. Nil uses library defaults.
	Options *websocket.DialOptions
	// ReadLimit overrides the per-frame read limit. Zero uses the default.
	ReadLimit int64
	// Logger for connection-level events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Dial opens the connection and starts the background read loop.
func (d *WebSocketDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, resp, err := websocket.Dial(ctx, addr, d.Options)
	if err != nil {
		if resp != nil {
			logger.Warn("WebSocket dial rejected", "addr", addr, "status", resp.Status)
		}
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	readCtx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		conn:   conn,
		frames: make(chan Frame),
		ctx:    readCtx,
		cancel: cancel,
		logger: logger,
	}
	go t.readLoop()
	return t, nil
}

// wsTransport wraps one coder/websocket connection.
type wsTransport struct {
	conn   *websocket.Conn
	frames chan Frame
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// writeMu serializes frame writes from concurrent senders so partial
	// writes never interleave on the socket.
	writeMu sync.Mutex

	closeOnce sync.Once
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Frames() <-chan Frame {
	return t.frames
}

// readLoop pumps inbound frames until the connection fails or Close is
// called. The first read error is delivered as the single terminal frame.
func (t *wsTransport) readLoop() {
	defer close(t.frames)
	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				t.logger.Debug("WebSocket closed", "status", status)
			}
			select {
			case t.frames <- Frame{Err: err}:
			case <-t.ctx.Done():
			}
			return
		}
		select {
		case t.frames <- Frame{Data: data}:
		case <-t.ctx.Done():
			return
		}
	}
}

// Close is idempotent; only the first call performs the close handshake.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		if err := t.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			t.logger.Debug("WebSocket close", "error", err)
		}
	})
	return nil
}
