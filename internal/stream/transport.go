package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelhq/ordersync/config"
)

// Transport is an abstract bidirectional message channel. The production
// implementation speaks websocket; tests substitute scripted fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a connected Transport for the given settings.
type Dialer func(ctx context.Context, cfg config.StreamSettings) (Transport, error)

// WebsocketDialer dials cfg.URL and returns a websocket-backed transport.
func WebsocketDialer(ctx context.Context, cfg config.StreamSettings) (Transport, error) {
	tr := &wsTransport{
		url:              cfg.URL,
		handshakeTimeout: cfg.HandshakeTimeout,
		readLimit:        cfg.ReadLimit,
	}
	if err := tr.Connect(ctx); err != nil {
		return nil, err
	}
	return tr, nil
}

type wsTransport struct {
	url              string
	handshakeTimeout time.Duration
	readLimit        int64
	conn             *websocket.Conn
}

func (t *wsTransport) Connect(ctx context.Context) error {
	dialCtx := ctx
	if t.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.handshakeTimeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(dialCtx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}
	t.conn = conn
	return nil
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	if t.conn == nil {
		return fmt.Errorf("transport not connected")
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	if t.conn == nil {
		return nil, fmt.Errorf("transport not connected")
	}
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read websocket: %w", err)
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "shutdown")
	t.conn = nil
	if err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}
