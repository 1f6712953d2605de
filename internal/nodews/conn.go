// Package nodews carries binary protocol nodes over a WebSocket, for bridges
// that hold the real connection in another process.
package nodews

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	waBinary "go.mau.fi/whatsmeow/binary"
)

// Conn wraps a WebSocket connection with binary node framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{HTTPHeader: headers}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("nodews: dial: %w", err)
	}
	ws.SetReadLimit(16 << 20)
	return &Conn{ws: ws}, nil
}

// NewConn wraps an accepted server-side connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// ReadNode reads and decodes one node.
func (c *Conn) ReadNode(ctx context.Context) (*waBinary.Node, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("nodews: read: %w", err)
	}
	return Decode(data)
}

// WriteNode encodes and sends one node.
func (c *Conn) WriteNode(ctx context.Context, node waBinary.Node) error {
	data, err := waBinary.Marshal(node)
	if err != nil {
		return fmt.Errorf("nodews: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("nodews: write: %w", err)
	}
	return nil
}

// Ping sends a WebSocket ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Decode unpacks a frame (flag byte, optional compression) into a node.
func Decode(data []byte) (*waBinary.Node, error) {
	unpacked, err := waBinary.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("nodews: unpack: %w", err)
	}
	node, err := waBinary.Unmarshal(unpacked)
	if err != nil {
		return nil, fmt.Errorf("nodews: unmarshal: %w", err)
	}
	return node, nil
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
