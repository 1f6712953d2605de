package nodews

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
)

const (
	defaultQueryTimeout      = 60 * time.Second
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second
)

var ErrClosed = errors.New("nodews: connection closed")

// Client is a wa.Transport over a node WebSocket. Responses are matched to
// queries by their id attribute; every other node goes to the handler.
type Client struct {
	conn   *Conn
	logger zerolog.Logger

	tlsConf *tls.Config
	headers http.Header

	queryTimeout      time.Duration
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	keepAliveCallback func(rtt time.Duration)
	handler           func(*waBinary.Node)

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan *waBinary.Node
	closed  atomic.Bool
	done    chan struct{}
	err     error

	cancel context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithTLSConfig sets the TLS configuration for the handshake.
func WithTLSConfig(c *tls.Config) Option {
	return func(cl *Client) { cl.tlsConf = c }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(cl *Client) { cl.headers = h }
}

// WithQueryTimeout bounds how long Query waits for a response when the
// caller's context has no deadline.
func WithQueryTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.queryTimeout = d }
}

// WithKeepAliveInterval sets the interval between pings. Zero disables them.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(cl *Client) { cl.keepAliveInterval = d }
}

// WithKeepAliveTimeout sets how long to wait for a pong.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.keepAliveTimeout = d }
}

// WithKeepAliveCallback sets a function called on each successful ping round-trip.
func WithKeepAliveCallback(fn func(rtt time.Duration)) Option {
	return func(cl *Client) { cl.keepAliveCallback = fn }
}

// WithHandler receives nodes that are not responses to a pending query.
func WithHandler(fn func(*waBinary.Node)) Option {
	return func(cl *Client) { cl.handler = fn }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// DialClient connects to url and starts the read and keep-alive loops.
func DialClient(ctx context.Context, url string, opts ...Option) (*Client, error) {
	cl := &Client{
		logger:            zerolog.Nop(),
		queryTimeout:      defaultQueryTimeout,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
		pending:           make(map[string]chan *waBinary.Node),
		done:              make(chan struct{}),
	}
	for _, o := range opts {
		o(cl)
	}
	cl.logger = cl.logger.With().Str("component", "nodews").Logger()

	conn, err := Dial(ctx, url, cl.tlsConf, cl.headers)
	if err != nil {
		return nil, err
	}
	cl.conn = conn

	loopCtx, cancel := context.WithCancel(context.Background())
	cl.cancel = cancel
	go cl.readLoop(loopCtx)
	if cl.keepAliveInterval > 0 {
		go cl.keepAliveLoop(loopCtx)
	}
	return cl, nil
}

// Query sends node and waits for the node carrying the same id. An id is
// generated when node has none.
func (cl *Client) Query(ctx context.Context, node waBinary.Node) (*waBinary.Node, error) {
	id, _ := node.Attrs["id"].(string)
	if id == "" {
		id = uuid.NewString()
		attrs := make(waBinary.Attrs, len(node.Attrs)+1)
		for k, v := range node.Attrs {
			attrs[k] = v
		}
		attrs["id"] = id
		node.Attrs = attrs
	}

	ch := make(chan *waBinary.Node, 1)
	cl.mu.Lock()
	if cl.closed.Load() {
		cl.mu.Unlock()
		return nil, ErrClosed
	}
	cl.pending[id] = ch
	cl.mu.Unlock()
	defer func() {
		cl.mu.Lock()
		delete(cl.pending, id)
		cl.mu.Unlock()
	}()

	if err := cl.write(ctx, node); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && cl.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cl.queryTimeout)
		defer cancel()
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-cl.done:
		return nil, cl.closeErr()
	case <-ctx.Done():
		return nil, fmt.Errorf("nodews: query %s: %w", id, ctx.Err())
	}
}

// SendNode writes node without waiting for an answer.
func (cl *Client) SendNode(ctx context.Context, node waBinary.Node) error {
	if cl.closed.Load() {
		return ErrClosed
	}
	return cl.write(ctx, node)
}

func (cl *Client) write(ctx context.Context, node waBinary.Node) error {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	return cl.conn.WriteNode(ctx, node)
}

// Done is closed when the connection ends.
func (cl *Client) Done() <-chan struct{} { return cl.done }

// Close stops the loops and closes the connection.
func (cl *Client) Close() error {
	defer cl.cancel()
	if cl.closed.Swap(true) {
		cl.conn.CloseNow()
		return nil
	}
	return cl.conn.Close()
}

func (cl *Client) closeErr() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.err != nil {
		return cl.err
	}
	return ErrClosed
}

func (cl *Client) readLoop(ctx context.Context) {
	defer close(cl.done)
	for {
		node, err := cl.conn.ReadNode(ctx)
		if err != nil {
			cl.mu.Lock()
			closing := cl.closed.Swap(true)
			if !closing {
				cl.err = err
			}
			cl.mu.Unlock()
			if !closing {
				cl.logger.Warn().Err(err).Msg("connection ended")
			}
			return
		}
		id, _ := node.Attrs["id"].(string)
		cl.mu.Lock()
		ch, ok := cl.pending[id]
		if ok {
			delete(cl.pending, id)
		}
		cl.mu.Unlock()
		if ok {
			ch <- node
			continue
		}
		if cl.handler != nil {
			cl.handler(node)
		} else {
			cl.logger.Debug().Str("tag", node.Tag).Msg("dropping unsolicited node")
		}
	}
}

func (cl *Client) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(cl.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cl.done:
			return
		case <-ticker.C:
			start := time.Now()
			pingCtx, cancel := context.WithTimeout(ctx, cl.keepAliveTimeout)
			err := cl.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					cl.logger.Warn().Err(err).Msg("keep-alive failed, closing")
					cl.conn.CloseNow()
				}
				return
			}
			if cl.keepAliveCallback != nil {
				cl.keepAliveCallback(time.Since(start))
			}
		}
	}
}
