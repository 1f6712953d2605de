// Package mediaconn caches the media upload descriptor (hosts and auth
// token) for its server-supplied TTL.
package mediaconn

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/sync/singleflight"

	"github.com/Exiqonbotz/phoenix-baileys/internal/metrics"
	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

// Host is one upload host.
type Host struct {
	Hostname              string
	MaxContentLengthBytes int64
}

// Conn is a media connection descriptor.
type Conn struct {
	Hosts     []Host
	Auth      string
	TTL       time.Duration
	FetchedAt time.Time
}

// Expired reports whether the descriptor is no longer valid at now.
func (c *Conn) Expired(now time.Time) bool {
	return now.Sub(c.FetchedAt) >= c.TTL
}

type Config struct {
	Transport wa.Transport
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Cache holds the current descriptor. Concurrent refreshes share one query.
type Cache struct {
	transport wa.Transport
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	current *Conn
	flight  singleflight.Group
}

func New(cfg Config) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		transport: cfg.Transport,
		logger:    cfg.Logger.With().Str("component", "mediaconn").Logger(),
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
}

// Get returns the cached descriptor, refreshing it when there is none, it
// expired, or force is set.
func (c *Cache) Get(ctx context.Context, force bool) (*Conn, error) {
	if !force {
		if conn := c.valid(); conn != nil {
			return conn, nil
		}
	}

	key := "refresh"
	if force {
		key = "force"
	}
	ch := c.flight.DoChan(key, func() (any, error) {
		if !force {
			// another caller may have refreshed while we were queued
			if conn := c.valid(); conn != nil {
				return conn, nil
			}
		}
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	}
}

func (c *Cache) valid() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && !c.current.Expired(c.now()) {
		return c.current
	}
	return nil
}

func (c *Cache) refresh(ctx context.Context) (*Conn, error) {
	c.metrics.MediaConnRefresh()
	resp, err := c.transport.Query(ctx, waBinary.Node{
		Tag: "iq",
		Attrs: waBinary.Attrs{
			"type":  "set",
			"xmlns": "w:m",
			"to":    types.ServerJID,
		},
		Content: []waBinary.Node{{Tag: "media_conn"}},
	})
	if err != nil {
		return nil, fmt.Errorf("mediaconn: query: %w", err)
	}
	if err := wa.CheckError(resp); err != nil {
		return nil, fmt.Errorf("mediaconn: query: %w", err)
	}
	conn, err := parse(resp)
	if err != nil {
		return nil, err
	}
	conn.FetchedAt = c.now()

	c.mu.Lock()
	c.current = conn
	c.mu.Unlock()
	c.logger.Debug().Int("hosts", len(conn.Hosts)).Dur("ttl", conn.TTL).Msg("fetched media conn")
	return conn, nil
}

func parse(resp *waBinary.Node) (*Conn, error) {
	node, ok := resp.GetOptionalChildByTag("media_conn")
	if !ok {
		return nil, fmt.Errorf("mediaconn: response has no media_conn")
	}
	ag := node.AttrGetter()
	conn := &Conn{
		Auth: ag.String("auth"),
		TTL:  time.Duration(ag.Int("ttl")) * time.Second,
	}
	for _, h := range node.GetChildrenByTag("host") {
		hag := h.AttrGetter()
		conn.Hosts = append(conn.Hosts, Host{
			Hostname:              hag.String("hostname"),
			MaxContentLengthBytes: optionalInt64(h, "maxContentLengthBytes"),
		})
		if !hag.OK() {
			return nil, fmt.Errorf("mediaconn: host: %w", hag.Error())
		}
	}
	if !ag.OK() {
		return nil, fmt.Errorf("mediaconn: %w", ag.Error())
	}
	return conn, nil
}

func optionalInt64(n waBinary.Node, key string) int64 {
	s, _ := n.Attrs[key].(string)
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
