package phoenix

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"

	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/types"

	"github.com/Exiqonbotz/phoenix-baileys/internal/config"
	"github.com/Exiqonbotz/phoenix-baileys/internal/devices"
	"github.com/Exiqonbotz/phoenix-baileys/internal/events"
	"github.com/Exiqonbotz/phoenix-baileys/internal/keystore"
	"github.com/Exiqonbotz/phoenix-baileys/internal/nodews"
	"github.com/Exiqonbotz/phoenix-baileys/internal/store"
	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

// Open builds a client from cfg: it opens the SQLite store, loads or records
// the account, dials the node transport and sets up the optional Redis device
// cache and AMQP publisher. Options are applied after the ones derived from
// cfg.
func Open(ctx context.Context, cfg *config.Config, signal wa.SignalRepository, opts ...Option) (_ *Client, err error) {
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}

	// opened is released in reverse if Open fails part way.
	var opened []io.Closer
	defer func() {
		if err == nil {
			return
		}
		for i := len(opened) - 1; i >= 0; i-- {
			opened[i].Close()
		}
	}()

	dbPath := cfg.Store
	if dbPath == "" {
		dbPath = filepath.Join(store.DefaultDataDir(), "phoenix.db")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	opened = append(opened, st)
	creds, err := loadCredentials(st, cfg)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("path", dbPath).Str("jid", creds.ID.String()).Msg("opened store")

	if cfg.Transport.URL == "" {
		return nil, fmt.Errorf("phoenix: transport url not configured")
	}
	var client atomic.Pointer[Client]
	transport, err := nodews.DialClient(ctx, cfg.Transport.URL,
		nodews.WithLogger(logger),
		nodews.WithQueryTimeout(cfg.Transport.QueryTimeout),
		nodews.WithHandler(func(node *waBinary.Node) {
			if c := client.Load(); c != nil {
				c.handleNode(node)
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	opened = append(opened, transport)

	base := []Option{
		WithLogger(logger),
		WithStore(st, cfg.Devices.TTL),
		WithCloser(transport),
	}
	if cfg.Devices.Redis.Addr != "" {
		cache := devices.NewRedisCache(devices.RedisOptions{
			Addr:     cfg.Devices.Redis.Addr,
			Password: cfg.Devices.Redis.Password,
			DB:       cfg.Devices.Redis.DB,
			Prefix:   cfg.Devices.Redis.Prefix,
			TTL:      cfg.Devices.TTL,
		}, logger)
		opened = append(opened, cache)
		base = append(base, WithDeviceCache(cache), WithCloser(cache))
	}
	if cfg.Events.AMQPURL != "" {
		pub, err := events.NewAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
		if err != nil {
			return nil, err
		}
		base = append(base, WithPublisher(pub))
	}

	c := New(creds, transport, signal, append(base, opts...)...)
	client.Store(c)
	return c, nil
}

// loadCredentials reads the account from st. Identities set in cfg take
// precedence and are written back.
func loadCredentials(st *store.Store, cfg *config.Config) (wa.Credentials, error) {
	acct, err := st.LoadAccount()
	if err != nil {
		return wa.Credentials{}, err
	}
	if acct == nil {
		acct = &store.Account{}
	}
	changed := false
	if cfg.Me.JID != "" && cfg.Me.JID != acct.JID {
		acct.JID = cfg.Me.JID
		changed = true
	}
	if cfg.Me.LID != "" && cfg.Me.LID != acct.LID {
		acct.LID = cfg.Me.LID
		changed = true
	}
	if acct.JID == "" {
		return wa.Credentials{}, fmt.Errorf("phoenix: no account in store and no jid configured")
	}
	if changed {
		if err := st.SaveAccount(acct); err != nil {
			return wa.Credentials{}, err
		}
	}
	return acct.Credentials()
}

func (c *Client) handleNode(node *waBinary.Node) {
	if node.Tag == "notification" && node.Attrs["type"] == "mediaretry" {
		if err := c.HandleMediaRetryNotification(node); err != nil {
			c.logger.Warn().Err(err).Msg("bad media retry notification")
		}
		return
	}
	c.logger.Trace().Str("tag", node.Tag).Msg("ignoring node")
}

// Keys exposes the transactional key store so a signal repository can share
// it with the session check.
func (c *Client) Keys() keystore.Store { return c.keys }

// ForgetSenderKeyMemory drops the record of which devices hold our sender key
// for group, so the next send redistributes it.
func (c *Client) ForgetSenderKeyMemory(ctx context.Context, group types.JID) error {
	return keystore.ForgetSenderKeyMemory(ctx, c.keys, group)
}
