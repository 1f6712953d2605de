// Package phoenix relays end-to-end encrypted messages to every device of a
// multi-device account, group, status audience or newsletter.
package phoenix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"github.com/Exiqonbotz/phoenix-baileys/internal/devices"
	"github.com/Exiqonbotz/phoenix-baileys/internal/encryptor"
	"github.com/Exiqonbotz/phoenix-baileys/internal/events"
	"github.com/Exiqonbotz/phoenix-baileys/internal/keystore"
	"github.com/Exiqonbotz/phoenix-baileys/internal/mediaconn"
	"github.com/Exiqonbotz/phoenix-baileys/internal/mediaretry"
	"github.com/Exiqonbotz/phoenix-baileys/internal/metrics"
	"github.com/Exiqonbotz/phoenix-baileys/internal/privacy"
	"github.com/Exiqonbotz/phoenix-baileys/internal/receipts"
	"github.com/Exiqonbotz/phoenix-baileys/internal/relay"
	"github.com/Exiqonbotz/phoenix-baileys/internal/sessions"
	"github.com/Exiqonbotz/phoenix-baileys/internal/store"
	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

// Re-exported so callers outside the module can name them.
type (
	Credentials      = wa.Credentials
	Transport        = wa.Transport
	SignalRepository = wa.SignalRepository
	RelayOptions     = relay.Options
	RelayResult      = relay.Result
	ReceiptType      = receipts.Type
	MediaConn        = mediaconn.Conn
	MediaUpdate      = mediaretry.Update
	DeviceAddress    = devices.Address
)

// ErrNoSignalRepository is returned for encrypted sends on a client built
// without a signal repository.
var ErrNoSignalRepository = errors.New("phoenix: no signal repository configured")

const publishTimeout = 5 * time.Second

// Client owns the connection-scoped state (device cache, sender-key memory,
// media descriptor) and the components that use it.
type Client struct {
	creds     wa.Credentials
	transport wa.Transport
	signal    wa.SignalRepository
	logger    zerolog.Logger

	store        *store.Store
	deviceTTL    time.Duration
	keyBackend   keystore.Backend
	deviceCache  devices.Cache
	registerer   prometheus.Registerer
	publisher    events.Publisher
	groups       wa.GroupMetadataFetcher
	privacyFetch wa.PrivacySettingsFetcher
	patch        wa.MessagePatcher
	closers      []io.Closer

	keys       *keystore.Transactional
	metrics    *metrics.Metrics
	directory  *devices.Directory
	sessions   *sessions.Manager
	encryptor  *encryptor.Encryptor
	relay      *relay.Engine
	receipts   *receipts.Dispatcher
	mediaConn  *mediaconn.Cache
	mediaRetry *mediaretry.Requester
	tokens     *privacy.Tokens
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStore keeps keys and device lists in st. It is closed with the client.
func WithStore(st *store.Store, deviceTTL time.Duration) Option {
	return func(c *Client) {
		c.store = st
		c.deviceTTL = deviceTTL
	}
}

// WithKeyBackend overrides the key store backend. The default is in memory.
func WithKeyBackend(b keystore.Backend) Option {
	return func(c *Client) { c.keyBackend = b }
}

// WithDeviceCache overrides the device list cache.
func WithDeviceCache(cache devices.Cache) Option {
	return func(c *Client) { c.deviceCache = cache }
}

// WithMetrics registers the client counters on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = reg }
}

// WithPublisher publishes an event for every relayed message.
func WithPublisher(p events.Publisher) Option {
	return func(c *Client) { c.publisher = p }
}

// WithGroupMetadata sets how group rosters are looked up.
func WithGroupMetadata(f wa.GroupMetadataFetcher) Option {
	return func(c *Client) { c.groups = f }
}

// WithPrivacySettings sets how the read receipt setting is looked up.
func WithPrivacySettings(f wa.PrivacySettingsFetcher) Option {
	return func(c *Client) { c.privacyFetch = f }
}

// WithPatcher sets a hook that may rewrite a payload before encryption.
func WithPatcher(p wa.MessagePatcher) Option {
	return func(c *Client) { c.patch = p }
}

// WithCloser registers a resource to close with the client.
func WithCloser(cl io.Closer) Option {
	return func(c *Client) { c.closers = append(c.closers, cl) }
}

// New wires a client. signal may be nil for clients that only resolve
// devices, send receipts or post to newsletters.
func New(creds wa.Credentials, transport wa.Transport, signal wa.SignalRepository, opts ...Option) *Client {
	c := &Client{
		creds:     creds,
		transport: transport,
		signal:    signal,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.store != nil {
		c.closers = append(c.closers, c.store)
		if c.keyBackend == nil {
			c.keyBackend = c.store
		}
		if c.deviceCache == nil {
			c.deviceCache = devices.NewStoreCache(c.store, c.deviceTTL, c.logger)
		}
	}
	if c.keyBackend == nil {
		c.keyBackend = keystore.NewMemory()
	}
	if c.deviceCache == nil {
		c.deviceCache = devices.NewMemoryCache(devices.DefaultTTL)
	}

	c.metrics = metrics.New(c.registerer)
	c.keys = keystore.New(c.keyBackend, c.logger)
	c.directory = devices.New(devices.Config{
		Transport: transport,
		Cache:     c.deviceCache,
		Me:        creds.ID,
		Logger:    c.logger,
		Metrics:   c.metrics,
	})
	c.sessions = sessions.New(sessions.Config{
		Transport: transport,
		Signal:    signal,
		Keys:      c.keys,
		Logger:    c.logger,
		Metrics:   c.metrics,
	})
	c.encryptor = encryptor.New(encryptor.Config{
		Signal: signal,
		Patch:  c.patch,
		Logger: c.logger,
	})
	c.relay = relay.New(relay.Config{
		Credentials: creds,
		Transport:   transport,
		Keys:        c.keys,
		Devices:     c.directory,
		Sessions:    c.sessions,
		Encryptor:   c.encryptor,
		Groups:      c.groups,
		Patch:       c.patch,
		Logger:      c.logger,
		Metrics:     c.metrics,
	})
	c.receipts = receipts.New(receipts.Config{
		Transport: transport,
		Privacy:   c.privacyFetch,
		Logger:    c.logger,
		Metrics:   c.metrics,
	})
	c.mediaConn = mediaconn.New(mediaconn.Config{
		Transport: transport,
		Logger:    c.logger,
		Metrics:   c.metrics,
	})
	c.mediaRetry = mediaretry.New(mediaretry.Config{
		Transport:   transport,
		Credentials: creds,
		Logger:      c.logger,
		Metrics:     c.metrics,
	})
	c.tokens = privacy.New(privacy.Config{
		Transport: transport,
		Logger:    c.logger,
	})
	return c
}

// Credentials returns the identity the client sends as.
func (c *Client) Credentials() wa.Credentials { return c.creds }

// RelayMessage encrypts msg for every device behind to and sends it.
func (c *Client) RelayMessage(ctx context.Context, to types.JID, msg *waE2E.Message, opts relay.Options) (relay.Result, error) {
	if c.signal == nil && wa.DestinationKind(to) != wa.KindNewsletter {
		return relay.Result{}, ErrNoSignalRepository
	}
	res, err := c.relay.Relay(ctx, to, msg, opts)
	if err != nil {
		return res, err
	}
	c.publish(ctx, res)
	return res, nil
}

func (c *Client) publish(ctx context.Context, res relay.Result) {
	if c.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	err := c.publisher.Publish(ctx, events.Event{
		Type:      events.TypeMessageRelayed,
		MessageID: res.ID,
		To:        res.To.String(),
		Kind:      string(res.Kind),
		Devices:   res.Devices,
		Timestamp: time.Now(),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("id", res.ID).Msg("failed to publish relay event")
	}
}

// ResolveDevices returns the device addresses of jids.
func (c *Client) ResolveDevices(ctx context.Context, jids []types.JID, useCache, ignoreZero bool) ([]devices.Address, error) {
	return c.directory.Resolve(ctx, jids, useCache, ignoreZero)
}

// AssertSessions makes sure a session exists with every device in jids.
func (c *Client) AssertSessions(ctx context.Context, jids []types.JID, force bool) (bool, error) {
	if c.signal == nil {
		return false, ErrNoSignalRepository
	}
	return c.sessions.Ensure(ctx, jids, force)
}

// SendReceipt sends one receipt covering ids.
func (c *Client) SendReceipt(ctx context.Context, chat, participant types.JID, ids []string, typ receipts.Type) error {
	return c.receipts.SendReceipt(ctx, chat, participant, ids, typ)
}

// SendReceipts sends one receipt per chat and participant in keys.
func (c *Client) SendReceipts(ctx context.Context, keys []*waCommon.MessageKey, typ receipts.Type) error {
	return c.receipts.SendReceipts(ctx, keys, typ)
}

// ReadMessages marks keys as read.
func (c *Client) ReadMessages(ctx context.Context, keys []*waCommon.MessageKey) error {
	return c.receipts.ReadMessages(ctx, keys)
}

// RefreshMediaConn returns the media upload descriptor, fetching a new one
// when it expired or force is set.
func (c *Client) RefreshMediaConn(ctx context.Context, force bool) (*mediaconn.Conn, error) {
	return c.mediaConn.Get(ctx, force)
}

// UpdateMediaMessage asks the sender's phone to re-upload the media in msg.
func (c *Client) UpdateMediaMessage(ctx context.Context, key *waCommon.MessageKey, msg *waE2E.Message) error {
	return c.mediaRetry.UpdateMediaMessage(ctx, key, msg)
}

// HandleMediaRetryNotification routes an incoming mediaretry notification to
// the UpdateMediaMessage call waiting for it.
func (c *Client) HandleMediaRetryNotification(node *waBinary.Node) error {
	update, err := mediaretry.ParseNotification(node)
	if err != nil {
		return err
	}
	if c.mediaRetry.Deliver(update) == 0 {
		c.logger.Debug().Str("id", update.Key.GetID()).Msg("no waiter for media retry notification")
	}
	return nil
}

// GetPrivacyTokens issues trusted-contact tokens for jids.
func (c *Client) GetPrivacyTokens(ctx context.Context, jids []types.JID) (*waBinary.Node, error) {
	return c.tokens.Issue(ctx, jids)
}

// Close releases the store, publisher and any registered closers.
func (c *Client) Close() error {
	var errs []error
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
