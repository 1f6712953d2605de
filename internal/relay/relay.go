// Package relay assembles and sends outgoing message stanzas: it resolves the
// device fanout of a destination, makes sure sessions exist, encrypts per
// device or per group and decorates the stanza for the destination kind.
package relay

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"github.com/Exiqonbotz/phoenix-baileys/internal/devices"
	"github.com/Exiqonbotz/phoenix-baileys/internal/encryptor"
	"github.com/Exiqonbotz/phoenix-baileys/internal/keystore"
	"github.com/Exiqonbotz/phoenix-baileys/internal/metrics"
	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

// DeviceResolver is implemented by *devices.Directory.
type DeviceResolver interface {
	Resolve(ctx context.Context, jids []types.JID, useCache, ignoreZero bool) ([]devices.Address, error)
}

// SessionEnsurer is implemented by *sessions.Manager.
type SessionEnsurer interface {
	Ensure(ctx context.Context, jids []types.JID, force bool) (bool, error)
}

type Config struct {
	Credentials wa.Credentials
	Transport   wa.Transport
	Keys        keystore.Store
	Devices     DeviceResolver
	Sessions    SessionEnsurer
	Encryptor   *encryptor.Encryptor
	Groups      wa.GroupMetadataFetcher
	Patch       wa.MessagePatcher
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

type Engine struct {
	creds     wa.Credentials
	transport wa.Transport
	keys      keystore.Store
	devices   DeviceResolver
	sessions  SessionEnsurer
	encryptor *encryptor.Encryptor
	groups    wa.GroupMetadataFetcher
	patch     wa.MessagePatcher
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func New(cfg Config) *Engine {
	if cfg.Patch == nil {
		cfg.Patch = wa.NoopPatcher
	}
	return &Engine{
		creds:     cfg.Credentials,
		transport: cfg.Transport,
		keys:      cfg.Keys,
		devices:   cfg.Devices,
		sessions:  cfg.Sessions,
		encryptor: cfg.Encryptor,
		groups:    cfg.Groups,
		patch:     cfg.Patch,
		logger:    cfg.Logger.With().Str("component", "relay").Logger(),
		metrics:   cfg.Metrics,
	}
}

// Options are the optional parameters of one relay call.
type Options struct {
	// MessageID overrides the generated id.
	MessageID string
	// Participant narrows the send to one device, as asked for by a retry
	// receipt.
	Participant types.JID
	// AdditionalAttributes are merged into the message node attributes.
	AdditionalAttributes map[string]string
	// AdditionalNodes are appended to the stanza verbatim and replace the
	// default native flow decoration.
	AdditionalNodes []waBinary.Node
	// DisableDeviceCache forces a fresh device query for every user.
	DisableDeviceCache bool
	// CachedGroupMetadata is consulted before the group metadata fetcher.
	// Returning nil metadata falls through to the fetcher.
	CachedGroupMetadata wa.GroupMetadataFetcher
	// StatusJIDList is the audience of a status broadcast.
	StatusJIDList []types.JID
}

// Result describes a sent stanza.
type Result struct {
	ID      string
	Kind    wa.Kind
	To      types.JID
	Devices int
}

// call is the state of one relay call.
type call struct {
	to       types.JID
	dest     types.JID
	kind     wa.Kind
	id       string
	msg      *waE2E.Message
	opts     Options
	override bool
	useCache bool
	encAttrs waBinary.Attrs

	devices       []devices.Address
	content       []waBinary.Node
	participants  []waBinary.Node
	needsIdentity bool
	stanzaType    string
}

// Relay sends msg to to and returns the id of the sent stanza.
func (e *Engine) Relay(ctx context.Context, to types.JID, msg *waE2E.Message, opts Options) (Result, error) {
	if msg == nil {
		msg = &waE2E.Message{}
	}
	c := &call{
		to:         to,
		dest:       wa.NormalizeDestination(to),
		kind:       wa.DestinationKind(to),
		id:         opts.MessageID,
		msg:        msg,
		opts:       opts,
		override:   !opts.Participant.IsEmpty(),
		useCache:   !opts.DisableDeviceCache,
		stanzaType: "text",
	}
	if c.id == "" {
		c.id = wa.GenerateMessageID()
	}
	if mt := MediaType(msg); mt != "" {
		c.encAttrs = waBinary.Attrs{"mediatype": mt}
	}

	biz, err := businessNode(msg)
	if err == nil {
		err = e.keys.Transaction(ctx, func(ctx context.Context) error {
			return e.run(ctx, c, biz)
		})
	}
	e.metrics.Relay(string(c.kind), err)
	if err != nil {
		return Result{}, &wa.RelayError{To: to, MessageID: c.id, Err: err}
	}
	return Result{ID: c.id, Kind: c.kind, To: c.dest, Devices: len(c.devices)}, nil
}

func (e *Engine) run(ctx context.Context, c *call, biz *waBinary.Node) error {
	if c.override {
		c.devices = append(c.devices, devices.Address{User: c.opts.Participant.User, Device: c.opts.Participant.Device})
	}

	var err error
	switch c.kind {
	case wa.KindGroup, wa.KindStatus:
		err = e.groupFanout(ctx, c)
	case wa.KindNewsletter:
		err = e.newsletterPayload(ctx, c)
	default:
		err = e.directFanout(ctx, c)
	}
	if err != nil {
		return err
	}

	stanza, err := e.assemble(c, biz)
	if err != nil {
		return err
	}
	e.logger.Debug().Str("id", c.id).Int("devices", len(c.participants)).Msgf("sending message to %d devices", len(c.participants))
	if err := e.transport.SendNode(ctx, stanza); err != nil {
		return fmt.Errorf("relay: send: %w", err)
	}
	return nil
}

// groupFanout encrypts once with the group sender key and distributes the key
// to every device that has not seen it yet.
func (e *Engine) groupFanout(ctx context.Context, c *call) error {
	var (
		meta *wa.GroupMetadata
		mem  = keystore.SenderKeyMemory{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		meta, err = e.groupMetadata(gctx, c)
		return err
	})
	if c.kind == wa.KindGroup {
		g.Go(func() error {
			var err error
			mem, err = keystore.LoadSenderKeyMemory(gctx, e.keys, c.dest)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !c.override {
		var members []types.JID
		if meta != nil && c.kind != wa.KindStatus {
			for _, p := range meta.Participants {
				members = append(members, p.JID)
			}
		}
		if c.kind == wa.KindStatus {
			members = append(members, c.opts.StatusJIDList...)
		}
		resolved, err := e.devices.Resolve(ctx, members, c.useCache, false)
		if err != nil {
			return fmt.Errorf("relay: resolve group devices: %w", err)
		}
		c.devices = append(c.devices, resolved...)
	}

	targets := make([]types.JID, len(c.devices))
	for i, d := range c.devices {
		targets[i] = d.JID(types.DefaultUserServer)
	}

	ct, err := e.encryptor.ForGroup(ctx, c.dest, c.msg, targets, e.creds.ID)
	if err != nil {
		return err
	}

	var senderKeyJIDs []types.JID
	for _, jid := range targets {
		key := jid.String()
		if !mem[key] || c.override {
			senderKeyJIDs = append(senderKeyJIDs, jid)
			mem[key] = true
		}
	}

	if len(senderKeyJIDs) > 0 {
		e.logger.Debug().Int("devices", len(senderKeyJIDs)).Str("group", c.dest.String()).Msg("sending new sender key")
		skMsg := &waE2E.Message{
			SenderKeyDistributionMessage: &waE2E.SenderKeyDistributionMessage{
				GroupID:                             proto.String(c.dest.String()),
				AxolotlSenderKeyDistributionMessage: ct.DistributionMessage,
			},
		}
		if _, err := e.sessions.Ensure(ctx, senderKeyJIDs, false); err != nil {
			return fmt.Errorf("relay: sessions: %w", err)
		}
		res, err := e.encryptor.ForDevices(ctx, senderKeyJIDs, skMsg, c.encAttrs)
		if err != nil {
			return err
		}
		c.needsIdentity = c.needsIdentity || res.NeedsIdentity
		c.participants = append(c.participants, res.Nodes...)
		e.metrics.SenderKeyDistribution(len(senderKeyJIDs))
	}

	c.content = append(c.content, waBinary.Node{
		Tag:     "enc",
		Attrs:   waBinary.Attrs{"v": "2", "type": wa.CiphertextSenderKey},
		Content: ct.Ciphertext,
	})

	if c.kind == wa.KindGroup {
		if err := keystore.StoreSenderKeyMemory(ctx, e.keys, c.dest, mem); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) groupMetadata(ctx context.Context, c *call) (*wa.GroupMetadata, error) {
	if c.override {
		return nil, nil
	}
	if c.opts.CachedGroupMetadata != nil {
		meta, err := c.opts.CachedGroupMetadata.GroupMetadata(ctx, c.to)
		if err != nil {
			return nil, fmt.Errorf("relay: cached group metadata: %w", err)
		}
		if meta != nil {
			e.logger.Trace().Str("jid", c.to.String()).Int("participants", len(meta.Participants)).Msg("using cached group metadata")
			return meta, nil
		}
	}
	if c.kind == wa.KindStatus || e.groups == nil {
		return nil, nil
	}
	meta, err := e.groups.GroupMetadata(ctx, c.to)
	if err != nil {
		return nil, fmt.Errorf("relay: group metadata: %w", err)
	}
	return meta, nil
}

// newsletterPayload serializes the message as plaintext. Edits are sent
// under the edited message's id with the new content; revokes become an
// empty message under the revoked id.
func (e *Engine) newsletterPayload(ctx context.Context, c *call) error {
	body := c.msg
	if pm := body.GetProtocolMessage(); pm.GetEditedMessage() != nil {
		if id := pm.GetKey().GetID(); id != "" {
			c.id = id
		}
		body = pm.GetEditedMessage()
	}
	if pm := body.GetProtocolMessage(); pm != nil && pm.GetType() == waE2E.ProtocolMessage_REVOKE {
		if id := pm.GetKey().GetID(); id != "" {
			c.id = id
		}
		body = &waE2E.Message{}
	}

	patched, err := e.patch(ctx, body, nil)
	if err != nil {
		return fmt.Errorf("relay: patch message: %w", err)
	}
	data, err := proto.Marshal(patched)
	if err != nil {
		return fmt.Errorf("relay: marshal newsletter message: %w", err)
	}
	attrs := waBinary.Attrs{}
	for k, v := range c.encAttrs {
		attrs[k] = v
	}
	c.content = append(c.content, waBinary.Node{Tag: "plaintext", Attrs: attrs, Content: data})
	c.stanzaType = StanzaType(body)
	return nil
}

// directFanout sends the message to the recipient's devices and a
// "sent on another device" copy to our own other devices.
func (e *Engine) directFanout(ctx context.Context, c *call) error {
	me := e.creds.ID
	if !c.override {
		c.devices = append(c.devices, devices.Address{User: c.dest.User})
		// The primary phone never gets a copy of its own message.
		if me.Device != 0 {
			c.devices = append(c.devices, devices.Address{User: me.User})
		}
		resolved, err := e.devices.Resolve(ctx, []types.JID{me, c.dest}, c.useCache, true)
		if err != nil {
			return fmt.Errorf("relay: resolve devices: %w", err)
		}
		c.devices = append(c.devices, resolved...)
	}

	server := types.DefaultUserServer
	if c.kind == wa.KindLID {
		server = types.HiddenUserServer
	}

	var all, meJIDs, otherJIDs []types.JID
	seen := make(map[types.JID]struct{}, len(c.devices))
	for _, d := range c.devices {
		isMe := d.User == me.User
		user := d.User
		if isMe && c.kind == wa.KindLID && !e.creds.LID.IsEmpty() {
			user = e.creds.LID.User
		}
		jid := wa.DeviceJID(user, d.Device, server)
		if _, dup := seen[jid]; dup {
			continue
		}
		seen[jid] = struct{}{}
		if isMe {
			meJIDs = append(meJIDs, jid)
		} else {
			otherJIDs = append(otherJIDs, jid)
		}
		all = append(all, jid)
	}

	if _, err := e.sessions.Ensure(ctx, all, false); err != nil {
		return fmt.Errorf("relay: sessions: %w", err)
	}

	meMsg := &waE2E.Message{
		DeviceSentMessage: &waE2E.DeviceSentMessage{
			DestinationJID: proto.String(c.dest.String()),
			Message:        c.msg,
		},
	}

	var meRes, otherRes encryptor.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		meRes, err = e.encryptor.ForDevices(gctx, meJIDs, meMsg, c.encAttrs)
		return err
	})
	g.Go(func() error {
		var err error
		otherRes, err = e.encryptor.ForDevices(gctx, otherJIDs, c.msg, c.encAttrs)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	c.participants = append(c.participants, meRes.Nodes...)
	c.participants = append(c.participants, otherRes.Nodes...)
	c.needsIdentity = c.needsIdentity || meRes.NeedsIdentity || otherRes.NeedsIdentity
	return nil
}

func (e *Engine) assemble(c *call, biz *waBinary.Node) (waBinary.Node, error) {
	content := c.content
	if len(c.participants) > 0 {
		content = append(content, waBinary.Node{Tag: "participants", Content: c.participants})
	}

	attrs := waBinary.Attrs{"id": c.id, "type": c.stanzaType}
	for k, v := range c.opts.AdditionalAttributes {
		attrs[k] = v
	}
	if c.override && c.kind != wa.KindGroup && c.kind != wa.KindStatus {
		attrs["device_fanout"] = "false"
	}

	participant := c.opts.Participant
	switch {
	case !c.override:
		attrs["to"] = c.dest
	case wa.IsGroup(c.dest):
		attrs["to"] = c.dest
		attrs["participant"] = participant
	case wa.SameUser(participant, e.creds.ID):
		attrs["to"] = participant
		attrs["recipient"] = c.dest
	default:
		attrs["to"] = participant
	}

	if c.needsIdentity {
		identity, err := wa.EncodeSignedDeviceIdentity(e.creds.Account, true)
		if err != nil {
			return waBinary.Node{}, fmt.Errorf("relay: %w", err)
		}
		content = append(content, waBinary.Node{Tag: "device-identity", Content: identity})
		e.logger.Debug().Str("jid", c.to.String()).Msg("adding device identity")
	}

	if len(c.opts.AdditionalNodes) > 0 {
		content = append(content, c.opts.AdditionalNodes...)
	} else if (wa.IsGroup(c.to) || wa.IsUser(c.to)) && wantsNativeFlow(c.msg) {
		content = append(content, nativeFlowNode())
	}

	if biz != nil {
		content = append(content, *biz)
		e.logger.Debug().Str("jid", c.to.String()).Msg("adding business node")
	}

	return waBinary.Node{Tag: "message", Attrs: attrs, Content: content}, nil
}
