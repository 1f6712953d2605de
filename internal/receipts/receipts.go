// Package receipts sends delivery and read receipts, batching message ids per
// chat and participant.
package receipts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/types"

	"github.com/Exiqonbotz/phoenix-baileys/internal/metrics"
	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

// Type is the receipt type attribute. The zero value is a plain delivery
// receipt, which carries no type.
type Type string

const (
	TypeDelivered   Type = ""
	TypeRead        Type = "read"
	TypeReadSelf    Type = "read-self"
	TypeSender      Type = "sender"
	TypePlayed      Type = "played"
	TypeInactive    Type = "inactive"
	TypePeerMsg     Type = "peer_msg"
	TypeHistorySync Type = "hist_sync"
)

func (t Type) isRead() bool { return t == TypeRead || t == TypeReadSelf }

type Config struct {
	Transport wa.Transport
	Privacy   wa.PrivacySettingsFetcher
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Dispatcher struct {
	transport wa.Transport
	privacy   wa.PrivacySettingsFetcher
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(cfg Config) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		transport: cfg.Transport,
		privacy:   cfg.Privacy,
		logger:    cfg.Logger.With().Str("component", "receipts").Logger(),
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
}

// SendReceipt sends one receipt for ids in chat. The first id goes on the
// receipt node, the rest in a list child.
func (d *Dispatcher) SendReceipt(ctx context.Context, chat, participant types.JID, ids []string, typ Type) error {
	if len(ids) == 0 {
		return nil
	}
	attrs := waBinary.Attrs{"id": ids[0]}
	if typ.isRead() {
		attrs["t"] = strconv.FormatInt(d.now().Unix(), 10)
	}
	if typ == TypeSender && wa.IsUser(chat) {
		attrs["recipient"] = chat
		attrs["to"] = participant
	} else {
		attrs["to"] = chat
		if !participant.IsEmpty() {
			attrs["participant"] = participant
		}
	}
	if typ != TypeDelivered {
		if chat.Server == types.NewsletterServer {
			attrs["type"] = string(TypeReadSelf)
		} else {
			attrs["type"] = string(typ)
		}
	}

	node := waBinary.Node{Tag: "receipt", Attrs: attrs}
	if len(ids) > 1 {
		items := make([]waBinary.Node, len(ids)-1)
		for i, id := range ids[1:] {
			items[i] = waBinary.Node{Tag: "item", Attrs: waBinary.Attrs{"id": id}}
		}
		node.Content = []waBinary.Node{{Tag: "list", Content: items}}
	}

	d.logger.Debug().Strs("ids", ids).Str("to", chat.String()).Str("type", string(typ)).Msg("sending receipt for messages")
	if err := d.transport.SendNode(ctx, node); err != nil {
		return fmt.Errorf("receipts: send: %w", err)
	}
	d.metrics.Receipt(string(typ))
	return nil
}

// Batch is the set of message ids that share one receipt.
type Batch struct {
	Chat        types.JID
	Participant types.JID
	IDs         []string
}

// Aggregate groups keys not sent by us by chat and participant, in first-seen
// order.
func Aggregate(keys []*waCommon.MessageKey) ([]Batch, error) {
	var batches []Batch
	index := map[string]int{}
	for _, key := range keys {
		if key.GetFromMe() {
			continue
		}
		chat, err := types.ParseJID(key.GetRemoteJID())
		if err != nil {
			return nil, fmt.Errorf("receipts: parse chat %q: %w", key.GetRemoteJID(), err)
		}
		var participant types.JID
		if p := key.GetParticipant(); p != "" {
			if participant, err = types.ParseJID(p); err != nil {
				return nil, fmt.Errorf("receipts: parse participant %q: %w", p, err)
			}
		}
		k := key.GetRemoteJID() + ":" + key.GetParticipant()
		i, ok := index[k]
		if !ok {
			i = len(batches)
			index[k] = i
			batches = append(batches, Batch{Chat: chat, Participant: participant})
		}
		batches[i].IDs = append(batches[i].IDs, key.GetID())
	}
	return batches, nil
}

// SendReceipts sends one receipt per chat and participant.
func (d *Dispatcher) SendReceipts(ctx context.Context, keys []*waCommon.MessageKey, typ Type) error {
	batches, err := Aggregate(keys)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := d.SendReceipt(ctx, b.Chat, b.Participant, b.IDs, typ); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessages marks keys as read. Without read receipts enabled in the
// privacy settings the receipts are read-self.
func (d *Dispatcher) ReadMessages(ctx context.Context, keys []*waCommon.MessageKey) error {
	typ := TypeReadSelf
	if d.privacy != nil {
		settings, err := d.privacy.PrivacySettings(ctx)
		if err != nil {
			return fmt.Errorf("receipts: privacy settings: %w", err)
		}
		if settings.ReadReceipts == "all" {
			typ = TypeRead
		}
	}
	return d.SendReceipts(ctx, keys, typ)
}
