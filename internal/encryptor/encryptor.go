// Package encryptor turns one message into per-device ciphertext nodes, or
// into a single sender-key ciphertext for a group.
package encryptor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/sync/errgroup"

	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

type Config struct {
	Signal wa.SignalRepository
	Patch  wa.MessagePatcher
	Logger zerolog.Logger
}

type Encryptor struct {
	signal wa.SignalRepository
	patch  wa.MessagePatcher
	logger zerolog.Logger
}

func New(cfg Config) *Encryptor {
	if cfg.Patch == nil {
		cfg.Patch = wa.NoopPatcher
	}
	return &Encryptor{
		signal: cfg.Signal,
		patch:  cfg.Patch,
		logger: cfg.Logger.With().Str("component", "encryptor").Logger(),
	}
}

// Result is the output of ForDevices. NeedsIdentity is set when any
// ciphertext is a prekey message.
type Result struct {
	Nodes         []waBinary.Node
	NeedsIdentity bool
}

// ForDevices encrypts msg once per device, concurrently. The message is
// patched and encoded once for the whole set. Node order follows jids.
func (e *Encryptor) ForDevices(ctx context.Context, jids []types.JID, msg *waE2E.Message, extraAttrs waBinary.Attrs) (Result, error) {
	if len(jids) == 0 {
		return Result{}, nil
	}
	patched, err := e.patch(ctx, msg, jids)
	if err != nil {
		return Result{}, fmt.Errorf("encryptor: patch message: %w", err)
	}
	data, err := wa.EncodeMessage(patched)
	if err != nil {
		return Result{}, fmt.Errorf("encryptor: %w", err)
	}

	encrypted := make([]wa.EncryptedMessage, len(jids))
	g, gctx := errgroup.WithContext(ctx)
	for i, jid := range jids {
		g.Go(func() error {
			enc, err := e.signal.EncryptMessage(gctx, jid, data)
			if err != nil {
				return fmt.Errorf("encryptor: encrypt for %s: %w", jid, err)
			}
			encrypted[i] = enc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Nodes: make([]waBinary.Node, len(jids))}
	for i, enc := range encrypted {
		if enc.Type == wa.CiphertextPreKey {
			res.NeedsIdentity = true
		}
		res.Nodes[i] = participantNode(jids[i], enc, extraAttrs)
	}
	return res, nil
}

func participantNode(jid types.JID, enc wa.EncryptedMessage, extraAttrs waBinary.Attrs) waBinary.Node {
	attrs := waBinary.Attrs{"v": "2", "type": enc.Type}
	for k, v := range extraAttrs {
		attrs[k] = v
	}
	return waBinary.Node{
		Tag:   "to",
		Attrs: waBinary.Attrs{"jid": jid},
		Content: []waBinary.Node{{
			Tag:     "enc",
			Attrs:   attrs,
			Content: enc.Ciphertext,
		}},
	}
}

// ForGroup encrypts msg with the group's sender key. targets are passed to
// the patch hook.
func (e *Encryptor) ForGroup(ctx context.Context, group types.JID, msg *waE2E.Message, targets []types.JID, me types.JID) (wa.GroupCiphertext, error) {
	patched, err := e.patch(ctx, msg, targets)
	if err != nil {
		return wa.GroupCiphertext{}, fmt.Errorf("encryptor: patch message: %w", err)
	}
	data, err := wa.EncodeMessage(patched)
	if err != nil {
		return wa.GroupCiphertext{}, fmt.Errorf("encryptor: %w", err)
	}
	ct, err := e.signal.EncryptGroupMessage(ctx, group, data, me)
	if err != nil {
		return wa.GroupCiphertext{}, fmt.Errorf("encryptor: encrypt for group %s: %w", group, err)
	}
	return ct, nil
}
