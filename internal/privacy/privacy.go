// Package privacy issues trusted-contact privacy tokens.
package privacy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/types"

	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

const tokenTypeTrustedContact = "trusted_contact"

type Config struct {
	Transport wa.Transport
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Tokens struct {
	transport wa.Transport
	logger    zerolog.Logger
	now       func() time.Time
}

func New(cfg Config) *Tokens {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tokens{
		transport: cfg.Transport,
		logger:    cfg.Logger.With().Str("component", "privacy").Logger(),
		now:       cfg.Now,
	}
}

// Issue sends trusted-contact tokens for jids, all stamped with the same
// time, and returns the raw response.
func (t *Tokens) Issue(ctx context.Context, jids []types.JID) (*waBinary.Node, error) {
	ts := strconv.FormatInt(t.now().Unix(), 10)
	tokens := make([]waBinary.Node, len(jids))
	for i, jid := range jids {
		tokens[i] = waBinary.Node{
			Tag: "token",
			Attrs: waBinary.Attrs{
				"jid":  wa.Bare(jid),
				"t":    ts,
				"type": tokenTypeTrustedContact,
			},
		}
	}
	resp, err := t.transport.Query(ctx, waBinary.Node{
		Tag: "iq",
		Attrs: waBinary.Attrs{
			"to":    types.ServerJID,
			"type":  "set",
			"xmlns": "privacy",
		},
		Content: []waBinary.Node{{Tag: "tokens", Content: tokens}},
	})
	if err != nil {
		return nil, fmt.Errorf("privacy: tokens: %w", err)
	}
	if err := wa.CheckError(resp); err != nil {
		return nil, fmt.Errorf("privacy: tokens: %w", err)
	}
	t.logger.Debug().Int("count", len(jids)).Msg("issued privacy tokens")
	return resp, nil
}
