// Package sessions makes sure a pairwise session exists with every device
// before it is encrypted to.
package sessions

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/sync/errgroup"

	"github.com/Exiqonbotz/phoenix-baileys/internal/keystore"
	"github.com/Exiqonbotz/phoenix-baileys/internal/metrics"
	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

// injectConcurrency bounds parallel session installs from one response.
const injectConcurrency = 100

type Config struct {
	Transport wa.Transport
	Signal    wa.SignalRepository
	Keys      keystore.Backend
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

type Manager struct {
	transport wa.Transport
	signal    wa.SignalRepository
	keys      keystore.Backend
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func New(cfg Config) *Manager {
	return &Manager{
		transport: cfg.Transport,
		signal:    cfg.Signal,
		keys:      cfg.Keys,
		logger:    cfg.Logger.With().Str("component", "sessions").Logger(),
		metrics:   cfg.Metrics,
	}
}

// Ensure fetches and installs prekey bundles for every jid without a stored
// session, or for all of them when force is set. It reports whether any
// bundle was fetched.
func (m *Manager) Ensure(ctx context.Context, jids []types.JID, force bool) (bool, error) {
	need := jids
	if !force {
		addrs := make([]string, len(jids))
		for i, jid := range jids {
			addrs[i] = m.signal.JIDToSignalAddress(jid)
		}
		existing, err := m.keys.Get(ctx, keystore.KindSession, addrs)
		if err != nil {
			return false, fmt.Errorf("sessions: load: %w", err)
		}
		need = nil
		for i, jid := range jids {
			if _, ok := existing[addrs[i]]; !ok {
				need = append(need, jid)
			}
		}
	}
	if len(need) == 0 {
		return false, nil
	}

	if e := m.logger.Debug(); e.Enabled() {
		names := make([]string, len(need))
		for i, jid := range need {
			names[i] = jid.String()
		}
		e.Strs("jids", names).Msg("fetching sessions")
	}
	resp, err := m.transport.Query(ctx, keyQuery(need))
	if err != nil {
		return false, fmt.Errorf("sessions: fetch keys: %w", err)
	}
	if err := wa.CheckError(resp); err != nil {
		return false, fmt.Errorf("sessions: fetch keys: %w", err)
	}
	n, err := m.inject(ctx, resp)
	if err != nil {
		return false, err
	}
	m.metrics.SessionFetch(n)
	return true, nil
}

func keyQuery(jids []types.JID) waBinary.Node {
	users := make([]waBinary.Node, len(jids))
	for i, jid := range jids {
		users[i] = waBinary.Node{Tag: "user", Attrs: waBinary.Attrs{"jid": jid}}
	}
	return waBinary.Node{
		Tag: "iq",
		Attrs: waBinary.Attrs{
			"xmlns": "encrypt",
			"type":  "get",
			"to":    types.ServerJID,
		},
		Content: []waBinary.Node{{Tag: "key", Content: users}},
	}
}

func (m *Manager) inject(ctx context.Context, resp *waBinary.Node) (int, error) {
	list, ok := resp.GetOptionalChildByTag("list")
	if !ok {
		return 0, fmt.Errorf("sessions: response has no list")
	}
	users := list.GetChildrenByTag("user")
	bundles := make([]parsedBundle, 0, len(users))
	for _, user := range users {
		if err := wa.CheckError(&user); err != nil {
			return 0, fmt.Errorf("sessions: key for %v: %w", user.Attrs["jid"], err)
		}
		b, err := parseBundle(user)
		if err != nil {
			return 0, err
		}
		bundles = append(bundles, b)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(injectConcurrency)
	for _, b := range bundles {
		g.Go(func() error {
			if err := m.signal.InjectE2ESession(gctx, b.jid, b.bundle); err != nil {
				return fmt.Errorf("sessions: inject %s: %w", b.jid, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(bundles), nil
}

type parsedBundle struct {
	jid    types.JID
	bundle wa.PreKeyBundle
}

func parseBundle(user waBinary.Node) (parsedBundle, error) {
	var pb parsedBundle
	switch j := user.Attrs["jid"].(type) {
	case types.JID:
		pb.jid = j
	case string:
		jid, err := types.ParseJID(j)
		if err != nil {
			return pb, fmt.Errorf("sessions: parse jid %q: %w", j, err)
		}
		pb.jid = jid
	default:
		return pb, fmt.Errorf("sessions: user node without jid")
	}

	reg, ok := childBytes(user, "registration")
	if !ok {
		return pb, fmt.Errorf("sessions: %s: missing registration", pb.jid)
	}
	identity, ok := childBytes(user, "identity")
	if !ok {
		return pb, fmt.Errorf("sessions: %s: missing identity", pb.jid)
	}
	pb.bundle.RegistrationID = wa.BigEndianUint(reg)
	pb.bundle.IdentityKey = signalPubKey(identity)

	if skey, ok := user.GetOptionalChildByTag("skey"); ok {
		pb.bundle.SignedPreKey = extractKey(skey)
	}
	if key, ok := user.GetOptionalChildByTag("key"); ok {
		pb.bundle.PreKey = extractKey(key)
	}
	return pb, nil
}

func extractKey(n waBinary.Node) *wa.PreKey {
	id, _ := childBytes(n, "id")
	value, _ := childBytes(n, "value")
	sig, _ := childBytes(n, "signature")
	return &wa.PreKey{
		ID:        wa.BigEndianUint(id),
		PublicKey: signalPubKey(value),
		Signature: sig,
	}
}

func childBytes(n waBinary.Node, tag string) ([]byte, bool) {
	child, ok := n.GetOptionalChildByTag(tag)
	if !ok {
		return nil, false
	}
	b, ok := child.Content.([]byte)
	return b, ok
}

// signalPubKey prefixes a raw 32-byte curve key with the key type byte.
func signalPubKey(key []byte) []byte {
	if len(key) != 32 {
		return key
	}
	return append([]byte{0x05}, key...)
}
