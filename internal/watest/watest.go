// Package watest provides in-memory fakes of the relay collaborators for
// tests.
package watest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/types"

	"github.com/Exiqonbotz/phoenix-baileys/internal/keystore"
	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

// Transport records every node and answers queries with Handler.
type Transport struct {
	Handler func(node waBinary.Node) (*waBinary.Node, error)
	SendErr error
	// OnSend runs after a node is recorded, outside the lock.
	OnSend func(node waBinary.Node)

	mu      sync.Mutex
	queries []waBinary.Node
	sent    []waBinary.Node
}

func (t *Transport) Query(_ context.Context, node waBinary.Node) (*waBinary.Node, error) {
	t.mu.Lock()
	t.queries = append(t.queries, node)
	h := t.Handler
	t.mu.Unlock()
	if h == nil {
		return &waBinary.Node{Tag: "iq", Attrs: waBinary.Attrs{"type": "result"}}, nil
	}
	return h(node)
}

func (t *Transport) SendNode(_ context.Context, node waBinary.Node) error {
	t.mu.Lock()
	if t.SendErr != nil {
		t.mu.Unlock()
		return t.SendErr
	}
	t.sent = append(t.sent, node)
	hook := t.OnSend
	t.mu.Unlock()
	if hook != nil {
		hook(node)
	}
	return nil
}

// Queries returns the query nodes seen so far.
func (t *Transport) Queries() []waBinary.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]waBinary.Node(nil), t.queries...)
}

// QueriesByXMLNS counts queries with the given xmlns.
func (t *Transport) QueriesByXMLNS(xmlns string) int {
	n := 0
	for _, q := range t.Queries() {
		if q.Attrs["xmlns"] == xmlns {
			n++
		}
	}
	return n
}

// Sent returns the nodes passed to SendNode.
func (t *Transport) Sent() []waBinary.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]waBinary.Node(nil), t.sent...)
}

// Signal is a fake signal repository. Ciphertexts are "<jid>|<data>" and a
// device without a session gets a pkmsg, after which the session exists.
type Signal struct {
	mu           sync.Mutex
	sessions     map[string]bool
	injected     []types.JID
	encrypted    []types.JID
	FailFor      map[string]bool // device JID strings whose encryption fails
	Distribution []byte
	Keys         keystore.Backend // when set, injected sessions are stored here
}

func NewSignal() *Signal {
	return &Signal{
		sessions:     map[string]bool{},
		FailFor:      map[string]bool{},
		Distribution: []byte("skdm"),
	}
}

// ErrEncrypt is returned for devices listed in FailFor.
var ErrEncrypt = errors.New("watest: encrypt failed")

func (s *Signal) EncryptMessage(_ context.Context, jid types.JID, data []byte) (wa.EncryptedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailFor[jid.String()] {
		return wa.EncryptedMessage{}, ErrEncrypt
	}
	s.encrypted = append(s.encrypted, jid)
	typ := wa.CiphertextMessage
	if !s.sessions[s.JIDToSignalAddress(jid)] {
		typ = wa.CiphertextPreKey
		s.sessions[s.JIDToSignalAddress(jid)] = true
	}
	return wa.EncryptedMessage{Type: typ, Ciphertext: []byte(jid.String() + "|" + string(data))}, nil
}

func (s *Signal) EncryptGroupMessage(_ context.Context, group types.JID, data []byte, _ types.JID) (wa.GroupCiphertext, error) {
	return wa.GroupCiphertext{
		Ciphertext:          []byte(group.String() + "|" + string(data)),
		DistributionMessage: s.Distribution,
	}, nil
}

func (s *Signal) JIDToSignalAddress(jid types.JID) string {
	return fmt.Sprintf("%s.%d", jid.User, jid.Device)
}

func (s *Signal) InjectE2ESession(ctx context.Context, jid types.JID, _ wa.PreKeyBundle) error {
	s.mu.Lock()
	s.injected = append(s.injected, jid)
	s.mu.Unlock()
	if s.Keys == nil {
		return nil
	}
	return s.Keys.Set(ctx, keystore.Patch{keystore.KindSession: {s.JIDToSignalAddress(jid): []byte("session")}})
}

// Injected returns the JIDs that received a session.
func (s *Signal) Injected() []types.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.JID(nil), s.injected...)
}

// SetSession marks jid as having a ratchet session.
func (s *Signal) SetSession(jid types.JID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[s.JIDToSignalAddress(jid)] = true
}

// Encrypted returns the JIDs passed to EncryptMessage.
func (s *Signal) Encrypted() []types.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.JID(nil), s.encrypted...)
}

// USyncResponse builds a device query response. devices maps a user JID
// string to its device ids; every companion device gets a key-index.
func USyncResponse(devices map[string][]uint16) *waBinary.Node {
	var users []waBinary.Node
	for jid, ids := range devices {
		var list []waBinary.Node
		for _, id := range ids {
			attrs := waBinary.Attrs{"id": fmt.Sprint(id)}
			if id != 0 {
				attrs["key-index"] = "1"
			}
			list = append(list, waBinary.Node{Tag: "device", Attrs: attrs})
		}
		users = append(users, waBinary.Node{
			Tag:   "user",
			Attrs: waBinary.Attrs{"jid": jid},
			Content: []waBinary.Node{{
				Tag: "devices",
				Content: []waBinary.Node{{
					Tag:     "device-list",
					Content: list,
				}},
			}},
		})
	}
	return &waBinary.Node{
		Tag:   "iq",
		Attrs: waBinary.Attrs{"type": "result"},
		Content: []waBinary.Node{{
			Tag: "usync",
			Content: []waBinary.Node{{
				Tag:     "list",
				Content: users,
			}},
		}},
	}
}

// KeyBundleResponse builds an encrypt key response with a bundle for every jid.
func KeyBundleResponse(jids ...types.JID) *waBinary.Node {
	var users []waBinary.Node
	for i, jid := range jids {
		users = append(users, waBinary.Node{
			Tag:   "user",
			Attrs: waBinary.Attrs{"jid": jid},
			Content: []waBinary.Node{
				{Tag: "registration", Content: []byte{0, 0, 0x30, 0x39}},
				{Tag: "identity", Content: make([]byte, 32)},
				{Tag: "skey", Content: []waBinary.Node{
					{Tag: "id", Content: []byte{0, 0, 1}},
					{Tag: "value", Content: make([]byte, 32)},
					{Tag: "signature", Content: make([]byte, 64)},
				}},
				{Tag: "key", Content: []waBinary.Node{
					{Tag: "id", Content: []byte{0, 0, byte(i + 2)}},
					{Tag: "value", Content: make([]byte, 32)},
				}},
			},
		})
	}
	return &waBinary.Node{
		Tag:   "iq",
		Attrs: waBinary.Attrs{"type": "result"},
		Content: []waBinary.Node{{
			Tag:     "list",
			Content: users,
		}},
	}
}

// Router dispatches queries by xmlns. Unrouted queries get an empty result.
func Router(routes map[string]func(waBinary.Node) (*waBinary.Node, error)) func(waBinary.Node) (*waBinary.Node, error) {
	return func(node waBinary.Node) (*waBinary.Node, error) {
		xmlns, _ := node.Attrs["xmlns"].(string)
		if h, ok := routes[xmlns]; ok {
			return h(node)
		}
		return &waBinary.Node{Tag: "iq", Attrs: waBinary.Attrs{"type": "result"}}, nil
	}
}

// KeysFor answers an encrypt key query with a bundle for every requested user.
func KeysFor(node waBinary.Node) (*waBinary.Node, error) {
	var jids []types.JID
	key := node.GetChildByTag("key")
	for _, user := range key.GetChildrenByTag("user") {
		jid, ok := user.Attrs["jid"].(types.JID)
		if !ok {
			return nil, fmt.Errorf("watest: user without jid")
		}
		jids = append(jids, jid)
	}
	return KeyBundleResponse(jids...), nil
}
