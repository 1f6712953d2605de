// Package wa holds the vocabulary shared by the relay components: the
// collaborator contracts (transport, signal repository, roster lookup),
// JID classification, payload encoding and the typed errors.
package wa

import (
	"context"

	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// Transport is the live connection. Query blocks until the response node
// with the same id arrives; SendNode returns once the node is written.
type Transport interface {
	Query(ctx context.Context, node waBinary.Node) (*waBinary.Node, error)
	SendNode(ctx context.Context, node waBinary.Node) error
}

// Ciphertext type tags carried on enc nodes.
const (
	CiphertextPreKey    = "pkmsg"
	CiphertextMessage   = "msg"
	CiphertextSenderKey = "skmsg"
)

// EncryptedMessage is one pairwise ciphertext and its type tag.
type EncryptedMessage struct {
	Type       string
	Ciphertext []byte
}

// GroupCiphertext is a sender-key ciphertext plus the distribution message
// that devices without the current sender key need to receive first.
type GroupCiphertext struct {
	Ciphertext          []byte
	DistributionMessage []byte
}

// PreKey is a (signed) prekey from a server bundle.
type PreKey struct {
	ID        uint32
	PublicKey []byte
	Signature []byte
}

// PreKeyBundle is the session material the server returns for one device.
type PreKeyBundle struct {
	RegistrationID uint32
	IdentityKey    []byte
	SignedPreKey   *PreKey
	PreKey         *PreKey
}

// SignalRepository owns the ratchet and sender-key cryptography.
type SignalRepository interface {
	EncryptMessage(ctx context.Context, jid types.JID, data []byte) (EncryptedMessage, error)
	EncryptGroupMessage(ctx context.Context, group types.JID, data []byte, meID types.JID) (GroupCiphertext, error)
	JIDToSignalAddress(jid types.JID) string
	InjectE2ESession(ctx context.Context, jid types.JID, bundle PreKeyBundle) error
}

// GroupParticipant is one roster entry.
type GroupParticipant struct {
	JID types.JID
}

// GroupMetadata is the subset of group info the relay needs.
type GroupMetadata struct {
	JID          types.JID
	Participants []GroupParticipant
}

// GroupMetadataFetcher looks up a group roster.
type GroupMetadataFetcher interface {
	GroupMetadata(ctx context.Context, jid types.JID) (*GroupMetadata, error)
}

// GroupMetadataFunc adapts a function to GroupMetadataFetcher.
type GroupMetadataFunc func(ctx context.Context, jid types.JID) (*GroupMetadata, error)

func (f GroupMetadataFunc) GroupMetadata(ctx context.Context, jid types.JID) (*GroupMetadata, error) {
	return f(ctx, jid)
}

// PrivacySettings is the subset of account privacy settings used when
// sending read receipts.
type PrivacySettings struct {
	ReadReceipts string
}

// PrivacySettingsFetcher returns the current privacy configuration.
type PrivacySettingsFetcher interface {
	PrivacySettings(ctx context.Context) (PrivacySettings, error)
}

// MessagePatcher may rewrite a payload for a given set of target devices
// right before it is encoded.
type MessagePatcher func(ctx context.Context, msg *waE2E.Message, targets []types.JID) (*waE2E.Message, error)

// NoopPatcher returns the message unchanged.
func NoopPatcher(_ context.Context, msg *waE2E.Message, _ []types.JID) (*waE2E.Message, error) {
	return msg, nil
}

// Credentials identify the local device.
type Credentials struct {
	ID      types.JID // own device JID, e.g. 1555:3@s.whatsapp.net
	LID     types.JID // own alternate-identity JID, may be empty
	Account *waAdv.ADVSignedDeviceIdentity
}
