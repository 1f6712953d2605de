package wa

import (
	"go.mau.fi/whatsmeow/types"
)

// Kind is the addressing kind of a destination.
type Kind string

const (
	KindUser       Kind = "user"
	KindLID        Kind = "lid"
	KindGroup      Kind = "group"
	KindStatus     Kind = "status"
	KindNewsletter Kind = "newsletter"
	KindOther      Kind = "other"
)

// DestinationKind classifies jid by its server part.
func DestinationKind(jid types.JID) Kind {
	switch {
	case jid.User == types.StatusBroadcastJID.User && jid.Server == types.BroadcastServer:
		return KindStatus
	case jid.Server == types.GroupServer:
		return KindGroup
	case jid.Server == types.NewsletterServer:
		return KindNewsletter
	case jid.Server == types.HiddenUserServer:
		return KindLID
	case jid.Server == types.DefaultUserServer:
		return KindUser
	default:
		return KindOther
	}
}

// IsGroup reports whether jid is a group chat.
func IsGroup(jid types.JID) bool { return jid.Server == types.GroupServer }

// IsUser reports whether jid is a phone-number account (not lid).
func IsUser(jid types.JID) bool { return jid.Server == types.DefaultUserServer }

// SameUser reports whether two JIDs address the same account, ignoring device.
func SameUser(a, b types.JID) bool {
	return a.User == b.User && a.Server == b.Server
}

// DeviceJID builds user[:device]@server. Device 0 encodes as the bare JID.
func DeviceJID(user string, device uint16, server string) types.JID {
	jid := types.NewJID(user, server)
	jid.Device = device
	return jid
}

// Bare strips agent and device.
func Bare(jid types.JID) types.JID {
	return types.NewJID(jid.User, jid.Server)
}

// NormalizeDestination rebuilds the canonical destination address: the bare
// account for users, lid, groups and newsletters, and the fixed broadcast
// address for status.
func NormalizeDestination(jid types.JID) types.JID {
	switch DestinationKind(jid) {
	case KindStatus:
		return types.StatusBroadcastJID
	case KindLID:
		return types.NewJID(jid.User, types.HiddenUserServer)
	case KindGroup:
		return types.NewJID(jid.User, types.GroupServer)
	case KindNewsletter:
		return types.NewJID(jid.User, types.NewsletterServer)
	default:
		return types.NewJID(jid.User, types.DefaultUserServer)
	}
}
