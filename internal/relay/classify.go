package relay

import (
	"fmt"
	"strings"

	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

// rule maps a payload shape to a label. Tables are scanned in order and the
// first match wins.
type rule struct {
	has   func(m *waE2E.Message) bool
	label func(m *waE2E.Message) string
}

func is(label string) func(*waE2E.Message) string {
	return func(*waE2E.Message) string { return label }
}

var mediaRules = []rule{
	{func(m *waE2E.Message) bool { return m.GetImageMessage() != nil }, is("image")},
	{func(m *waE2E.Message) bool { return m.GetVideoMessage() != nil }, func(m *waE2E.Message) string {
		if m.GetVideoMessage().GetGifPlayback() {
			return "gif"
		}
		return "video"
	}},
	{func(m *waE2E.Message) bool { return m.GetAudioMessage() != nil }, func(m *waE2E.Message) string {
		if m.GetAudioMessage().GetPTT() {
			return "ptt"
		}
		return "audio"
	}},
	{func(m *waE2E.Message) bool { return m.GetContactMessage() != nil }, is("vcard")},
	{func(m *waE2E.Message) bool { return m.GetDocumentMessage() != nil }, is("document")},
	{func(m *waE2E.Message) bool { return m.GetContactsArrayMessage() != nil }, is("contact_array")},
	{func(m *waE2E.Message) bool { return m.GetLiveLocationMessage() != nil }, is("livelocation")},
	{func(m *waE2E.Message) bool { return m.GetStickerMessage() != nil }, is("sticker")},
	{func(m *waE2E.Message) bool { return m.GetListMessage() != nil }, is("list")},
	{func(m *waE2E.Message) bool { return m.GetListResponseMessage() != nil }, is("list_response")},
	{func(m *waE2E.Message) bool { return m.GetButtonsResponseMessage() != nil }, is("buttons_response")},
	{func(m *waE2E.Message) bool { return m.GetOrderMessage() != nil }, is("order")},
	{func(m *waE2E.Message) bool { return m.GetProductMessage() != nil }, is("product")},
	{func(m *waE2E.Message) bool { return m.GetInteractiveResponseMessage() != nil }, is("native_flow_response")},
	{func(m *waE2E.Message) bool { return m.GetGroupInviteMessage() != nil }, is("url")},
}

var buttonRules = []rule{
	{func(m *waE2E.Message) bool { return m.GetButtonsMessage() != nil }, is("buttons")},
	{func(m *waE2E.Message) bool { return m.GetButtonsResponseMessage() != nil }, is("buttons_response")},
	{func(m *waE2E.Message) bool { return m.GetInteractiveResponseMessage() != nil }, is("interactive_response")},
	{func(m *waE2E.Message) bool { return m.GetListMessage() != nil }, is("list")},
	{func(m *waE2E.Message) bool { return m.GetListResponseMessage() != nil }, is("list_response")},
}

func lookup(rules []rule, m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	for _, r := range rules {
		if r.has(m) {
			return r.label(m)
		}
	}
	return ""
}

// MediaType returns the enc mediatype of m, or "" for non-media payloads.
func MediaType(m *waE2E.Message) string { return lookup(mediaRules, m) }

// ButtonType returns the business node tag for interactive payloads.
func ButtonType(m *waE2E.Message) string { return lookup(buttonRules, m) }

func buttonArgs(m *waE2E.Message) (waBinary.Attrs, error) {
	switch {
	case m.GetTemplateMessage() != nil:
		return waBinary.Attrs{}, nil
	case m.GetListMessage() != nil:
		lt := m.GetListMessage().GetListType()
		if lt == waE2E.ListMessage_UNKNOWN {
			return nil, wa.ErrListTypeMissing
		}
		return waBinary.Attrs{"v": "2", "type": strings.ToLower(lt.String())}, nil
	default:
		return waBinary.Attrs{}, nil
	}
}

// businessNode builds the biz decoration for button and list payloads. It
// is nil for everything else.
func businessNode(m *waE2E.Message) (*waBinary.Node, error) {
	typ := ButtonType(m)
	if typ == "" {
		return nil, nil
	}
	args, err := buttonArgs(m)
	if err != nil {
		return nil, fmt.Errorf("relay: %s payload: %w", typ, err)
	}
	return &waBinary.Node{
		Tag:     "biz",
		Content: []waBinary.Node{{Tag: typ, Attrs: args}},
	}, nil
}

// wrapped returns the inner message of the transparent wrappers.
func wrapped(m *waE2E.Message) (*waE2E.Message, bool) {
	switch {
	case m.GetViewOnceMessage() != nil:
		return m.GetViewOnceMessage().GetMessage(), true
	case m.GetViewOnceMessageV2() != nil:
		return m.GetViewOnceMessageV2().GetMessage(), true
	case m.GetViewOnceMessageV2Extension() != nil:
		return m.GetViewOnceMessageV2Extension().GetMessage(), true
	case m.GetEphemeralMessage() != nil:
		return m.GetEphemeralMessage().GetMessage(), true
	case m.GetDocumentWithCaptionMessage() != nil:
		return m.GetDocumentWithCaptionMessage().GetMessage(), true
	}
	return nil, false
}

// StanzaType is the declared message type of a newsletter stanza.
func StanzaType(m *waE2E.Message) string {
	if inner, ok := wrapped(m); ok {
		return StanzaType(inner)
	}
	switch {
	case m.GetReactionMessage() != nil,
		m.GetPollCreationMessage() != nil,
		m.GetPollCreationMessageV2() != nil,
		m.GetPollCreationMessageV3() != nil,
		m.GetPollUpdateMessage() != nil:
		return "reaction"
	case MediaType(m) != "":
		return "media"
	default:
		return "text"
	}
}

// wantsNativeFlow reports whether m gets the default native flow decoration
// when the caller supplies no additional nodes.
func wantsNativeFlow(m *waE2E.Message) bool {
	return m.GetViewOnceMessage() != nil ||
		m.GetViewOnceMessageV2() != nil ||
		m.GetViewOnceMessageV2Extension() != nil ||
		m.GetEphemeralMessage() != nil ||
		m.GetTemplateMessage() != nil ||
		m.GetInteractiveMessage() != nil ||
		m.GetButtonsMessage() != nil
}

func nativeFlowNode() waBinary.Node {
	return waBinary.Node{
		Tag: "biz",
		Content: []waBinary.Node{{
			Tag:   "interactive",
			Attrs: waBinary.Attrs{"type": "native_flow", "v": "1"},
			Content: []waBinary.Node{{
				Tag:   "native_flow",
				Attrs: waBinary.Attrs{"name": "quick_reply"},
			}},
		}},
	}
}
