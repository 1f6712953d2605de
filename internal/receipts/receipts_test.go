package receipts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
	"github.com/Exiqonbotz/phoenix-baileys/internal/watest"
)

type privacy struct{ readReceipts string }

func (p privacy) PrivacySettings(context.Context) (wa.PrivacySettings, error) {
	return wa.PrivacySettings{ReadReceipts: p.readReceipts}, nil
}

func key(chat, participant, id string, fromMe bool) *waCommon.MessageKey {
	k := &waCommon.MessageKey{RemoteJID: proto.String(chat), ID: proto.String(id), FromMe: proto.Bool(fromMe)}
	if participant != "" {
		k.Participant = proto.String(participant)
	}
	return k
}

func newDispatcher(readReceipts string) (*Dispatcher, *watest.Transport) {
	tr := &watest.Transport{}
	d := New(Config{
		Transport: tr,
		Privacy:   privacy{readReceipts},
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return time.Unix(1700000000, 0) },
	})
	return d, tr
}

func items(n waBinary.Node) []string {
	var ids []string
	list := n.GetChildByTag("list")
	for _, it := range list.GetChildren() {
		ids = append(ids, it.Attrs["id"].(string))
	}
	return ids
}

func TestAggregate(t *testing.T) {
	keys := []*waCommon.MessageKey{
		key("g1@g.us", "1@s.whatsapp.net", "a", false),
		key("2@s.whatsapp.net", "", "b", false),
		key("g1@g.us", "1@s.whatsapp.net", "c", false),
		key("g1@g.us", "3@s.whatsapp.net", "d", false),
		key("2@s.whatsapp.net", "", "mine", true),
		key("2@s.whatsapp.net", "", "e", false),
	}
	batches, err := Aggregate(keys)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 3 {
		t.Fatalf("batches: got %d, want 3", len(batches))
	}
	want := [][]string{{"a", "c"}, {"b", "e"}, {"d"}}
	for i, b := range batches {
		if len(b.IDs) != len(want[i]) {
			t.Fatalf("batch %d: got %v, want %v", i, b.IDs, want[i])
		}
		for j := range b.IDs {
			if b.IDs[j] != want[i][j] {
				t.Errorf("batch %d: got %v, want %v", i, b.IDs, want[i])
			}
		}
	}
	if batches[0].Participant.User != "1" || batches[2].Participant.User != "3" {
		t.Error("participants not kept")
	}
}

func TestSendReceiptsBatches(t *testing.T) {
	d, tr := newDispatcher("all")
	keys := []*waCommon.MessageKey{
		key("2@s.whatsapp.net", "", "a", false),
		key("2@s.whatsapp.net", "", "b", false),
		key("2@s.whatsapp.net", "", "c", false),
		key("g1@g.us", "3@s.whatsapp.net", "d", false),
	}
	if err := d.SendReceipts(context.Background(), keys, TypeDelivered); err != nil {
		t.Fatal(err)
	}
	sent := tr.Sent()
	if len(sent) != 2 {
		t.Fatalf("stanzas: got %d, want 2", len(sent))
	}
	first := sent[0]
	if first.Tag != "receipt" || first.Attrs["id"] != "a" {
		t.Errorf("first receipt: %v", first.Attrs)
	}
	if _, ok := first.Attrs["type"]; ok {
		t.Error("delivery receipt must not carry a type")
	}
	if _, ok := first.Attrs["t"]; ok {
		t.Error("delivery receipt must not carry a timestamp")
	}
	if got := items(first); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("list items: got %v", got)
	}
	second := sent[1]
	if second.Attrs["participant"] != types.NewJID("3", types.DefaultUserServer) {
		t.Errorf("participant: got %v", second.Attrs["participant"])
	}
	if _, ok := second.GetOptionalChildByTag("list"); ok {
		t.Error("single id should not have a list")
	}
}

func TestReadMessagesUsesPrivacy(t *testing.T) {
	keys := []*waCommon.MessageKey{key("2@s.whatsapp.net", "", "a", false)}

	d, tr := newDispatcher("all")
	if err := d.ReadMessages(context.Background(), keys); err != nil {
		t.Fatal(err)
	}
	r := tr.Sent()[0]
	if r.Attrs["type"] != "read" || r.Attrs["t"] != "1700000000" {
		t.Errorf("attrs: %v", r.Attrs)
	}

	d, tr = newDispatcher("none")
	if err := d.ReadMessages(context.Background(), keys); err != nil {
		t.Fatal(err)
	}
	if got := tr.Sent()[0].Attrs["type"]; got != "read-self" {
		t.Errorf("type: got %v, want read-self", got)
	}
}

func TestSenderReceiptAddressing(t *testing.T) {
	d, tr := newDispatcher("all")
	chat := types.NewJID("2", types.DefaultUserServer)
	participant := wa.DeviceJID("2", 4, types.DefaultUserServer)
	if err := d.SendReceipt(context.Background(), chat, participant, []string{"a"}, TypeSender); err != nil {
		t.Fatal(err)
	}
	r := tr.Sent()[0]
	if r.Attrs["recipient"] != chat || r.Attrs["to"] != participant || r.Attrs["type"] != "sender" {
		t.Errorf("attrs: %v", r.Attrs)
	}
}

func TestNewsletterReceiptIsReadSelf(t *testing.T) {
	d, tr := newDispatcher("all")
	chat := types.NewJID("1203631", types.NewsletterServer)
	if err := d.SendReceipt(context.Background(), chat, types.EmptyJID, []string{"a"}, TypeRead); err != nil {
		t.Fatal(err)
	}
	if got := tr.Sent()[0].Attrs["type"]; got != "read-self" {
		t.Errorf("type: got %v", got)
	}
}
