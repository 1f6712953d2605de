package encryptor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
	"github.com/Exiqonbotz/phoenix-baileys/internal/watest"
)

func device(user string, id uint16) types.JID {
	return wa.DeviceJID(user, id, types.DefaultUserServer)
}

func payload(t *testing.T, ct []byte) []byte {
	t.Helper()
	_, data, ok := bytes.Cut(ct, []byte("|"))
	if !ok {
		t.Fatalf("unexpected ciphertext %q", ct)
	}
	return data
}

func TestForDevices(t *testing.T) {
	sig := watest.NewSignal()
	sig.SetSession(device("2000", 0))
	var patchCalls atomic.Int32
	e := New(Config{
		Signal: sig,
		Patch: func(_ context.Context, msg *waE2E.Message, targets []types.JID) (*waE2E.Message, error) {
			patchCalls.Add(1)
			if len(targets) != 2 {
				t.Errorf("patch targets: got %d, want 2", len(targets))
			}
			return msg, nil
		},
		Logger: zerolog.Nop(),
	})
	msg := &waE2E.Message{Conversation: proto.String("hi")}
	jids := []types.JID{device("2000", 0), device("2000", 1)}

	res, err := e.ForDevices(context.Background(), jids, msg, waBinary.Attrs{"mediatype": "image"})
	if err != nil {
		t.Fatal(err)
	}
	if patchCalls.Load() != 1 {
		t.Errorf("patch calls: got %d, want 1", patchCalls.Load())
	}
	if !res.NeedsIdentity {
		t.Error("2000:1 had no session, expected NeedsIdentity")
	}
	if len(res.Nodes) != 2 {
		t.Fatalf("nodes: got %d, want 2", len(res.Nodes))
	}

	var first []byte
	for i, n := range res.Nodes {
		if n.Tag != "to" || n.Attrs["jid"] != jids[i] {
			t.Errorf("node %d: got %s %v", i, n.Tag, n.Attrs)
		}
		enc := n.GetChildByTag("enc")
		if enc.Attrs["v"] != "2" || enc.Attrs["mediatype"] != "image" {
			t.Errorf("enc attrs: %v", enc.Attrs)
		}
		data := payload(t, enc.Content.([]byte))
		if first == nil {
			first = data
		} else if !bytes.Equal(first, data) {
			t.Error("payload encoded more than once")
		}
	}
	if res.Nodes[0].GetChildByTag("enc").Attrs["type"] != wa.CiphertextMessage {
		t.Error("device with session should get msg")
	}
	if res.Nodes[1].GetChildByTag("enc").Attrs["type"] != wa.CiphertextPreKey {
		t.Error("device without session should get pkmsg")
	}

	plain, err := wa.UnpadMessage(first)
	if err != nil {
		t.Fatal(err)
	}
	var got waE2E.Message
	if err := proto.Unmarshal(plain, &got); err != nil {
		t.Fatal(err)
	}
	if got.GetConversation() != "hi" {
		t.Errorf("payload: got %q", got.GetConversation())
	}
}

func TestForDevicesNoIdentityWhenAllSessions(t *testing.T) {
	sig := watest.NewSignal()
	sig.SetSession(device("2000", 0))
	e := New(Config{Signal: sig, Logger: zerolog.Nop()})
	res, err := e.ForDevices(context.Background(), []types.JID{device("2000", 0)}, &waE2E.Message{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.NeedsIdentity {
		t.Error("NeedsIdentity should be false")
	}
}

func TestForDevicesFailsAsAWhole(t *testing.T) {
	sig := watest.NewSignal()
	sig.FailFor[device("2000", 1).String()] = true
	e := New(Config{Signal: sig, Logger: zerolog.Nop()})
	res, err := e.ForDevices(context.Background(), []types.JID{device("2000", 0), device("2000", 1)}, &waE2E.Message{}, nil)
	if !errors.Is(err, watest.ErrEncrypt) {
		t.Fatalf("got %v, want ErrEncrypt", err)
	}
	if len(res.Nodes) != 0 {
		t.Error("no nodes expected on failure")
	}
}

func TestForDevicesEmpty(t *testing.T) {
	e := New(Config{Signal: watest.NewSignal(), Logger: zerolog.Nop()})
	res, err := e.ForDevices(context.Background(), nil, &waE2E.Message{}, nil)
	if err != nil || len(res.Nodes) != 0 || res.NeedsIdentity {
		t.Errorf("got %+v, %v", res, err)
	}
}

func TestForGroup(t *testing.T) {
	sig := watest.NewSignal()
	e := New(Config{Signal: sig, Logger: zerolog.Nop()})
	group := types.NewJID("1203630", types.GroupServer)
	ct, err := e.ForGroup(context.Background(), group, &waE2E.Message{Conversation: proto.String("g")}, nil, device("1000", 2))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(ct.Ciphertext), group.String()+"|") {
		t.Errorf("ciphertext: %q", ct.Ciphertext)
	}
	if string(ct.DistributionMessage) != "skdm" {
		t.Errorf("distribution: %q", ct.DistributionMessage)
	}
}
