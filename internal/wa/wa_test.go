package wa

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

func TestGenerateMessageID(t *testing.T) {
	id := GenerateMessageID()
	if !strings.HasPrefix(id, "3EB0") {
		t.Fatalf("prefix: got %q", id)
	}
	if len(id) != 4+36 {
		t.Errorf("length: got %d, want 40", len(id))
	}
	if strings.ToUpper(id) != id {
		t.Errorf("id not upper-case: %q", id)
	}
	if GenerateMessageID() == id {
		t.Error("two ids are equal")
	}
}

func TestEncodeMessagePad(t *testing.T) {
	msg := &waE2E.Message{Conversation: proto.String("hello")}
	plain, err := proto.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 32; i++ {
		data, err := EncodeMessage(msg)
		if err != nil {
			t.Fatal(err)
		}
		pad := int(data[len(data)-1])
		if pad < 1 || pad > 15 {
			t.Fatalf("pad length %d out of range", pad)
		}
		if len(data) != len(plain)+pad {
			t.Fatalf("length: got %d, want %d", len(data), len(plain)+pad)
		}
		for _, b := range data[len(plain):] {
			if int(b) != pad {
				t.Fatalf("pad byte: got %d, want %d", b, pad)
			}
		}
		unpadded, err := UnpadMessage(data)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(unpadded, plain) {
			t.Fatal("unpadded payload differs from plain encoding")
		}
	}
}

func TestUnpadMessageInvalid(t *testing.T) {
	if _, err := UnpadMessage(nil); err == nil {
		t.Error("expected error for empty payload")
	}
	if _, err := UnpadMessage([]byte{1, 9}); err == nil {
		t.Error("expected error for pad longer than payload")
	}
}

func TestEncodeSignedDeviceIdentity(t *testing.T) {
	account := &waAdv.ADVSignedDeviceIdentity{
		Details:             []byte("details"),
		AccountSignatureKey: []byte("sigkey"),
		AccountSignature:    []byte("sig"),
		DeviceSignature:     []byte("devsig"),
	}

	data, err := EncodeSignedDeviceIdentity(account, false)
	if err != nil {
		t.Fatal(err)
	}
	var got waAdv.ADVSignedDeviceIdentity
	if err := proto.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.AccountSignatureKey != nil {
		t.Error("signature key should be stripped")
	}
	if account.AccountSignatureKey == nil {
		t.Error("input identity was modified")
	}

	data, err = EncodeSignedDeviceIdentity(account, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := proto.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if string(got.AccountSignatureKey) != "sigkey" {
		t.Errorf("signature key: got %q", got.AccountSignatureKey)
	}

	if _, err := EncodeSignedDeviceIdentity(nil, true); err == nil {
		t.Error("expected error for nil identity")
	}
}

func TestDestinationKind(t *testing.T) {
	tests := map[string]Kind{
		"1555@s.whatsapp.net":   KindUser,
		"1555:2@s.whatsapp.net": KindUser,
		"9999@lid":              KindLID,
		"1203630@g.us":          KindGroup,
		"status@broadcast":      KindStatus,
		"1203631@newsletter":    KindNewsletter,
		"1234@broadcast":        KindOther,
	}
	for s, want := range tests {
		jid, err := types.ParseJID(s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		if got := DestinationKind(jid); got != want {
			t.Errorf("%s: got %s, want %s", s, got, want)
		}
	}
}

func TestDeviceJID(t *testing.T) {
	if got := DeviceJID("1555", 0, types.DefaultUserServer).String(); got != "1555@s.whatsapp.net" {
		t.Errorf("device 0: got %s", got)
	}
	if got := DeviceJID("1555", 3, types.DefaultUserServer).String(); got != "1555:3@s.whatsapp.net" {
		t.Errorf("device 3: got %s", got)
	}
	a := DeviceJID("1555", 3, types.DefaultUserServer)
	if !SameUser(a, Bare(a)) {
		t.Error("device jid and bare jid should be the same user")
	}
}

func TestCheckError(t *testing.T) {
	ok := &waBinary.Node{Tag: "iq", Attrs: waBinary.Attrs{"type": "result"}}
	if err := CheckError(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := &waBinary.Node{
		Tag:   "iq",
		Attrs: waBinary.Attrs{"type": "error"},
		Content: []waBinary.Node{{
			Tag:   "error",
			Attrs: waBinary.Attrs{"code": "400", "text": "bad-request"},
		}},
	}
	err := CheckError(bad)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want *ProtocolError", err)
	}
	if pe.Code != 400 || pe.Text != "bad-request" {
		t.Errorf("got %d %q, want 400 bad-request", pe.Code, pe.Text)
	}
}

func TestRelayErrorUnwrap(t *testing.T) {
	err := &RelayError{To: types.NewJID("1555", types.DefaultUserServer), MessageID: "3EB0AA", Err: ErrListTypeMissing}
	if !errors.Is(err, ErrListTypeMissing) {
		t.Error("RelayError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "3EB0AA") {
		t.Errorf("message id missing from %q", err.Error())
	}
}

func TestBigEndianUint(t *testing.T) {
	if got := BigEndianUint([]byte{0x01, 0x02, 0x03}); got != 0x010203 {
		t.Errorf("3 bytes: got %x", got)
	}
	if got := BigEndianUint([]byte{0, 0, 0x30, 0x39}); got != 12345 {
		t.Errorf("4 bytes: got %d", got)
	}
}
