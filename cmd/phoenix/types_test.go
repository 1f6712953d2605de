package main

import (
	"testing"

	"go.mau.fi/whatsmeow/types"
)

func TestJIDArg(t *testing.T) {
	var j jidArg
	if err := j.UnmarshalFlag("15551234567:2@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	if j.User != "15551234567" || j.Device != 2 || j.Server != types.DefaultUserServer {
		t.Errorf("got %+v", j.JID)
	}
	if s, _ := j.MarshalFlag(); s != "15551234567:2@s.whatsapp.net" {
		t.Errorf("marshal: got %q", s)
	}
	if err := j.UnmarshalFlag("no-server"); err == nil {
		t.Error("expected error for jid without server")
	}
}
