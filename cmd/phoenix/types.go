package main

import (
	"fmt"

	"go.mau.fi/whatsmeow/types"
)

// jidArg parses a JID from a positional argument.
type jidArg struct {
	types.JID
}

func (j *jidArg) UnmarshalFlag(val string) error {
	jid, err := types.ParseJID(val)
	if err != nil {
		return fmt.Errorf("invalid jid %q: %w", val, err)
	}
	if jid.Server == "" {
		return fmt.Errorf("invalid jid %q: missing server", val)
	}
	j.JID = jid
	return nil
}

func (j *jidArg) MarshalFlag() (string, error) {
	return j.String(), nil
}

func jids(args []jidArg) []types.JID {
	out := make([]types.JID, len(args))
	for i, a := range args {
		out[i] = a.JID
	}
	return out
}
