package wa

import (
	"errors"
	"fmt"
	"strconv"

	waBinary "go.mau.fi/whatsmeow/binary"
	"go.mau.fi/whatsmeow/types"
)

// ErrListTypeMissing is returned for a list payload without a list type.
var ErrListTypeMissing = errors.New("expected list type inside message")

// ProtocolError is a rejection reported by the server in an error child.
type ProtocolError struct {
	Code int
	Text string
}

func (e *ProtocolError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("server error %d", e.Code)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, e.Text)
}

// RelayError wraps a failed relay call with its destination and the message
// id allocated for it.
type RelayError struct {
	To        types.JID
	MessageID string
	Err       error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s to %s: %v", e.MessageID, e.To, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// CheckError returns a *ProtocolError if node carries an error child.
func CheckError(node *waBinary.Node) error {
	if node == nil {
		return errors.New("empty response")
	}
	if node.Tag == "error" {
		return protocolErrorFrom(*node)
	}
	errNode, ok := node.GetOptionalChildByTag("error")
	if !ok {
		return nil
	}
	return protocolErrorFrom(errNode)
}

func protocolErrorFrom(n waBinary.Node) *ProtocolError {
	pe := &ProtocolError{}
	if code, ok := n.Attrs["code"]; ok {
		switch v := code.(type) {
		case string:
			pe.Code, _ = strconv.Atoi(v)
		case int:
			pe.Code = v
		}
	}
	if text, ok := n.Attrs["text"].(string); ok {
		pe.Text = text
	}
	return pe
}
