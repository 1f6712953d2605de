package wa

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// GenerateMessageID returns a fresh outgoing message id: "3EB0" followed by
// 18 random bytes in upper-case hex.
func GenerateMessageID() string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("wa: read random: %v", err))
	}
	return "3EB0" + strings.ToUpper(hex.EncodeToString(b))
}

// EncodeMessage serializes msg and appends the random 1..16 byte pad every
// pairwise and sender-key payload carries. Each pad byte holds the pad length.
func EncodeMessage(msg *waE2E.Message) ([]byte, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wa: marshal message: %w", err)
	}
	var r [1]byte
	if _, err := rand.Read(r[:]); err != nil {
		return nil, fmt.Errorf("wa: read random: %w", err)
	}
	pad := r[0] & 0x0f
	if pad == 0 {
		pad = 0x0f
	}
	out := make([]byte, len(data), len(data)+int(pad))
	copy(out, data)
	for i := byte(0); i < pad; i++ {
		out = append(out, pad)
	}
	return out, nil
}

// UnpadMessage strips the pad added by EncodeMessage.
func UnpadMessage(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("wa: unpad: empty payload")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > len(data) {
		return nil, fmt.Errorf("wa: unpad: invalid pad length %d", pad)
	}
	return data[:len(data)-pad], nil
}

// EncodeSignedDeviceIdentity serializes the account's signed device identity.
// The account signature key is stripped unless includeSignatureKey is set.
func EncodeSignedDeviceIdentity(account *waAdv.ADVSignedDeviceIdentity, includeSignatureKey bool) ([]byte, error) {
	if account == nil {
		return nil, fmt.Errorf("wa: no signed device identity")
	}
	identity := proto.Clone(account).(*waAdv.ADVSignedDeviceIdentity)
	if !includeSignatureKey {
		identity.AccountSignatureKey = nil
	}
	data, err := proto.Marshal(identity)
	if err != nil {
		return nil, fmt.Errorf("wa: marshal device identity: %w", err)
	}
	return data, nil
}

// BigEndianUint reads a 1..4 byte big-endian unsigned integer, as used for
// registration ids (4 bytes) and prekey ids (3 bytes).
func BigEndianUint(b []byte) uint32 {
	if len(b) > 4 {
		b = b[len(b)-4:]
	}
	var buf [4]byte
	copy(buf[4-len(b):], b)
	return binary.BigEndian.Uint32(buf[:])
}
