package keystore

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mau.fi/whatsmeow/types"
)

// SenderKeyMemory records, per device JID, whether that device has received
// the group's current sender key.
type SenderKeyMemory map[string]bool

// LoadSenderKeyMemory returns the memory for group, or an empty one.
func LoadSenderKeyMemory(ctx context.Context, b Backend, group types.JID) (SenderKeyMemory, error) {
	id := group.String()
	values, err := b.Get(ctx, KindSenderKeyMemory, []string{id})
	if err != nil {
		return nil, fmt.Errorf("keystore: load sender key memory: %w", err)
	}
	mem := SenderKeyMemory{}
	raw, ok := values[id]
	if !ok {
		return mem, nil
	}
	if err := json.Unmarshal(raw, &mem); err != nil {
		return nil, fmt.Errorf("keystore: decode sender key memory for %s: %w", id, err)
	}
	return mem, nil
}

// StoreSenderKeyMemory replaces the memory for group.
func StoreSenderKeyMemory(ctx context.Context, b Backend, group types.JID, mem SenderKeyMemory) error {
	raw, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("keystore: encode sender key memory: %w", err)
	}
	return b.Set(ctx, Patch{KindSenderKeyMemory: {group.String(): raw}})
}

// ForgetSenderKeyMemory clears the memory for group, so the next send
// distributes the sender key to every device again. Used after a key
// rotation.
func ForgetSenderKeyMemory(ctx context.Context, b Backend, group types.JID) error {
	return b.Set(ctx, Patch{KindSenderKeyMemory: {group.String(): nil}})
}
