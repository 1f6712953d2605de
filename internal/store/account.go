package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/Exiqonbotz/phoenix-baileys/internal/wa"
)

// Account holds the identity of the linked device.
type Account struct {
	JID            string `json:"jid"`
	LID            string `json:"lid,omitempty"`
	DeviceIdentity []byte `json:"deviceIdentity,omitempty"` // serialized ADVSignedDeviceIdentity
}

const accountKey = "account"

// SaveAccount persists the account to the database.
func (s *Store) SaveAccount(acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		accountKey, data,
	)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	return nil
}

// LoadAccount loads the account from the database.
// Returns nil, nil if no account has been saved.
func (s *Store) LoadAccount() (*Account, error) {
	var data []byte
	err := s.db.Get(&data, "SELECT value FROM account WHERE key = ?", accountKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load account: %w", err)
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	return &acct, nil
}

// Credentials decodes the account into relay credentials.
func (a *Account) Credentials() (wa.Credentials, error) {
	var creds wa.Credentials
	id, err := types.ParseJID(a.JID)
	if err != nil {
		return creds, fmt.Errorf("store: parse account jid: %w", err)
	}
	creds.ID = id
	if a.LID != "" {
		if creds.LID, err = types.ParseJID(a.LID); err != nil {
			return creds, fmt.Errorf("store: parse account lid: %w", err)
		}
	}
	if len(a.DeviceIdentity) > 0 {
		creds.Account = &waAdv.ADVSignedDeviceIdentity{}
		if err := proto.Unmarshal(a.DeviceIdentity, creds.Account); err != nil {
			return creds, fmt.Errorf("store: unmarshal device identity: %w", err)
		}
	}
	return creds, nil
}
