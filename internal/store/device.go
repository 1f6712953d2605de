package store

import (
	"fmt"
	"time"
)

// GetDevices returns the device ids last recorded for user, ordered by id,
// if the list was written within maxAge. ok is false when nothing usable is
// stored. A zero maxAge accepts any age.
func (s *Store) GetDevices(user string, maxAge time.Duration) (devices []uint16, ok bool, err error) {
	type row struct {
		DeviceID uint16 `db:"device_id"`
		LastSeen int64  `db:"last_seen"`
	}
	var rows []row
	err = s.db.Select(&rows,
		"SELECT device_id, last_seen FROM user_device WHERE user = ? ORDER BY device_id",
		user,
	)
	if err != nil {
		return nil, false, fmt.Errorf("store: get devices: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	if maxAge > 0 && time.Since(time.Unix(rows[0].LastSeen, 0)) >= maxAge {
		return nil, false, nil
	}
	devices = make([]uint16, len(rows))
	for i, r := range rows {
		devices[i] = r.DeviceID
	}
	return devices, true, nil
}

// SetDevices replaces the device list for user.
func (s *Store) SetDevices(user string, deviceIDs []uint16) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM user_device WHERE user = ?", user); err != nil {
		return fmt.Errorf("store: delete devices: %w", err)
	}

	now := time.Now().Unix()
	stmt, err := tx.Preparex("INSERT INTO user_device (user, device_id, last_seen) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, deviceID := range deviceIDs {
		if _, err := stmt.Exec(user, deviceID, now); err != nil {
			return fmt.Errorf("store: insert device %d: %w", deviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
