package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Exiqonbotz/phoenix-baileys/internal/keystore"
)

type keyRow struct {
	ID    string `db:"id"`
	Value []byte `db:"value"`
}

// Get returns the stored values for ids of kind. Unknown ids are omitted.
func (s *Store) Get(ctx context.Context, kind keystore.Kind, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In("SELECT id, value FROM keys WHERE kind = ? AND id IN (?)", string(kind), ids)
	if err != nil {
		return nil, fmt.Errorf("store: build key query: %w", err)
	}
	var rows []keyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("store: get %s: %w", kind, err)
	}
	for _, r := range rows {
		out[r.ID] = r.Value
	}
	return out, nil
}

// Set applies patch atomically. A nil value deletes the row.
func (s *Store) Set(ctx context.Context, patch keystore.Patch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	for kind, values := range patch {
		for id, v := range values {
			if v == nil {
				if _, err := tx.ExecContext(ctx, "DELETE FROM keys WHERE kind = ? AND id = ?", string(kind), id); err != nil {
					return fmt.Errorf("store: delete %s %s: %w", kind, id, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO keys (kind, id, value) VALUES (?, ?, ?)",
				string(kind), id, v,
			); err != nil {
				return fmt.Errorf("store: set %s %s: %w", kind, id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
