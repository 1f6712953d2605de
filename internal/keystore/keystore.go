// Package keystore provides key-material access with a transactional scope.
//
// A Backend only needs Get and Set. Transactional layers the scope guarantee
// on top: transactions are serialized, writes are buffered and committed in
// one Set when the unit of work returns nil, and discarded otherwise. Calls
// to Transaction made with a context that is already inside a transaction
// join the outer scope.
package keystore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Kind names a category of key material.
type Kind string

const (
	KindSession         Kind = "session"
	KindSenderKey       Kind = "sender-key"
	KindSenderKeyMemory Kind = "sender-key-memory"
	KindPreKey          Kind = "pre-key"
	KindIdentity        Kind = "identity"
)

// Patch is a set of writes grouped by kind. A nil value deletes the id.
type Patch map[Kind]map[string][]byte

// Backend is persistent key storage. Get omits ids that are not stored.
type Backend interface {
	Get(ctx context.Context, kind Kind, ids []string) (map[string][]byte, error)
	Set(ctx context.Context, patch Patch) error
}

// Store is a Backend with a transactional scope.
type Store interface {
	Backend
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Transactional wraps a Backend with the transaction scope.
type Transactional struct {
	backend Backend
	logger  zerolog.Logger
	mu      sync.Mutex // held for the duration of one outermost transaction
}

var _ Store = (*Transactional)(nil)

// New returns a Transactional store over backend.
func New(backend Backend, logger zerolog.Logger) *Transactional {
	return &Transactional{
		backend: backend,
		logger:  logger.With().Str("component", "keystore").Logger(),
	}
}

type txKey struct{}

type tx struct {
	owner *Transactional
	mu    sync.Mutex
	cache Patch // reads from the backend during this transaction
	dirty Patch // buffered writes
}

func (s *Transactional) current(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	if t == nil || t.owner != s {
		return nil
	}
	return t
}

// InTransaction reports whether ctx carries an open transaction of s.
func (s *Transactional) InTransaction(ctx context.Context) bool {
	return s.current(ctx) != nil
}

// Transaction runs fn inside the scope.
func (s *Transactional) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.current(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{owner: s, cache: Patch{}, dirty: Patch{}}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		s.logger.Debug().Err(err).Msg("transaction discarded")
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.dirty) == 0 {
		return nil
	}
	// Commit even when ctx ended during fn.
	if err := s.backend.Set(context.WithoutCancel(ctx), t.dirty); err != nil {
		return fmt.Errorf("keystore: commit: %w", err)
	}
	s.logger.Trace().Int("kinds", len(t.dirty)).Msg("transaction committed")
	return nil
}

// Get reads ids of kind. Inside a transaction, buffered writes shadow the
// backend and backend reads are cached for the rest of the scope.
func (s *Transactional) Get(ctx context.Context, kind Kind, ids []string) (map[string][]byte, error) {
	t := s.current(ctx)
	if t == nil {
		return s.backend.Get(ctx, kind, ids)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]byte, len(ids))
	var missing []string
	for _, id := range ids {
		if v, ok := t.dirty[kind][id]; ok {
			if v != nil {
				out[id] = v
			}
			continue
		}
		if v, ok := t.cache[kind][id]; ok {
			if v != nil {
				out[id] = v
			}
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := s.backend.Get(ctx, kind, missing)
	if err != nil {
		return nil, err
	}
	if t.cache[kind] == nil {
		t.cache[kind] = map[string][]byte{}
	}
	for _, id := range missing {
		v := fetched[id]
		t.cache[kind][id] = v
		if v != nil {
			out[id] = v
		}
	}
	return out, nil
}

// Set writes patch. Inside a transaction the writes are buffered until commit.
func (s *Transactional) Set(ctx context.Context, patch Patch) error {
	t := s.current(ctx)
	if t == nil {
		return s.backend.Set(ctx, patch)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for kind, values := range patch {
		if t.dirty[kind] == nil {
			t.dirty[kind] = map[string][]byte{}
		}
		for id, v := range values {
			t.dirty[kind][id] = v
		}
	}
	return nil
}
