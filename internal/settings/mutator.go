// Package settings mutates per-participant Settings with read-modify-write
// transactions scoped to the owning Identity's entity group.
package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/waveto/mr-ray-open/internal/cache"
	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/permission"
	"github.com/waveto/mr-ray-open/internal/session"
	"github.com/waveto/mr-ray-open/internal/store"
)

// ErrNoSettings is returned when the Identity exists but has no Settings.
var ErrNoSettings = errors.New("settings: not found")

// MutateFunc edits settings in place and reports whether it changed them.
type MutateFunc func(*store.Settings) bool

type Mutator struct {
	sessions *session.Manager
	cache    *cache.EntityCache
}

func NewMutator(sessions *session.Manager) *Mutator {
	return &Mutator{sessions: sessions, cache: sessions.Cache()}
}

// Get resolves the Settings of an Identity through the cache.
func (m *Mutator) Get(ctx context.Context, key keys.Identity) (store.Settings, error) {
	if _, err := m.sessions.Get(ctx, key); err != nil {
		return store.Settings{}, err
	}
	settings, err := m.cache.Settings(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return store.Settings{}, ErrNoSettings
	}
	if err != nil {
		return store.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return settings, nil
}

// Mutate applies fn to the Settings of key inside one transaction. Nothing is
// written when fn reports no change. Returns session.ErrNotFound when the
// Identity does not exist and ErrNoSettings when it has no Settings.
func (m *Mutator) Mutate(ctx context.Context, key keys.Identity, fn MutateFunc) (bool, error) {
	if _, err := m.sessions.Get(ctx, key); err != nil {
		return false, err
	}

	changed := false
	err := m.cache.RunInTransaction(ctx, keys.IdentityName(key), func(ctx context.Context, tx *cache.EntityCache) error {
		current, err := tx.Settings(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoSettings
		}
		if err != nil {
			return err
		}
		if !fn(&current) {
			return nil
		}
		if err := tx.PutSettings(ctx, key, current); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (m *Mutator) MarkSeenChanges(ctx context.Context, key keys.Identity) error {
	_, err := m.Mutate(ctx, key, setUnseen(false))
	return err
}

func (m *Mutator) MarkUnseenChanges(ctx context.Context, key keys.Identity) error {
	_, err := m.Mutate(ctx, key, setUnseen(true))
	return err
}

func setUnseen(value bool) MutateFunc {
	return func(s *store.Settings) bool {
		if s.UnseenChanges == value {
			return false
		}
		s.UnseenChanges = value
		return true
	}
}

func (m *Mutator) UserReadsItem(ctx context.Context, key keys.Identity, itemID string) error {
	if itemID == "" {
		return nil
	}
	_, err := m.Mutate(ctx, key, func(s *store.Settings) bool {
		if s.HasRead(itemID) {
			return false
		}
		s.ReadItems = append(s.ReadItems, itemID)
		return true
	})
	return err
}

func (m *Mutator) UserUnreadsItem(ctx context.Context, key keys.Identity, itemID string) error {
	if itemID == "" {
		return nil
	}
	_, err := m.Mutate(ctx, key, func(s *store.Settings) bool {
		for i, id := range s.ReadItems {
			if id == itemID {
				s.ReadItems = append(s.ReadItems[:i], s.ReadItems[i+1:]...)
				return true
			}
		}
		return false
	})
	return err
}

// ChangePermission overwrites the level unconditionally.
func (m *Mutator) ChangePermission(ctx context.Context, key keys.Identity, level permission.Level) error {
	if !level.Valid() {
		return fmt.Errorf("change permission: invalid level %q", level)
	}
	_, err := m.Mutate(ctx, key, func(s *store.Settings) bool {
		s.Permission = level
		return true
	})
	return err
}
