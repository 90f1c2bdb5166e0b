package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/waveto/mr-ray-open/internal/cache"
	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/permission"
	"github.com/waveto/mr-ray-open/internal/store"
)

// Normalize upgrades every version 1 Identity in identities, moving its
// inline read list and unseen flag into a Settings child. Records already on
// the current version are returned untouched.
func (m *Manager) Normalize(ctx context.Context, identities []store.Identity) ([]store.Identity, error) {
	out := make([]store.Identity, len(identities))
	for i, identity := range identities {
		if identity.Version >= store.CurrentIdentityVersion {
			out[i] = identity
			continue
		}
		migrated, err := m.migrate(ctx, identity.Key)
		if err != nil {
			return nil, fmt.Errorf("migrate identity %s: %w", identity.Key.ParticipantID, err)
		}
		out[i] = migrated
	}
	return out, nil
}

func (m *Manager) migrate(ctx context.Context, key keys.Identity) (store.Identity, error) {
	var migrated store.Identity
	err := m.cache.RunInTransaction(ctx, keys.IdentityName(key), func(ctx context.Context, tx *cache.EntityCache) error {
		identity, err := tx.Identity(ctx, key)
		if err != nil {
			return err
		}
		if identity.Version >= store.CurrentIdentityVersion {
			migrated = identity
			return nil
		}

		_, err = tx.Settings(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			settings := store.NewSettings(permission.Default)
			settings.ReadItems = legacyReadItems(identity.LegacyReadItems)
			settings.UnseenChanges = identity.LegacyUnseenChanges != nil && *identity.LegacyUnseenChanges
			if err := tx.PutSettings(ctx, key, settings); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		identity.Version = store.CurrentIdentityVersion
		identity.LegacyReadItems = nil
		identity.LegacyUnseenChanges = nil
		if err := tx.PutIdentity(ctx, identity); err != nil {
			return err
		}
		migrated = identity
		return nil
	})
	if err != nil {
		return store.Identity{}, err
	}
	return migrated, nil
}

// legacyReadItems decodes the JSON list version 1 records kept inline.
func legacyReadItems(raw *string) []string {
	items := []string{}
	if raw == nil || *raw == "" {
		return items
	}
	var decoded []string
	if err := json.Unmarshal([]byte(*raw), &decoded); err != nil {
		log.Printf("discarding undecodable legacy read list: %v", err)
		return items
	}
	seen := make(map[string]bool, len(decoded))
	for _, id := range decoded {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, id)
	}
	return items
}
