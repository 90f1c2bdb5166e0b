package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/waveto/mr-ray-open/internal/codec"
	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/obs"
	"github.com/waveto/mr-ray-open/internal/store"
)

const DefaultTTL = time.Hour

// EntityCache is the read-through, write-invalidate layer over the durable
// store. It is the only component that touches the cache backend.
//
// Lookups that miss are not deduplicated; concurrent misses on one key each
// read the store and race to Add, and the first Add wins.
type EntityCache struct {
	backend Backend
	store   store.Store
	ttl     time.Duration
	inTx    bool
}

func New(backend Backend, st store.Store, ttl time.Duration) *EntityCache {
	if backend == nil {
		backend = NopBackend{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &EntityCache{backend: backend, store: st, ttl: ttl}
}

// RunInTransaction runs fn against a cache bound to a transaction over the
// entity group rooted at root. The bound cache reads straight from the
// transaction and never populates the backend, so uncommitted or
// rolled back values cannot leak into it.
func (c *EntityCache) RunInTransaction(ctx context.Context, root string, fn func(ctx context.Context, tx *EntityCache) error) error {
	return c.store.RunInTransaction(ctx, root, func(ctx context.Context, tx store.Store) error {
		return fn(ctx, &EntityCache{backend: c.backend, store: tx, ttl: c.ttl, inTx: true})
	})
}

func (c *EntityCache) Identity(ctx context.Context, key keys.Identity) (store.Identity, error) {
	return lookup(ctx, c, keys.KindIdentity, keys.IdentityCache(key), func(ctx context.Context) (store.Identity, error) {
		return c.store.GetIdentity(ctx, key)
	})
}

// Identities lists every Identity of a conversation. The list is cached as a
// whole and dropped on any Identity write inside the conversation.
func (c *EntityCache) Identities(ctx context.Context, conversation keys.Conversation) ([]store.Identity, error) {
	return lookup(ctx, c, keys.KindIdentityList, keys.IdentityListCache(conversation), func(ctx context.Context) ([]store.Identity, error) {
		return c.store.ListIdentities(ctx, conversation)
	})
}

func (c *EntityCache) PutIdentity(ctx context.Context, identity store.Identity) error {
	if err := c.store.PutIdentity(ctx, identity); err != nil {
		return err
	}
	return c.InvalidateIdentity(ctx, identity.Key)
}

func (c *EntityCache) InvalidateIdentity(ctx context.Context, key keys.Identity) error {
	return c.invalidate(ctx, keys.IdentityCache(key), keys.IdentityListCache(key.Conversation()))
}

func (c *EntityCache) Settings(ctx context.Context, key keys.Identity) (store.Settings, error) {
	settings, err := lookup(ctx, c, keys.KindSettings, keys.SettingsCache(key), func(ctx context.Context) (store.Settings, error) {
		return c.store.GetSettings(ctx, key)
	})
	if err != nil {
		return store.Settings{}, err
	}
	return settings.Clone(), nil
}

func (c *EntityCache) PutSettings(ctx context.Context, key keys.Identity, settings store.Settings) error {
	if err := c.store.PutSettings(ctx, key, settings); err != nil {
		return err
	}
	return c.InvalidateSettings(ctx, key)
}

func (c *EntityCache) InvalidateSettings(ctx context.Context, key keys.Identity) error {
	return c.invalidate(ctx, keys.SettingsCache(key))
}

func (c *EntityCache) Watched(ctx context.Context, conversation keys.Conversation) (store.WatchedConversation, error) {
	return lookup(ctx, c, keys.KindWatched, keys.WatchedCache(conversation), func(ctx context.Context) (store.WatchedConversation, error) {
		return c.store.GetWatched(ctx, conversation)
	})
}

func (c *EntityCache) PutWatched(ctx context.Context, watched store.WatchedConversation) error {
	if err := c.store.PutWatched(ctx, watched); err != nil {
		return err
	}
	return c.invalidate(ctx, keys.WatchedCache(watched.Key))
}

func (c *EntityCache) Meta(ctx context.Context, conversation keys.Conversation) (store.ConversationMeta, error) {
	return lookup(ctx, c, keys.KindMeta, keys.MetaCache(conversation), func(ctx context.Context) (store.ConversationMeta, error) {
		return c.store.GetMeta(ctx, conversation)
	})
}

func (c *EntityCache) PutMeta(ctx context.Context, conversation keys.Conversation, meta store.ConversationMeta) error {
	if err := c.store.PutMeta(ctx, conversation, meta); err != nil {
		return err
	}
	return c.InvalidateMeta(ctx, conversation)
}

func (c *EntityCache) InvalidateMeta(ctx context.Context, conversation keys.Conversation) error {
	return c.invalidate(ctx, keys.MetaCache(conversation))
}

// invalidate evicts now and, inside a transaction, once more after commit to
// drop anything a concurrent reader cached from the pre-commit state.
func (c *EntityCache) invalidate(ctx context.Context, cacheKeys ...string) error {
	if err := c.backend.Delete(ctx, cacheKeys...); err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}
	if c.inTx {
		c.store.AfterCommit(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := c.backend.Delete(ctx, cacheKeys...); err != nil {
				log.Printf("post-commit cache invalidation failed: %v", err)
			}
		})
	}
	return nil
}

func lookup[T any](ctx context.Context, c *EntityCache, kind keys.Kind, cacheKey string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if c.inTx {
		return load(ctx)
	}

	data, err := c.backend.Get(ctx, cacheKey)
	switch {
	case err == nil:
		var value T
		decodeErr := codec.Unmarshal(data, &value)
		if decodeErr == nil {
			obs.CacheHit(string(kind))
			return value, nil
		}
		log.Printf("cache entry %s undecodable, reloading: %v", kind, decodeErr)
		if err := c.backend.Delete(ctx, cacheKey); err != nil {
			log.Printf("cache delete %s failed: %v", kind, err)
		}
	case !errors.Is(err, ErrMiss):
		log.Printf("cache get %s failed, reading store: %v", kind, err)
	}
	obs.CacheMiss(string(kind))

	value, err := load(ctx)
	if err != nil {
		return zero, err
	}

	encoded, err := codec.Marshal(value)
	if err != nil {
		log.Printf("cache encode %s failed: %v", kind, err)
		return value, nil
	}
	if _, err := c.backend.Add(ctx, cacheKey, encoded, c.ttl); err != nil {
		log.Printf("cache add %s failed: %v", kind, err)
	}
	return value, nil
}
