// Package conversation keeps display metadata for the conversations the
// service follows.
package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/waveto/mr-ray-open/internal/cache"
	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/store"
)

var ErrNotWatched = errors.New("conversation: not watched")

type MetaService struct {
	cache *cache.EntityCache
}

func NewMetaService(c *cache.EntityCache) *MetaService {
	return &MetaService{cache: c}
}

// Get returns the metadata of a watched conversation.
func (s *MetaService) Get(ctx context.Context, conversation keys.Conversation) (store.ConversationMeta, error) {
	if _, err := s.cache.Watched(ctx, conversation); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ConversationMeta{}, ErrNotWatched
		}
		return store.ConversationMeta{}, fmt.Errorf("get watched conversation: %w", err)
	}
	meta, err := s.cache.Meta(ctx, conversation)
	if errors.Is(err, store.ErrNotFound) {
		return emptyMeta(), nil
	}
	if err != nil {
		return store.ConversationMeta{}, fmt.Errorf("get conversation meta: %w", err)
	}
	return meta, nil
}

// CreateOrUpdate marks the conversation watched and stores its metadata.
// Profiles replace the stored ones only when non-empty.
func (s *MetaService) CreateOrUpdate(ctx context.Context, conversation keys.Conversation, profiles map[string]store.Profile) error {
	return s.cache.RunInTransaction(ctx, keys.WatchedName(conversation), func(ctx context.Context, tx *cache.EntityCache) error {
		meta := emptyMeta()
		_, err := tx.Watched(ctx, conversation)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := tx.PutWatched(ctx, store.WatchedConversation{Key: conversation}); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			existing, err := tx.Meta(ctx, conversation)
			if err == nil {
				meta = existing
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if len(profiles) > 0 {
			meta.ParticipantProfiles = profiles
		}
		return tx.PutMeta(ctx, conversation, meta)
	})
}

func emptyMeta() store.ConversationMeta {
	return store.ConversationMeta{ParticipantProfiles: map[string]store.Profile{}}
}
