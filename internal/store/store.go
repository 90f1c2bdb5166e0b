package store

import (
	"context"
	"errors"

	"github.com/waveto/mr-ray-open/internal/keys"
)

var ErrNotFound = errors.New("store: not found")

// Store is the durable backend. Reads and writes against different entity
// groups are independent; RunInTransaction serializes work inside one group.
type Store interface {
	GetIdentity(ctx context.Context, key keys.Identity) (Identity, error)
	ListIdentities(ctx context.Context, conversation keys.Conversation) ([]Identity, error)
	PutIdentity(ctx context.Context, identity Identity) error

	GetSettings(ctx context.Context, key keys.Identity) (Settings, error)
	PutSettings(ctx context.Context, key keys.Identity, settings Settings) error

	GetWatched(ctx context.Context, conversation keys.Conversation) (WatchedConversation, error)
	PutWatched(ctx context.Context, watched WatchedConversation) error
	GetMeta(ctx context.Context, conversation keys.Conversation) (ConversationMeta, error)
	PutMeta(ctx context.Context, conversation keys.Conversation, meta ConversationMeta) error

	// RunInTransaction runs fn with a Store bound to a transaction over the
	// entity group rooted at root (see keys.IdentityName, keys.WatchedName).
	// The transaction commits when fn returns nil. Calls on a Store that is
	// already transactional join the running transaction.
	RunInTransaction(ctx context.Context, root string, fn func(ctx context.Context, tx Store) error) error

	// AfterCommit runs fn once the current transaction commits, or right away
	// outside a transaction. Rolled back transactions drop their callbacks.
	AfterCommit(fn func())

	Ping(ctx context.Context) error
}
