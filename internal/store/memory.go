package store

import (
	"context"
	"sort"
	"sync"

	"github.com/waveto/mr-ray-open/internal/keys"
)

type memoryState struct {
	identities map[keys.Identity]Identity
	settings   map[keys.Identity]Settings
	watched    map[keys.Conversation]WatchedConversation
	meta       map[keys.Conversation]ConversationMeta
}

func newMemoryState() memoryState {
	return memoryState{
		identities: map[keys.Identity]Identity{},
		settings:   map[keys.Identity]Settings{},
		watched:    map[keys.Conversation]WatchedConversation{},
		meta:       map[keys.Conversation]ConversationMeta{},
	}
}

// MemoryStore is an in-process Store used by tests and local runs. Writes
// made inside a transaction stay in an overlay until commit.
type MemoryStore struct {
	mu     sync.RWMutex
	state  memoryState
	groups map[string]*sync.Mutex
	writes map[keys.Kind]int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state:  newMemoryState(),
		groups: map[string]*sync.Mutex{},
		writes: map[keys.Kind]int{},
	}
}

// Writes reports how many committed writes of kind reached the store.
func (m *MemoryStore) Writes(kind keys.Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[kind]
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) GetIdentity(_ context.Context, key keys.Identity) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.state.identities[key]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return cloneIdentity(identity), nil
}

func (m *MemoryStore) ListIdentities(_ context.Context, conversation keys.Conversation) ([]Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Identity, 0)
	for key, identity := range m.state.identities {
		if key.Conversation() == conversation {
			items = append(items, cloneIdentity(identity))
		}
	}
	sortIdentities(items)
	return items, nil
}

func (m *MemoryStore) PutIdentity(_ context.Context, identity Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.identities[identity.Key] = cloneIdentity(identity)
	m.writes[keys.KindIdentity]++
	return nil
}

func (m *MemoryStore) GetSettings(_ context.Context, key keys.Identity) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	settings, ok := m.state.settings[key]
	if !ok {
		return Settings{}, ErrNotFound
	}
	return settings.Clone(), nil
}

func (m *MemoryStore) PutSettings(_ context.Context, key keys.Identity, settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.settings[key] = settings.Clone()
	m.writes[keys.KindSettings]++
	return nil
}

func (m *MemoryStore) GetWatched(_ context.Context, conversation keys.Conversation) (WatchedConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	watched, ok := m.state.watched[conversation]
	if !ok {
		return WatchedConversation{}, ErrNotFound
	}
	return watched, nil
}

func (m *MemoryStore) PutWatched(_ context.Context, watched WatchedConversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.watched[watched.Key] = watched
	m.writes[keys.KindWatched]++
	return nil
}

func (m *MemoryStore) GetMeta(_ context.Context, conversation keys.Conversation) (ConversationMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.state.meta[conversation]
	if !ok {
		return ConversationMeta{}, ErrNotFound
	}
	return cloneMeta(meta), nil
}

func (m *MemoryStore) PutMeta(_ context.Context, conversation keys.Conversation, meta ConversationMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.meta[conversation] = cloneMeta(meta)
	m.writes[keys.KindMeta]++
	return nil
}

func (m *MemoryStore) RunInTransaction(ctx context.Context, root string, fn func(ctx context.Context, tx Store) error) error {
	lock := m.groupLock(root)
	lock.Lock()
	defer lock.Unlock()

	tx := &memoryTx{base: m, overlay: newMemoryState()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.commit(tx)
	for _, callback := range tx.commits {
		callback()
	}
	return nil
}

func (m *MemoryStore) AfterCommit(fn func()) { fn() }

func (m *MemoryStore) groupLock(root string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.groups[root]
	if !ok {
		lock = &sync.Mutex{}
		m.groups[root] = lock
	}
	return lock
}

func (m *MemoryStore) commit(tx *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, identity := range tx.overlay.identities {
		m.state.identities[key] = identity
		m.writes[keys.KindIdentity]++
	}
	for key, settings := range tx.overlay.settings {
		m.state.settings[key] = settings
		m.writes[keys.KindSettings]++
	}
	for key, watched := range tx.overlay.watched {
		m.state.watched[key] = watched
		m.writes[keys.KindWatched]++
	}
	for key, meta := range tx.overlay.meta {
		m.state.meta[key] = meta
		m.writes[keys.KindMeta]++
	}
}

type memoryTx struct {
	base    *MemoryStore
	mu      sync.Mutex
	overlay memoryState
	commits []func()
}

func (t *memoryTx) Ping(ctx context.Context) error { return t.base.Ping(ctx) }

func (t *memoryTx) GetIdentity(ctx context.Context, key keys.Identity) (Identity, error) {
	t.mu.Lock()
	identity, ok := t.overlay.identities[key]
	t.mu.Unlock()
	if ok {
		return cloneIdentity(identity), nil
	}
	return t.base.GetIdentity(ctx, key)
}

func (t *memoryTx) ListIdentities(ctx context.Context, conversation keys.Conversation) ([]Identity, error) {
	items, err := t.base.ListIdentities(ctx, conversation)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	merged := make(map[keys.Identity]Identity, len(items))
	for _, identity := range items {
		merged[identity.Key] = identity
	}
	for key, identity := range t.overlay.identities {
		if key.Conversation() == conversation {
			merged[key] = cloneIdentity(identity)
		}
	}
	out := make([]Identity, 0, len(merged))
	for _, identity := range merged {
		out = append(out, identity)
	}
	sortIdentities(out)
	return out, nil
}

func (t *memoryTx) PutIdentity(_ context.Context, identity Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overlay.identities[identity.Key] = cloneIdentity(identity)
	return nil
}

func (t *memoryTx) GetSettings(ctx context.Context, key keys.Identity) (Settings, error) {
	t.mu.Lock()
	settings, ok := t.overlay.settings[key]
	t.mu.Unlock()
	if ok {
		return settings.Clone(), nil
	}
	return t.base.GetSettings(ctx, key)
}

func (t *memoryTx) PutSettings(_ context.Context, key keys.Identity, settings Settings) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overlay.settings[key] = settings.Clone()
	return nil
}

func (t *memoryTx) GetWatched(ctx context.Context, conversation keys.Conversation) (WatchedConversation, error) {
	t.mu.Lock()
	watched, ok := t.overlay.watched[conversation]
	t.mu.Unlock()
	if ok {
		return watched, nil
	}
	return t.base.GetWatched(ctx, conversation)
}

func (t *memoryTx) PutWatched(_ context.Context, watched WatchedConversation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overlay.watched[watched.Key] = watched
	return nil
}

func (t *memoryTx) GetMeta(ctx context.Context, conversation keys.Conversation) (ConversationMeta, error) {
	t.mu.Lock()
	meta, ok := t.overlay.meta[conversation]
	t.mu.Unlock()
	if ok {
		return cloneMeta(meta), nil
	}
	return t.base.GetMeta(ctx, conversation)
}

func (t *memoryTx) PutMeta(_ context.Context, conversation keys.Conversation, meta ConversationMeta) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overlay.meta[conversation] = cloneMeta(meta)
	return nil
}

func (t *memoryTx) RunInTransaction(ctx context.Context, _ string, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

func (t *memoryTx) AfterCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commits = append(t.commits, fn)
}

func cloneIdentity(identity Identity) Identity {
	out := identity
	if identity.LegacyReadItems != nil {
		value := *identity.LegacyReadItems
		out.LegacyReadItems = &value
	}
	if identity.LegacyUnseenChanges != nil {
		value := *identity.LegacyUnseenChanges
		out.LegacyUnseenChanges = &value
	}
	return out
}

func cloneMeta(meta ConversationMeta) ConversationMeta {
	out := ConversationMeta{ParticipantProfiles: make(map[string]Profile, len(meta.ParticipantProfiles))}
	for participant, profile := range meta.ParticipantProfiles {
		out.ParticipantProfiles[participant] = profile
	}
	return out
}

func sortIdentities(items []Identity) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key.ParticipantID < items[j].Key.ParticipantID
	})
}
