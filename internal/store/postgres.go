package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/permission"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	q  querier

	// set only on transaction-bound copies
	tx      *sql.Tx
	mu      *sync.Mutex
	commits *[]func()
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetIdentity(ctx context.Context, key keys.Identity) (Identity, error) {
	const query = `
		SELECT auth_token, version, legacy_read_items, legacy_unseen_changes
		FROM identities
		WHERE conversation_id = $1 AND sub_conversation_id = $2 AND participant_id = $3
	`
	identity := Identity{Key: key}
	var legacyRead sql.NullString
	var legacyUnseen sql.NullBool
	err := s.q.QueryRowContext(ctx, query, key.ConversationID, key.SubConversationID, key.ParticipantID).
		Scan(&identity.AuthToken, &identity.Version, &legacyRead, &legacyUnseen)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("get identity: %w", err)
	}
	identity.LegacyReadItems, identity.LegacyUnseenChanges = legacyPointers(legacyRead, legacyUnseen)
	return identity, nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context, conversation keys.Conversation) ([]Identity, error) {
	const query = `
		SELECT participant_id, auth_token, version, legacy_read_items, legacy_unseen_changes
		FROM identities
		WHERE conversation_id = $1 AND sub_conversation_id = $2
		ORDER BY participant_id
	`
	rows, err := s.q.QueryContext(ctx, query, conversation.ID, conversation.SubID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	items := make([]Identity, 0)
	for rows.Next() {
		var participantID string
		var identity Identity
		var legacyRead sql.NullString
		var legacyUnseen sql.NullBool
		if err := rows.Scan(&participantID, &identity.AuthToken, &identity.Version, &legacyRead, &legacyUnseen); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identity.Key = keys.NewIdentity(conversation, participantID)
		identity.LegacyReadItems, identity.LegacyUnseenChanges = legacyPointers(legacyRead, legacyUnseen)
		items = append(items, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) PutIdentity(ctx context.Context, identity Identity) error {
	key := identity.Key
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO identities (conversation_id, sub_conversation_id, participant_id, auth_token, version, legacy_read_items, legacy_unseen_changes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id, sub_conversation_id, participant_id) DO UPDATE SET
			auth_token = EXCLUDED.auth_token,
			version = EXCLUDED.version,
			legacy_read_items = EXCLUDED.legacy_read_items,
			legacy_unseen_changes = EXCLUDED.legacy_unseen_changes,
			updated_at = NOW()
	`, key.ConversationID, key.SubConversationID, key.ParticipantID, identity.AuthToken, identity.Version,
		nullableString(identity.LegacyReadItems), nullableBool(identity.LegacyUnseenChanges))
	if err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSettings(ctx context.Context, key keys.Identity) (Settings, error) {
	const query = `
		SELECT read_items, unseen_changes, permission
		FROM settings
		WHERE conversation_id = $1 AND sub_conversation_id = $2 AND participant_id = $3
	`
	var readItems []byte
	var level string
	var settings Settings
	err := s.q.QueryRowContext(ctx, query, key.ConversationID, key.SubConversationID, key.ParticipantID).
		Scan(&readItems, &settings.UnseenChanges, &level)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	settings.ReadItems, err = decodeReadItems(readItems)
	if err != nil {
		return Settings{}, fmt.Errorf("decode read items: %w", err)
	}
	settings.Permission = permission.Normalize(level)
	return settings, nil
}

func (s *PostgresStore) PutSettings(ctx context.Context, key keys.Identity, settings Settings) error {
	items := settings.ReadItems
	if items == nil {
		items = []string{}
	}
	readItems, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode read items: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO settings (conversation_id, sub_conversation_id, participant_id, read_items, unseen_changes, permission)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, sub_conversation_id, participant_id) DO UPDATE SET
			read_items = EXCLUDED.read_items,
			unseen_changes = EXCLUDED.unseen_changes,
			permission = EXCLUDED.permission,
			updated_at = NOW()
	`, key.ConversationID, key.SubConversationID, key.ParticipantID, string(readItems), settings.UnseenChanges,
		string(permission.Normalize(string(settings.Permission))))
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWatched(ctx context.Context, conversation keys.Conversation) (WatchedConversation, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM watched_conversations WHERE conversation_id = $1 AND sub_conversation_id = $2)
	`, conversation.ID, conversation.SubID).Scan(&exists)
	if err != nil {
		return WatchedConversation{}, fmt.Errorf("get watched conversation: %w", err)
	}
	if !exists {
		return WatchedConversation{}, ErrNotFound
	}
	return WatchedConversation{Key: conversation}, nil
}

func (s *PostgresStore) PutWatched(ctx context.Context, watched WatchedConversation) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO watched_conversations (conversation_id, sub_conversation_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id, sub_conversation_id) DO NOTHING
	`, watched.Key.ID, watched.Key.SubID)
	if err != nil {
		return fmt.Errorf("put watched conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMeta(ctx context.Context, conversation keys.Conversation) (ConversationMeta, error) {
	var raw []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT participant_profiles FROM conversation_meta
		WHERE conversation_id = $1 AND sub_conversation_id = $2
	`, conversation.ID, conversation.SubID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationMeta{}, ErrNotFound
	}
	if err != nil {
		return ConversationMeta{}, fmt.Errorf("get conversation meta: %w", err)
	}
	meta := ConversationMeta{ParticipantProfiles: map[string]Profile{}}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &meta.ParticipantProfiles); err != nil {
			return ConversationMeta{}, fmt.Errorf("decode participant profiles: %w", err)
		}
	}
	return meta, nil
}

func (s *PostgresStore) PutMeta(ctx context.Context, conversation keys.Conversation, meta ConversationMeta) error {
	profiles := meta.ParticipantProfiles
	if profiles == nil {
		profiles = map[string]Profile{}
	}
	raw, err := json.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("encode participant profiles: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO conversation_meta (conversation_id, sub_conversation_id, participant_profiles)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, sub_conversation_id) DO UPDATE SET
			participant_profiles = EXCLUDED.participant_profiles,
			updated_at = NOW()
	`, conversation.ID, conversation.SubID, string(raw))
	if err != nil {
		return fmt.Errorf("put conversation meta: %w", err)
	}
	return nil
}

// RunInTransaction serializes transactions of one entity group with a
// transaction-scoped advisory lock on the group's root name.
func (s *PostgresStore) RunInTransaction(ctx context.Context, root string, fn func(ctx context.Context, tx Store) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, root); err != nil {
		return fmt.Errorf("lock entity group: %w", err)
	}

	var commits []func()
	bound := &PostgresStore{db: s.db, q: tx, tx: tx, mu: &sync.Mutex{}, commits: &commits}
	if err := fn(ctx, bound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	bound.mu.Lock()
	callbacks := append([]func(){}, commits...)
	bound.mu.Unlock()
	for _, callback := range callbacks {
		callback()
	}
	return nil
}

func (s *PostgresStore) AfterCommit(fn func()) {
	if s.tx == nil {
		fn()
		return
	}
	s.mu.Lock()
	*s.commits = append(*s.commits, fn)
	s.mu.Unlock()
}

func legacyPointers(read sql.NullString, unseen sql.NullBool) (*string, *bool) {
	var readItems *string
	var unseenChanges *bool
	if read.Valid {
		value := read.String
		readItems = &value
	}
	if unseen.Valid {
		value := unseen.Bool
		unseenChanges = &value
	}
	return readItems, unseenChanges
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableBool(value *bool) any {
	if value == nil {
		return nil
	}
	return *value
}

func decodeReadItems(raw []byte) ([]string, error) {
	items := []string{}
	if len(raw) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []string{}
	}
	return items, nil
}
