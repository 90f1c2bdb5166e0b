// Package session resolves participant identities, keeps legacy records on
// the current schema and issues participant links.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/waveto/mr-ray-open/internal/auth"
	"github.com/waveto/mr-ray-open/internal/cache"
	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/permission"
	"github.com/waveto/mr-ray-open/internal/store"
)

var (
	ErrNotFound      = errors.New("session: identity not found")
	ErrTokenMismatch = errors.New("session: token mismatch")
)

const DefaultPublicParticipant = "mrrayopen-public@wave.to"

type Options struct {
	// PublicParticipant is the participant id standing in for anonymous
	// public readers.
	PublicParticipant string
	// BaseURL prefixes participant links and must end with a slash.
	BaseURL string
	// NewToken overrides token generation in tests.
	NewToken func() string
}

type Manager struct {
	cache             *cache.EntityCache
	publicParticipant string
	baseURL           string
	newToken          func() string
}

func NewManager(c *cache.EntityCache, opts Options) *Manager {
	if opts.PublicParticipant == "" {
		opts.PublicParticipant = DefaultPublicParticipant
	}
	if opts.BaseURL != "" && !strings.HasSuffix(opts.BaseURL, "/") {
		opts.BaseURL += "/"
	}
	if opts.NewToken == nil {
		opts.NewToken = auth.NewParticipantToken
	}
	return &Manager{
		cache:             c,
		publicParticipant: opts.PublicParticipant,
		baseURL:           opts.BaseURL,
		newToken:          opts.NewToken,
	}
}

func (m *Manager) Cache() *cache.EntityCache { return m.cache }

func (m *Manager) PublicParticipant() string { return m.publicParticipant }

// Get resolves one Identity, migrating it to the current schema first.
func (m *Manager) Get(ctx context.Context, key keys.Identity) (store.Identity, error) {
	identity, err := m.cache.Identity(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return store.Identity{}, ErrNotFound
	}
	if err != nil {
		return store.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	normalized, err := m.Normalize(ctx, []store.Identity{identity})
	if err != nil {
		return store.Identity{}, err
	}
	return normalized[0], nil
}

// Fetch lists every Identity of a conversation, migrated to the current schema.
func (m *Manager) Fetch(ctx context.Context, conversation keys.Conversation) ([]store.Identity, error) {
	identities, err := m.cache.Identities(ctx, conversation)
	if err != nil {
		return nil, fmt.Errorf("fetch identities: %w", err)
	}
	return m.Normalize(ctx, identities)
}

func (m *Manager) Put(ctx context.Context, identity store.Identity) error {
	return m.cache.PutIdentity(ctx, identity)
}

// Authenticate resolves the Identity and checks the presented token against it.
func (m *Manager) Authenticate(ctx context.Context, key keys.Identity, token string) (store.Identity, error) {
	identity, err := m.Get(ctx, key)
	if err != nil {
		return store.Identity{}, err
	}
	if !auth.TokensEqual(identity.AuthToken, token) {
		return store.Identity{}, ErrTokenMismatch
	}
	return identity, nil
}

func (m *Manager) IsPublic(key keys.Identity) bool {
	return key.ParticipantID == m.publicParticipant
}

// Invite creates the Identity and Settings pair for a participant, or reuses
// the existing token and resets the participant's settings. Either way the
// participant ends up with unseen changes and the given level.
func (m *Manager) Invite(ctx context.Context, key keys.Identity, level permission.Level) (string, error) {
	if !key.Complete() {
		return "", fmt.Errorf("invite: incomplete identity key")
	}
	if !level.Valid() {
		level = permission.Default
	}
	// Migrate any legacy record before the settings are overwritten.
	if _, err := m.Get(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	var token string
	err := m.cache.RunInTransaction(ctx, keys.IdentityName(key), func(ctx context.Context, tx *cache.EntityCache) error {
		identity, err := tx.Identity(ctx, key)
		switch {
		case err == nil:
			log.Printf("reusing identity for %s", key.ParticipantID)
			token = identity.AuthToken
			if identity.Version != store.CurrentIdentityVersion {
				identity.Version = store.CurrentIdentityVersion
				if err := tx.PutIdentity(ctx, identity); err != nil {
					return err
				}
			}
		case errors.Is(err, store.ErrNotFound):
			token = m.newToken()
			identity = store.Identity{Key: key, AuthToken: token, Version: store.CurrentIdentityVersion}
			if err := tx.PutIdentity(ctx, identity); err != nil {
				return err
			}
		default:
			return err
		}

		settings, err := tx.Settings(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			settings = store.NewSettings(level)
		} else if err != nil {
			return err
		}
		settings.UnseenChanges = true
		settings.Permission = level
		return tx.PutSettings(ctx, key, settings)
	})
	if err != nil {
		return "", fmt.Errorf("invite %s: %w", key.ParticipantID, err)
	}
	return m.link(key, token), nil
}

// Link rebuilds the participant link of an existing Identity.
func (m *Manager) Link(ctx context.Context, key keys.Identity) (string, error) {
	identity, err := m.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return m.link(identity.Key, identity.AuthToken), nil
}

func (m *Manager) link(key keys.Identity, token string) string {
	var b strings.Builder
	b.WriteString(m.baseURL)
	b.WriteString("wave?waveid=")
	b.WriteString(url.QueryEscape(key.ConversationID))
	b.WriteString("&waveletid=")
	b.WriteString(url.QueryEscape(key.SubConversationID))
	b.WriteString("&email=")
	b.WriteString(url.QueryEscape(key.ParticipantID))
	b.WriteString("&auth=")
	b.WriteString(url.QueryEscape(token))
	return b.String()
}
