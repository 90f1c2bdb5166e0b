package store

import (
	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/permission"
)

// CurrentIdentityVersion is the schema version written by this code. Version
// 1 records still carry their settings inline in the legacy fields.
const CurrentIdentityVersion = 2

// Identity records a participant's access token for one conversation. It is
// the root of its entity group; its Settings live underneath it.
type Identity struct {
	Key       keys.Identity `cbor:"key"`
	AuthToken string        `cbor:"auth_token"`
	Version   int           `cbor:"version"`

	// Legacy fields, populated only on version 1 records.
	LegacyReadItems     *string `cbor:"legacy_read_items,omitempty"`
	LegacyUnseenChanges *bool   `cbor:"legacy_unseen_changes,omitempty"`
}

// Settings is the mutable per-participant state held under an Identity.
type Settings struct {
	ReadItems     []string         `cbor:"read_items"`
	UnseenChanges bool             `cbor:"unseen_changes"`
	Permission    permission.Level `cbor:"permission"`
}

// NewSettings returns settings carrying the given level, or the default level
// when none is supplied.
func NewSettings(level permission.Level) Settings {
	if !level.Valid() {
		level = permission.Default
	}
	return Settings{ReadItems: []string{}, Permission: level}
}

func (s Settings) HasRead(itemID string) bool {
	for _, id := range s.ReadItems {
		if id == itemID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no backing storage with s.
func (s Settings) Clone() Settings {
	out := s
	out.ReadItems = append([]string(nil), s.ReadItems...)
	if out.ReadItems == nil {
		out.ReadItems = []string{}
	}
	return out
}

// Profile is the display record kept for a participant of a conversation.
type Profile struct {
	Name       string `json:"name" cbor:"name"`
	ImageURL   string `json:"imageUrl,omitempty" cbor:"image_url,omitempty"`
	ProfileURL string `json:"profileUrl,omitempty" cbor:"profile_url,omitempty"`
}

// WatchedConversation marks a conversation the service has stored metadata
// for. It is the entity group root of ConversationMeta.
type WatchedConversation struct {
	Key keys.Conversation `cbor:"key"`
}

type ConversationMeta struct {
	ParticipantProfiles map[string]Profile `cbor:"participant_profiles"`
}
