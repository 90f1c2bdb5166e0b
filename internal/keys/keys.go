// Package keys builds the deterministic names used for durable records and
// cache entries of a conversation, its sub-conversations and participants.
package keys

import (
	"encoding/base64"
	"net/url"
	"strings"
)

type Kind string

const (
	KindIdentity     Kind = "SESSION"
	KindIdentityList Kind = "SESSIONS"
	KindSettings     Kind = "SETTINGS"
	KindWatched      Kind = "FOLLOWED_WAVE"
	KindMeta         Kind = "WAVE_META"
)

const separator = "|"

// Conversation addresses one sub-conversation of a shared document.
type Conversation struct {
	ID    string `json:"waveId" cbor:"1,keyasint"`
	SubID string `json:"waveletId" cbor:"2,keyasint"`
}

// Identity addresses one participant inside a Conversation.
type Identity struct {
	ConversationID    string `json:"waveId" cbor:"1,keyasint"`
	SubConversationID string `json:"waveletId" cbor:"2,keyasint"`
	ParticipantID     string `json:"email" cbor:"3,keyasint"`
}

func NewIdentity(conversation Conversation, participantID string) Identity {
	return Identity{
		ConversationID:    conversation.ID,
		SubConversationID: conversation.SubID,
		ParticipantID:     participantID,
	}
}

func (k Identity) Conversation() Conversation {
	return Conversation{ID: k.ConversationID, SubID: k.SubConversationID}
}

// Complete reports whether every component of the key is present.
func (k Identity) Complete() bool {
	return k.ConversationID != "" && k.SubConversationID != "" && k.ParticipantID != ""
}

func (k Identity) parts() []string {
	return []string{k.ConversationID, k.SubConversationID, k.ParticipantID}
}

func (c Conversation) parts() []string {
	return []string{c.ID, c.SubID}
}

// Name is the durable record name for a kind and tuple. Components are
// query-escaped so the separator can never appear inside one of them.
func Name(kind Kind, parts ...string) string {
	escaped := make([]string, 0, len(parts)+1)
	escaped = append(escaped, string(kind))
	for _, part := range parts {
		escaped = append(escaped, url.QueryEscape(part))
	}
	return strings.Join(escaped, separator)
}

// Cache is the cache key for a kind and tuple: the durable name, base64
// encoded so arbitrary participant ids stay within the backend's key alphabet.
func Cache(kind Kind, parts ...string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(Name(kind, parts...)))
}

func IdentityName(k Identity) string { return Name(KindIdentity, k.parts()...) }

func SettingsName(k Identity) string { return Name(KindSettings, k.parts()...) }

func WatchedName(c Conversation) string { return Name(KindWatched, c.parts()...) }

func MetaName(c Conversation) string { return Name(KindMeta, c.parts()...) }

func IdentityCache(k Identity) string { return Cache(KindIdentity, k.parts()...) }

func IdentityListCache(c Conversation) string { return Cache(KindIdentityList, c.parts()...) }

func SettingsCache(k Identity) string { return Cache(KindSettings, k.parts()...) }

func WatchedCache(c Conversation) string { return Cache(KindWatched, c.parts()...) }

func MetaCache(c Conversation) string { return Cache(KindMeta, c.parts()...) }
