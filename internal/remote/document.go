// Package remote talks to the document service that owns conversation
// content, with bounded retries and failure classification.
package remote

import (
	"context"

	"github.com/waveto/mr-ray-open/internal/keys"
)

// Item is one content item (a message) of a conversation.
type Item struct {
	ID       string   `json:"blipId"`
	ParentID string   `json:"parentBlipId,omitempty"`
	Creator  string   `json:"creator"`
	Content  string   `json:"content"`
	Children []string `json:"childBlipIds,omitempty"`
	Modified int64    `json:"lastModifiedTime,omitempty"`
}

// Operation is a pending change sent along with a submitted Document.
type Operation struct {
	Type     string `json:"type"`
	ParentID string `json:"parentBlipId,omitempty"`
	ProxyFor string `json:"proxyingFor,omitempty"`
	Content  string `json:"content"`
}

const OpReply = "blip.createChild"

// Document is a snapshot of one sub-conversation as returned by the
// document service.
type Document struct {
	Conversation keys.Conversation `json:"conversation"`
	Title        string            `json:"title"`
	RootItemID   string            `json:"rootBlipId"`
	Creator      string            `json:"creator"`
	Participants []string          `json:"participants"`
	// Roles maps participant ids to their role; anything other than
	// "READ_ONLY" may write.
	Roles      map[string]string `json:"participantRoles,omitempty"`
	Items      map[string]Item   `json:"blips"`
	Operations []Operation       `json:"operations,omitempty"`
}

const RoleReadOnly = "READ_ONLY"

func (d Document) IsReadOnly(participant string) bool {
	return d.Roles[participant] == RoleReadOnly
}

// Reply queues a reply under parentID, or under the root item when parentID
// is empty or unknown.
func (d *Document) Reply(parentID, proxyFor, content string) {
	if _, ok := d.Items[parentID]; !ok {
		parentID = d.RootItemID
	}
	d.Operations = append(d.Operations, Operation{
		Type:     OpReply,
		ParentID: parentID,
		ProxyFor: proxyFor,
		Content:  content,
	})
}

// ChildrenCreatedBy returns the ids of parentID's children authored by
// creator, in document order.
func (d Document) ChildrenCreatedBy(parentID, creator string) []string {
	parent, ok := d.Items[parentID]
	if !ok {
		return nil
	}
	var ids []string
	for _, id := range parent.Children {
		if item, ok := d.Items[id]; ok && item.Creator == creator {
			ids = append(ids, id)
		}
	}
	return ids
}

type SubmitResult struct {
	ItemIDs []string `json:"blipIds,omitempty"`
}

// Service is one attempt at each document operation. Failures carry the
// remote message so callers can classify them.
type Service interface {
	Fetch(ctx context.Context, conversation keys.Conversation) (Document, error)
	Submit(ctx context.Context, doc Document) (SubmitResult, error)
}
