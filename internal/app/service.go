package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/waveto/mr-ray-open/internal/conversation"
	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/permission"
	"github.com/waveto/mr-ray-open/internal/remote"
	"github.com/waveto/mr-ray-open/internal/session"
	"github.com/waveto/mr-ray-open/internal/settings"
	"github.com/waveto/mr-ray-open/internal/store"
	"github.com/waveto/mr-ray-open/internal/tasks"
)

const (
	ActionReply   = "REPLY"
	ActionRead    = "READ"
	ActionRefresh = "REFRESH"
)

// proxyAtReplace stands in for "@" when a participant address is embedded in
// the robot's proxy address.
const proxyAtReplace = "-_at_-"

var publicNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

type ActionInput struct {
	Action string `json:"action"`
	ItemID string `json:"blipid"`
	Reply  string `json:"reply"`
	Name   string `json:"name"`
}

// ConversationView is the JSON handed to the conversation page.
type ConversationView struct {
	Wavelet    remote.Document          `json:"wavelet"`
	ReadItems  []string                 `json:"readblips"`
	Profiles   map[string]store.Profile `json:"profiles"`
	IsPublic   bool                     `json:"isPublic"`
	Permission permission.Level         `json:"rwPermission"`
}

type ChangeEvent struct {
	Conversation keys.Conversation `json:"conversation"`
	ItemID       string            `json:"blipId"`
	ModifiedBy   string            `json:"modifiedBy"`
	Title        string            `json:"title"`
}

const (
	ParticipantAdd      = "add"
	ParticipantRemove   = "remove"
	ParticipantPublic   = "public"
	ParticipantProfiles = "profiles"
)

type ParticipantChange struct {
	Op           string                   `json:"op"`
	Conversation keys.Conversation        `json:"conversation"`
	Email        string                   `json:"email"`
	Message      string                   `json:"message"`
	ModifiedBy   string                   `json:"modifiedBy"`
	Title        string                   `json:"title"`
	IsPublic     *bool                    `json:"isPublic"`
	IsReadOnly   *bool                    `json:"isReadOnly"`
	Profiles     map[string]store.Profile `json:"profiles"`
}

// Notifier queues notification mail for delivery outside the request.
type Notifier interface {
	EnqueueUpdate(ctx context.Context, payload tasks.UpdatePayload) error
	EnqueueInvitation(ctx context.Context, payload tasks.InvitationPayload) error
}

// Robot names the participant the service acts as on the document service.
type Robot struct {
	Ident  string
	Domain string
}

func (r Robot) Address() string {
	return r.Ident + "@" + r.Domain
}

// ProxyAddress is the address the robot writes under on behalf of proxyFor.
func (r Robot) ProxyAddress(proxyFor string) string {
	return r.Ident + "+" + proxyFor + "@" + r.Domain
}

type Service struct {
	sessions  *session.Manager
	settings  *settings.Mutator
	meta      *conversation.MetaService
	documents *remote.RetryingClient
	notifier  Notifier
	robot     Robot
}

func NewService(sessions *session.Manager, mutator *settings.Mutator, meta *conversation.MetaService, documents *remote.RetryingClient, notifier Notifier, robot Robot) *Service {
	return &Service{
		sessions:  sessions,
		settings:  mutator,
		meta:      meta,
		documents: documents,
		notifier:  notifier,
		robot:     robot,
	}
}

// Reply appends the participant's reply to the document and tells everyone
// else about it.
func (s *Service) Reply(ctx context.Context, call *Call, in ActionInput) (Outcome, error) {
	key := call.Identity.Key
	if err := s.settings.MarkSeenChanges(ctx, key); err != nil {
		return Outcome{}, err
	}

	public := s.sessions.IsPublic(key)
	proxyFor := proxyForEmail(key.ParticipantID)
	modifierName := key.ParticipantID + " (via Mr-Ray)"
	if public {
		if !publicNamePattern.MatchString(in.Name) {
			return Outcome{}, fail(MalformedRequest, "public reply needs a name matching %s, got %q", publicNamePattern, in.Name)
		}
		proxyFor = proxyForPublic(in.Name, s.sessions.PublicParticipant())
		modifierName = in.Name + " (via Mr-Ray Public)"
	}

	doc, err := s.documents.FetchDocument(ctx, key.Conversation(), s.documents.ImportantRetries())
	if err != nil {
		return Outcome{}, err
	}
	if doc.IsReadOnly(s.robot.ProxyAddress(proxyFor)) || doc.IsReadOnly(s.robot.Address()) {
		return Outcome{}, fmt.Errorf("conversation does not permit replies: %w", remote.ErrNotParticipant)
	}
	doc.Reply(in.ItemID, proxyFor, in.Reply)
	s.notifyParticipants(ctx, doc, key, modifierName)
	if _, err := s.documents.SubmitDocument(ctx, doc, s.documents.ImportantRetries()); err != nil {
		return Outcome{}, err
	}

	updated, err := s.documents.FetchDocument(ctx, key.Conversation(), s.documents.ImportantRetries())
	if err != nil {
		return Outcome{}, err
	}
	if !public {
		if err := s.markNewItemsRead(ctx, key, updated, in.ItemID, proxyFor); err != nil {
			return Outcome{}, err
		}
	}
	return s.viewOutcome(ctx, http.StatusCreated, key, updated)
}

// Read records that the participant has seen an item.
func (s *Service) Read(ctx context.Context, call *Call, in ActionInput) (Outcome, error) {
	key := call.Identity.Key
	if err := s.settings.MarkSeenChanges(ctx, key); err != nil {
		return Outcome{}, err
	}
	if err := s.settings.UserReadsItem(ctx, key, in.ItemID); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: http.StatusCreated}, nil
}

func (s *Service) Refresh(ctx context.Context, call *Call) (Outcome, error) {
	key := call.Identity.Key
	doc, err := s.documents.FetchDocument(ctx, key.Conversation(), s.documents.LossyRetries())
	if err != nil {
		return Outcome{}, err
	}
	return s.viewOutcome(ctx, http.StatusOK, key, doc)
}

// Render loads the view for the conversation page and clears the
// participant's unseen flag.
func (s *Service) Render(ctx context.Context, call *Call) (ConversationView, error) {
	key := call.Identity.Key
	doc, err := s.documents.FetchDocument(ctx, key.Conversation(), s.documents.ImportantRetries())
	if err != nil {
		return ConversationView{}, err
	}
	if err := s.settings.MarkSeenChanges(ctx, key); err != nil {
		return ConversationView{}, err
	}
	return s.View(ctx, key, doc)
}

func (s *Service) View(ctx context.Context, key keys.Identity, doc remote.Document) (ConversationView, error) {
	current, err := s.settings.Get(ctx, key)
	if err != nil {
		return ConversationView{}, err
	}
	meta, err := s.meta.Get(ctx, key.Conversation())
	if err != nil && !errors.Is(err, conversation.ErrNotWatched) {
		return ConversationView{}, err
	}
	profiles := meta.ParticipantProfiles
	if profiles == nil {
		profiles = map[string]store.Profile{}
	}
	readItems := current.ReadItems
	if readItems == nil {
		readItems = []string{}
	}
	return ConversationView{
		Wavelet:    doc,
		ReadItems:  readItems,
		Profiles:   profiles,
		IsPublic:   s.sessions.IsPublic(key),
		Permission: current.Permission,
	}, nil
}

func (s *Service) viewOutcome(ctx context.Context, status int, key keys.Identity, doc remote.Document) (Outcome, error) {
	view, err := s.View(ctx, key, doc)
	if err != nil {
		return Outcome{}, err
	}
	body, err := json.Marshal(view)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: status, ContentType: "application/json", Body: body}, nil
}

// markNewItemsRead marks the replies the participant just created under
// parentID as read so they do not show up as new to their author.
func (s *Service) markNewItemsRead(ctx context.Context, key keys.Identity, doc remote.Document, parentID, proxyFor string) error {
	if _, ok := doc.Items[parentID]; !ok {
		parentID = doc.RootItemID
	}
	for _, id := range doc.ChildrenCreatedBy(parentID, s.robot.ProxyAddress(proxyFor)) {
		if err := s.settings.UserReadsItem(ctx, key, id); err != nil {
			return err
		}
	}
	return nil
}

// notifyParticipants queues an update mail for every other participant that
// has no unseen changes yet, then flags them as having some.
func (s *Service) notifyParticipants(ctx context.Context, doc remote.Document, author keys.Identity, modifierName string) {
	identities, err := s.sessions.Fetch(ctx, author.Conversation())
	if err != nil {
		log.Printf("notify: list participants: %v", err)
		return
	}
	for _, identity := range identities {
		if identity.Key.ParticipantID == author.ParticipantID || s.sessions.IsPublic(identity.Key) {
			continue
		}
		s.notifyParticipant(ctx, identity.Key, doc.Title, author.ParticipantID, modifierName)
	}
}

func (s *Service) notifyParticipant(ctx context.Context, key keys.Identity, title, modifier, modifierName string) {
	current, err := s.settings.Get(ctx, key)
	if err != nil {
		log.Printf("notify: settings for %s: %v", key.ParticipantID, err)
		return
	}
	if current.UnseenChanges || current.Permission.IsDeleted() {
		return
	}
	link, err := s.sessions.Link(ctx, key)
	if err != nil {
		log.Printf("notify: link for %s: %v", key.ParticipantID, err)
		return
	}
	err = s.notifier.EnqueueUpdate(ctx, tasks.UpdatePayload{
		Recipient:    key,
		Modifier:     modifier,
		ModifierName: modifierName,
		Title:        title,
		URL:          link,
	})
	if err != nil {
		log.Printf("notify: %v", err)
		return
	}
	if err := s.settings.MarkUnseenChanges(ctx, key); err != nil {
		log.Printf("notify: mark unseen for %s: %v", key.ParticipantID, err)
	}
}

// DocumentChanged handles a change made on the document service itself:
// participants are notified and the changed item becomes unread for all.
func (s *Service) DocumentChanged(ctx context.Context, event ChangeEvent) error {
	identities, err := s.sessions.Fetch(ctx, event.Conversation)
	if err != nil {
		return err
	}
	for _, identity := range identities {
		if s.sessions.IsPublic(identity.Key) {
			continue
		}
		s.notifyParticipant(ctx, identity.Key, event.Title, event.ModifiedBy, "")
		err := s.settings.UserUnreadsItem(ctx, identity.Key, event.ItemID)
		if err != nil && !errors.Is(err, settings.ErrNoSettings) {
			return err
		}
	}
	return nil
}

// ChangeParticipants applies a participant management request and returns
// the participant link when one was issued.
func (s *Service) ChangeParticipants(ctx context.Context, change ParticipantChange) (string, error) {
	switch change.Op {
	case ParticipantAdd:
		if change.Email == "" {
			return "", fail(MalformedRequest, "add needs an email")
		}
		key := keys.NewIdentity(change.Conversation, change.Email)
		link, err := s.sessions.Invite(ctx, key, permission.ReadWrite)
		if err != nil {
			return "", err
		}
		err = s.notifier.EnqueueInvitation(ctx, tasks.InvitationPayload{
			Recipient: key,
			Inviter:   change.ModifiedBy,
			Title:     change.Title,
			Message:   change.Message,
			URL:       link,
		})
		if err != nil {
			log.Printf("invite %s: %v", change.Email, err)
		}
		return link, nil
	case ParticipantRemove:
		if change.Email == "" {
			return "", fail(MalformedRequest, "remove needs an email")
		}
		return "", s.settings.ChangePermission(ctx, keys.NewIdentity(change.Conversation, change.Email), permission.Deleted)
	case ParticipantPublic:
		isPublic := change.IsPublic != nil && *change.IsPublic
		isReadOnly := change.IsReadOnly == nil || *change.IsReadOnly
		key := keys.NewIdentity(change.Conversation, s.sessions.PublicParticipant())
		return s.sessions.Invite(ctx, key, permission.ForPublic(isPublic, isReadOnly))
	case ParticipantProfiles:
		return "", s.meta.CreateOrUpdate(ctx, change.Conversation, change.Profiles)
	}
	return "", fail(MalformedRequest, "unknown participant operation %q", change.Op)
}

func proxyForEmail(email string) string {
	return strings.ReplaceAll(email, "@", proxyAtReplace)
}

func proxyForPublic(name, publicParticipant string) string {
	return strings.ReplaceAll(name, "@", "") + "." + strings.ReplaceAll(publicParticipant, "@", proxyAtReplace)
}
