package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/waveto/mr-ray-open/internal/cache"
	"github.com/waveto/mr-ray-open/internal/conversation"
	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/permission"
	"github.com/waveto/mr-ray-open/internal/remote"
	"github.com/waveto/mr-ray-open/internal/session"
	"github.com/waveto/mr-ray-open/internal/settings"
	"github.com/waveto/mr-ray-open/internal/store"
	"github.com/waveto/mr-ray-open/internal/tasks"
)

var (
	testConversation = keys.Conversation{ID: "wave!w+abc", SubID: "wave!conv+root"}
	avery            = keys.NewIdentity(testConversation, "avery@example.com")
	blake            = keys.NewIdentity(testConversation, "blake@example.com")
	testRobot        = Robot{Ident: "mr-ray-open", Domain: "appspot.com"}
	robotSecret      = []byte("robot-secret")
)

type fakeDocuments struct {
	mu        sync.Mutex
	doc       remote.Document
	fetchFn   func() error
	submitFn  func() error
	fetches   int
	submitted []remote.Document
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{doc: remote.Document{
		Conversation: testConversation,
		Title:        "Plans",
		RootItemID:   "b+root",
		Creator:      "carol@example.com",
		Participants: []string{"carol@example.com", testRobot.Address()},
		Items: map[string]remote.Item{
			"b+root": {ID: "b+root", Creator: "carol@example.com", Content: "Plans"},
		},
	}}
}

func (f *fakeDocuments) Fetch(_ context.Context, _ keys.Conversation) (remote.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchFn != nil {
		if err := f.fetchFn(); err != nil {
			return remote.Document{}, err
		}
	}
	return cloneDocument(f.doc), nil
}

// Submit applies queued replies the way the document service would.
func (f *fakeDocuments) Submit(_ context.Context, doc remote.Document) (remote.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitFn != nil {
		if err := f.submitFn(); err != nil {
			return remote.SubmitResult{}, err
		}
	}
	f.submitted = append(f.submitted, doc)
	var result remote.SubmitResult
	for _, op := range doc.Operations {
		id := fmt.Sprintf("b+reply%d", len(f.doc.Items))
		f.doc.Items[id] = remote.Item{
			ID:       id,
			ParentID: op.ParentID,
			Creator:  testRobot.ProxyAddress(op.ProxyFor),
			Content:  op.Content,
		}
		parent := f.doc.Items[op.ParentID]
		parent.Children = append(parent.Children, id)
		f.doc.Items[op.ParentID] = parent
		result.ItemIDs = append(result.ItemIDs, id)
	}
	return result, nil
}

func (f *fakeDocuments) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func cloneDocument(doc remote.Document) remote.Document {
	out := doc
	out.Items = make(map[string]remote.Item, len(doc.Items))
	for id, item := range doc.Items {
		item.Children = append([]string(nil), item.Children...)
		out.Items[id] = item
	}
	out.Roles = make(map[string]string, len(doc.Roles))
	for p, role := range doc.Roles {
		out.Roles[p] = role
	}
	out.Participants = append([]string(nil), doc.Participants...)
	out.Operations = nil
	return out
}

type fakeNotifier struct {
	mu          sync.Mutex
	updates     []tasks.UpdatePayload
	invitations []tasks.InvitationPayload
	err         error
}

func (f *fakeNotifier) EnqueueUpdate(_ context.Context, payload tasks.UpdatePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, payload)
	return nil
}

func (f *fakeNotifier) EnqueueInvitation(_ context.Context, payload tasks.InvitationPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.invitations = append(f.invitations, payload)
	return nil
}

type fixture struct {
	handler  http.Handler
	store    *store.MemoryStore
	sessions *session.Manager
	settings *settings.Mutator
	meta     *conversation.MetaService
	docs     *fakeDocuments
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	backend, err := cache.NewRedisBackend("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create redis backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	st := store.NewMemoryStore()
	entities := cache.New(backend, st, time.Minute)
	var tokenMu sync.Mutex
	issued := 0
	sessions := session.NewManager(entities, session.Options{
		BaseURL: "http://mr-ray-open.appspot.com",
		NewToken: func() string {
			tokenMu.Lock()
			defer tokenMu.Unlock()
			issued++
			return fmt.Sprintf("tok-%d", issued)
		},
	})
	mutator := settings.NewMutator(sessions)
	meta := conversation.NewMetaService(entities)
	docs := newFakeDocuments()
	notifier := &fakeNotifier{}
	svc := NewService(sessions, mutator, meta, remote.NewRetryingClient(docs, remote.Options{}), notifier, testRobot)
	server := NewHTTPServer(svc, ServerOptions{
		BaseURL:            "http://mr-ray-open.appspot.com",
		RobotSecret:        robotSecret,
		RateLimitPerSecond: 1000,
		Checks:             map[string]Pinger{"database": st, "cache": backend},
	})
	return &fixture{
		handler:  server.Handler(),
		store:    st,
		sessions: sessions,
		settings: mutator,
		meta:     meta,
		docs:     docs,
		notifier: notifier,
	}
}

// invite creates a participant and returns their token with unseen changes
// cleared.
func (f *fixture) invite(t *testing.T, key keys.Identity, level permission.Level) string {
	t.Helper()
	ctx := context.Background()
	link, err := f.sessions.Invite(ctx, key, level)
	if err != nil {
		t.Fatalf("invite %s: %v", key.ParticipantID, err)
	}
	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if err := f.settings.MarkSeenChanges(ctx, key); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	return parsed.Query().Get("auth")
}

func (f *fixture) action(t *testing.T, key keys.Identity, token string, fields map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body := map[string]any{
		"waveid":    key.ConversationID,
		"waveletid": key.SubConversationID,
		"email":     key.ParticipantID,
		"auth":      token,
	}
	for k, v := range fields {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/wave/action/", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) settingsOf(t *testing.T, key keys.Identity) store.Settings {
	t.Helper()
	current, err := f.settings.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("settings for %s: %v", key.ParticipantID, err)
	}
	return current
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse error body %q: %v", rr.Body.String(), err)
	}
	code, _ := payload["code"].(string)
	return code
}
