package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPServiceFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Method != "robot.fetchWave" || req.ID == "" {
			t.Errorf("unexpected request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"id":"1","data":{"title":"Hello","rootBlipId":"b+root","participants":["avery@example.com"],"blips":{"b+root":{"blipId":"b+root","creator":"avery@example.com","content":"hi"}}}}`))
	}))
	defer server.Close()

	svc := NewHTTPService(server.URL, "secret", server.Client())
	doc, err := svc.Fetch(context.Background(), conv)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if doc.Title != "Hello" || doc.Conversation != conv || doc.Items["b+root"].Content != "hi" {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestHTTPServiceRPCErrorCarriesMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"1","error":{"code":-32000,"message":"avery@example.com is not a participant of wave id wave!w+abc"}}`))
	}))
	defer server.Close()

	client := NewRetryingClient(NewHTTPService(server.URL, "", server.Client()), Options{})
	_, err := client.FetchDocument(context.Background(), conv, 3)
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestHTTPServiceServerErrorFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := NewHTTPService(server.URL, "", server.Client())
	_, err := svc.Submit(context.Background(), Document{})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected RPCError 500, got %v", err)
	}
	if !isSubmitRefused(err) {
		t.Fatalf("expected server error to be classified as refused: %v", err)
	}
}

func TestDocumentReplyFallsBackToRoot(t *testing.T) {
	doc := Document{
		RootItemID: "b+root",
		Items: map[string]Item{
			"b+root": {ID: "b+root", Children: []string{"b+1", "b+2"}},
			"b+1":    {ID: "b+1", Creator: "robot@appspot.com"},
			"b+2":    {ID: "b+2", Creator: "blake@example.com"},
		},
		Roles: map[string]string{"reader@example.com": RoleReadOnly},
	}
	doc.Reply("b+missing", "avery@example.com", "hello")
	if len(doc.Operations) != 1 || doc.Operations[0].ParentID != "b+root" {
		t.Fatalf("unexpected operations: %+v", doc.Operations)
	}
	if ids := doc.ChildrenCreatedBy("b+root", "robot@appspot.com"); len(ids) != 1 || ids[0] != "b+1" {
		t.Fatalf("unexpected children: %v", ids)
	}
	if !doc.IsReadOnly("reader@example.com") || doc.IsReadOnly("blake@example.com") {
		t.Fatal("unexpected read-only classification")
	}
}
