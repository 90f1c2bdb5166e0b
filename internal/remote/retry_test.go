package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/waveto/mr-ray-open/internal/keys"
)

var conv = keys.Conversation{ID: "wave!w+abc", SubID: "wave!conv+root"}

type fakeService struct {
	fetchFn  func(ctx context.Context, conversation keys.Conversation) (Document, error)
	submitFn func(ctx context.Context, doc Document) (SubmitResult, error)
	fetches  int
	submits  int
}

func (f *fakeService) Fetch(ctx context.Context, conversation keys.Conversation) (Document, error) {
	f.fetches++
	return f.fetchFn(ctx, conversation)
}

func (f *fakeService) Submit(ctx context.Context, doc Document) (SubmitResult, error) {
	f.submits++
	return f.submitFn(ctx, doc)
}

func TestFetchSucceedsOnThirdAttempt(t *testing.T) {
	svc := &fakeService{}
	svc.fetchFn = func(context.Context, keys.Conversation) (Document, error) {
		if svc.fetches < 3 {
			return Document{}, errors.New("connection reset")
		}
		return Document{Title: "hello"}, nil
	}
	client := NewRetryingClient(svc, Options{})

	doc, err := client.FetchDocument(context.Background(), conv, 3)
	if err != nil {
		t.Fatalf("FetchDocument() error = %v", err)
	}
	if doc.Title != "hello" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if svc.fetches != 3 {
		t.Fatalf("expected 3 attempts, got %d", svc.fetches)
	}
}

func TestFetchNotParticipantStopsImmediately(t *testing.T) {
	svc := &fakeService{}
	svc.fetchFn = func(context.Context, keys.Conversation) (Document, error) {
		return Document{}, errors.New("avery@example.com is not a participant of wave id wave!w+abc")
	}
	client := NewRetryingClient(svc, Options{})

	_, err := client.FetchDocument(context.Background(), conv, 3)
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if errors.Is(err, ErrTransient) {
		t.Fatal("not-participant error also classified as transient")
	}
	if svc.fetches != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", svc.fetches)
	}
}

func TestFetchExhaustsBudget(t *testing.T) {
	cause := errors.New("upstream timeout")
	svc := &fakeService{}
	svc.fetchFn = func(context.Context, keys.Conversation) (Document, error) {
		return Document{}, cause
	}
	client := NewRetryingClient(svc, Options{})

	_, err := client.FetchDocument(context.Background(), conv, client.LossyRetries())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected last failure wrapped, got %v", err)
	}
	var transient *TransientError
	if !errors.As(err, &transient) || transient.Attempts != DefaultLossyRetries {
		t.Fatalf("unexpected transient error: %#v", err)
	}
	if svc.fetches != DefaultLossyRetries {
		t.Fatalf("expected %d attempts, got %d", DefaultLossyRetries, svc.fetches)
	}
}

func TestSubmitServerErrorIsNotParticipant(t *testing.T) {
	svc := &fakeService{}
	svc.submitFn = func(context.Context, Document) (SubmitResult, error) {
		return SubmitResult{}, &RPCError{StatusCode: 500, Code: 500, Message: "internal"}
	}
	client := NewRetryingClient(svc, Options{})

	_, err := client.SubmitDocument(context.Background(), Document{}, client.ImportantRetries())
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if svc.submits != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", svc.submits)
	}
}

func TestFetchServerErrorIsRetried(t *testing.T) {
	svc := &fakeService{}
	svc.fetchFn = func(context.Context, keys.Conversation) (Document, error) {
		return Document{}, &RPCError{StatusCode: 500, Code: 500, Message: "internal"}
	}
	client := NewRetryingClient(svc, Options{})

	_, err := client.FetchDocument(context.Background(), conv, 4)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if svc.fetches != 4 {
		t.Fatalf("expected 4 attempts, got %d", svc.fetches)
	}
}

func TestZeroRetriesStillAttemptsOnce(t *testing.T) {
	svc := &fakeService{}
	svc.fetchFn = func(context.Context, keys.Conversation) (Document, error) { return Document{}, nil }
	client := NewRetryingClient(svc, Options{})

	if _, err := client.FetchDocument(context.Background(), conv, 0); err != nil {
		t.Fatalf("FetchDocument() error = %v", err)
	}
	if svc.fetches != 1 {
		t.Fatalf("expected 1 attempt, got %d", svc.fetches)
	}
}

func TestBackoffHonoursContext(t *testing.T) {
	svc := &fakeService{}
	svc.fetchFn = func(context.Context, keys.Conversation) (Document, error) {
		return Document{}, errors.New("flaky")
	}
	client := NewRetryingClient(svc, Options{Backoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.FetchDocument(ctx, conv, 3)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if svc.fetches != 1 {
		t.Fatalf("expected 1 attempt before the deadline, got %d", svc.fetches)
	}
}

func TestBackoffDoubles(t *testing.T) {
	client := NewRetryingClient(&fakeService{}, Options{Backoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond})
	cases := map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 300 * time.Millisecond, 6: 300 * time.Millisecond}
	for retry, want := range cases {
		if got := client.delay(retry); got != want {
			t.Fatalf("delay(%d) = %v, want %v", retry, got, want)
		}
	}
	if got := NewRetryingClient(&fakeService{}, Options{}).delay(3); got != 0 {
		t.Fatalf("expected no delay without backoff, got %v", got)
	}
}

func TestFetchAttemptTimeoutsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	svc := NewHTTPService(srv.URL, "", &http.Client{Timeout: 20 * time.Millisecond})
	client := NewRetryingClient(svc, Options{})

	_, err := client.FetchDocument(context.Background(), conv, 3)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	var transient *TransientError
	if !errors.As(err, &transient) || transient.Attempts != 3 {
		t.Fatalf("unexpected error: %#v", err)
	}
}
