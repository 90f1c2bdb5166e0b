package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/waveto/mr-ray-open/internal/permission"
	"github.com/waveto/mr-ray-open/internal/store"
)

func TestCredentialsFromQueryWinsPerField(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/wave/action/?email=query%40example.com&auth=query-token", nil)
	body := []byte(`{"waveid":"wave%21w%2Babc","waveletid":"wave!conv+root","email":"body@example.com","auth":"body-token"}`)

	creds := CredentialsFrom(req, body)

	if creds.Key.ConversationID != "wave!w+abc" {
		t.Fatalf("expected body conversation id unescaped, got %q", creds.Key.ConversationID)
	}
	if creds.Key.SubConversationID != "wave!conv+root" {
		t.Fatalf("expected plus signs kept, got %q", creds.Key.SubConversationID)
	}
	if creds.Key.ParticipantID != "query@example.com" || creds.Token != "query-token" {
		t.Fatalf("expected query values to win, got %+v", creds)
	}
}

func TestCredentialsFromEmptyQueryValueWins(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/wave/action/?auth=", nil)
	creds := CredentialsFrom(req, []byte(`{"auth":"body-token"}`))
	if creds.Token != "" {
		t.Fatalf("expected empty query token to win, got %q", creds.Token)
	}
}

func TestCredentialsFromIgnoresBadBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/wave/action/?waveid=w", nil)
	creds := CredentialsFrom(req, []byte("{oops"))
	if creds.Key.ConversationID != "w" || creds.Key.ParticipantID != "" || creds.Token != "" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}

func TestPipelineStopsAtFirstFailure(t *testing.T) {
	var ran []string
	stage := func(name string, err error) Stage {
		return func(context.Context, *Call) error {
			ran = append(ran, name)
			return err
		}
	}
	p := &Pipeline{}

	outcome := p.Run(context.Background(), ModePage, &Call{},
		stage("authenticate", nil),
		stage("authorize", fail(InadequatePermission, "nope")),
		stage("execute", nil),
	)

	if len(ran) != 2 || ran[1] != "authorize" {
		t.Fatalf("expected the chain to stop at authorize, ran %v", ran)
	}
	if outcome.Status != http.StatusUnauthorized || outcome.Kind != InadequatePermission || outcome.PageID != "e0006" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestPipelineInterceptsUnclassifiedErrors(t *testing.T) {
	p := &Pipeline{}
	outcome := p.Run(context.Background(), ModeResponse, &Call{},
		Execute(func(context.Context, *Call) (Outcome, error) {
			return Outcome{}, errors.New("surprise")
		}),
	)
	if outcome.Status != http.StatusInternalServerError || outcome.Kind != UnknownError || outcome.PageID != "" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestPipelineSuccessDefaultsToOK(t *testing.T) {
	p := &Pipeline{}
	outcome := p.Run(context.Background(), ModeResponse, &Call{},
		Execute(func(context.Context, *Call) (Outcome, error) {
			return Outcome{Body: []byte("x")}, nil
		}),
	)
	if outcome.Status != http.StatusOK || outcome.Kind != "" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestAuthorizeOutcomes(t *testing.T) {
	cases := []struct {
		name     string
		level    permission.Level
		required permission.Level
		want     Kind
	}{
		{"writer writes", permission.ReadWrite, permission.ReadWrite, ""},
		{"reader reads", permission.Read, permission.Read, ""},
		{"reader cannot write", permission.Read, permission.ReadWrite, InadequatePermission},
		{"deleted cannot read", permission.Deleted, permission.Read, UserDeleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.invite(t, avery, tc.level)
			p := NewPipeline(f.sessions, f.settings)
			call := &Call{Identity: store.Identity{Key: avery}}

			err := p.Authorize(tc.required)(context.Background(), call)
			if got := Classify(err); got != tc.want {
				t.Fatalf("Authorize() kind = %q, want %q (err %v)", got, tc.want, err)
			}
		})
	}
}

func TestAuthorizeWithoutSettingsIsUnknown(t *testing.T) {
	f := newFixture(t)
	if err := f.store.PutIdentity(context.Background(), store.Identity{Key: avery, AuthToken: "tok", Version: store.CurrentIdentityVersion}); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	p := NewPipeline(f.sessions, f.settings)

	outcome := p.Run(context.Background(), ModeResponse, &Call{Credentials: Credentials{Key: avery, Token: "tok"}},
		p.Authenticate, p.Authorize(permission.Read))

	if outcome.Kind != UnknownError || outcome.Status != http.StatusInternalServerError {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}
