package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"

	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/obs"
	"github.com/waveto/mr-ray-open/internal/permission"
	"github.com/waveto/mr-ray-open/internal/session"
	"github.com/waveto/mr-ray-open/internal/settings"
	"github.com/waveto/mr-ray-open/internal/store"
)

// Credentials identify the participant behind a request.
type Credentials struct {
	Key   keys.Identity
	Token string
}

type credentialFields struct {
	WaveID    string `json:"waveid"`
	WaveletID string `json:"waveletid"`
	Email     string `json:"email"`
	Auth      string `json:"auth"`
}

// CredentialsFrom reads the credentials from the query string, falling back
// field by field to the JSON body. An unreadable body contributes nothing.
func CredentialsFrom(r *http.Request, body []byte) Credentials {
	var fields credentialFields
	if len(body) > 0 {
		_ = json.Unmarshal(body, &fields)
	}
	query := r.URL.Query()
	pick := func(name, fallback string) string {
		if query.Has(name) {
			return query.Get(name)
		}
		if unescaped, err := url.PathUnescape(fallback); err == nil {
			return unescaped
		}
		return fallback
	}
	return Credentials{
		Key: keys.Identity{
			ConversationID:    pick("waveid", fields.WaveID),
			SubConversationID: pick("waveletid", fields.WaveletID),
			ParticipantID:     pick("email", fields.Email),
		},
		Token: pick("auth", fields.Auth),
	}
}

// Call carries one request through the pipeline. Each stage enriches it.
type Call struct {
	Credentials Credentials
	Body        []byte
	Identity    store.Identity
	Settings    store.Settings
	Outcome     Outcome
}

// Outcome is what the caller sees. Kind is empty on success.
type Outcome struct {
	Status      int
	Kind        Kind
	PageID      string
	ContentType string
	Body        []byte
}

// Stage either lets the call continue (nil) or ends it with an error.
type Stage func(ctx context.Context, call *Call) error

type Pipeline struct {
	sessions *session.Manager
	settings *settings.Mutator
}

func NewPipeline(sessions *session.Manager, mutator *settings.Mutator) *Pipeline {
	return &Pipeline{sessions: sessions, settings: mutator}
}

// Run executes stages in order. The first error stops the chain and is
// converted to a failure outcome; nothing escapes Run.
func (p *Pipeline) Run(ctx context.Context, mode Mode, call *Call, stages ...Stage) Outcome {
	for _, stage := range stages {
		if err := stage(ctx, call); err != nil {
			return intercept(ctx, mode, call, err)
		}
	}
	if call.Outcome.Status == 0 {
		call.Outcome.Status = http.StatusOK
	}
	return call.Outcome
}

func (p *Pipeline) Authenticate(ctx context.Context, call *Call) error {
	key := call.Credentials.Key
	if !key.Complete() || call.Credentials.Token == "" {
		log.Printf("authentication denied: incomplete credentials")
		return fail(AuthenticationDenied, "incomplete credentials")
	}
	identity, err := p.sessions.Authenticate(ctx, key, call.Credentials.Token)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrTokenMismatch) {
		log.Printf("authentication denied: participant=%s conversation=%s", key.ParticipantID, key.ConversationID)
		return &Failure{Kind: AuthenticationDenied, Err: err}
	}
	if err != nil {
		return err
	}
	call.Identity = identity
	return nil
}

// Authorize checks the authenticated participant's level against required.
func (p *Pipeline) Authorize(required permission.Level) Stage {
	return func(ctx context.Context, call *Call) error {
		current, err := p.settings.Get(ctx, call.Identity.Key)
		if errors.Is(err, settings.ErrNoSettings) || errors.Is(err, session.ErrNotFound) {
			log.Printf("authorization failed: no settings for %s", call.Identity.Key.ParticipantID)
			return &Failure{Kind: UnknownError, Err: err}
		}
		if err != nil {
			return err
		}
		call.Settings = current
		level := current.Permission
		if level.AuthorizedFor(required) {
			return nil
		}
		if level.IsDeleted() {
			log.Printf("user deleted: participant=%s", call.Identity.Key.ParticipantID)
			return fail(UserDeleted, "participant %s was removed", call.Identity.Key.ParticipantID)
		}
		log.Printf("inadequate permission: participant=%s has=%s needs=%s", call.Identity.Key.ParticipantID, level, required)
		return fail(InadequatePermission, "%s required", required)
	}
}

// Execute runs the business action and stores its outcome on the call.
func Execute(fn func(ctx context.Context, call *Call) (Outcome, error)) Stage {
	return func(ctx context.Context, call *Call) error {
		outcome, err := fn(ctx, call)
		if err != nil {
			return err
		}
		call.Outcome = outcome
		return nil
	}
}

func intercept(ctx context.Context, mode Mode, call *Call, err error) Outcome {
	kind := Classify(err)
	status, pageID := MapOutcome(kind, mode)
	switch kind {
	case AuthenticationDenied, InadequatePermission, UserDeleted:
		// already logged by the stage
	case UnknownError:
		log.Printf("request failed: request_id=%s participant=%s kind=%s err=%v", RequestID(ctx), call.Credentials.Key.ParticipantID, kind, err)
	default:
		log.Printf("request failed: request_id=%s kind=%s err=%v", RequestID(ctx), kind, err)
	}
	obs.Outcome(string(kind))
	return Outcome{Status: status, Kind: kind, PageID: pageID}
}
