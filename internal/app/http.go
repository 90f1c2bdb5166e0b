package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/waveto/mr-ray-open/internal/auth"
	"github.com/waveto/mr-ray-open/internal/obs"
	"github.com/waveto/mr-ray-open/internal/permission"
	"github.com/waveto/mr-ray-open/internal/session"
	"github.com/waveto/mr-ray-open/internal/settings"
	"github.com/waveto/mr-ray-open/internal/util"
)

const maxBodyBytes = 1 << 20

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ServerOptions struct {
	// BaseURL is the public root of the service, used for page assets.
	BaseURL            string
	RobotSecret        []byte
	RateLimitPerSecond int
	RateLimitBurst     int
	RequestTimeout     time.Duration
	// Checks are pinged by /api/ready, keyed by the name reported.
	Checks map[string]Pinger
}

type HTTPServer struct {
	service  *Service
	pipeline *Pipeline
	opts     ServerOptions
	limiter  *ipLimiter
}

func NewHTTPServer(service *Service, opts ServerOptions) *HTTPServer {
	if opts.RateLimitPerSecond <= 0 {
		opts.RateLimitPerSecond = 20
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = opts.RateLimitPerSecond * 2
	}
	if opts.BaseURL != "" && !strings.HasSuffix(opts.BaseURL, "/") {
		opts.BaseURL += "/"
	}
	return &HTTPServer{
		service:  service,
		pipeline: NewPipeline(service.sessions, service.settings),
		opts:     opts,
		limiter:  newIPLimiter(opts.RateLimitPerSecond, opts.RateLimitBurst),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return obs.Instrument(s.withMiddleware(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		obs.Handler().ServeHTTP(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/wave") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	s.limiter.middleware(http.HandlerFunc(s.handleWave)).ServeHTTP(w, r)
}

func (s *HTTPServer) handleWave(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodGet && path == "/wave":
		s.handleRender(w, r)
	case r.Method == http.MethodPost && path == "/wave/action":
		s.handleAction(w, r)
	case r.Method == http.MethodPost && path == "/wave/events":
		s.handleEvents(w, r)
	case r.Method == http.MethodPost && path == "/wave/participants":
		s.handleParticipants(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}

	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.opts.Checks[name].Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleRender(w http.ResponseWriter, r *http.Request) {
	call := &Call{Credentials: CredentialsFrom(r, nil)}
	outcome := s.pipeline.Run(r.Context(), ModePage, call,
		s.pipeline.Authenticate,
		s.pipeline.Authorize(permission.Read),
		Execute(func(ctx context.Context, call *Call) (Outcome, error) {
			view, err := s.service.Render(ctx, call)
			if err != nil {
				return Outcome{}, err
			}
			page, err := s.renderConversation(view)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Status: http.StatusOK, ContentType: "text/html; charset=utf-8", Body: page}, nil
		}),
	)
	s.writeOutcome(w, ModePage, outcome)
}

func (s *HTTPServer) handleAction(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeOutcome(w, ModeResponse, intercept(r.Context(), ModeResponse, &Call{}, &Failure{Kind: DecodingError, Err: err}))
		return
	}
	call := &Call{Credentials: CredentialsFrom(r, body), Body: body}
	outcome := s.pipeline.Run(r.Context(), ModeResponse, call, s.pipeline.Authenticate, s.dispatchAction)
	s.writeOutcome(w, ModeResponse, outcome)
}

// dispatchAction decodes the requested action, then authorizes it at the
// level that action needs before running it.
func (s *HTTPServer) dispatchAction(ctx context.Context, call *Call) error {
	var in ActionInput
	if err := json.Unmarshal(call.Body, &in); err != nil {
		return &Failure{Kind: DecodingError, Err: err}
	}

	var (
		required permission.Level
		run      func(ctx context.Context, call *Call) (Outcome, error)
	)
	switch in.Action {
	case ActionReply:
		required = permission.ReadWrite
		run = func(ctx context.Context, call *Call) (Outcome, error) { return s.service.Reply(ctx, call, in) }
	case ActionRead:
		required = permission.ReadWrite
		run = func(ctx context.Context, call *Call) (Outcome, error) { return s.service.Read(ctx, call, in) }
	case ActionRefresh:
		required = permission.Read
		run = s.service.Refresh
	default:
		required = permission.Read
		run = func(context.Context, *Call) (Outcome, error) {
			log.Printf("unknown action %q requested", in.Action)
			return Outcome{}, fail(MalformedRequest, "unknown action %q", in.Action)
		}
	}
	if err := s.pipeline.Authorize(required)(ctx, call); err != nil {
		return err
	}
	return Execute(run)(ctx, call)
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}
	var event ChangeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, string(DecodingError), DecodingError.message(), nil)
		return
	}
	if event.Conversation.ID == "" || event.Conversation.SubID == "" {
		writeError(w, http.StatusBadRequest, string(MalformedRequest), "conversation is required", nil)
		return
	}
	if err := s.service.DocumentChanged(r.Context(), event); err != nil {
		status, code, message := mapError(err)
		log.Printf("document change failed: %v", err)
		writeError(w, status, code, message, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleParticipants(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}
	var change ParticipantChange
	if err := json.Unmarshal(body, &change); err != nil {
		writeError(w, http.StatusBadRequest, string(DecodingError), DecodingError.message(), nil)
		return
	}
	if change.Conversation.ID == "" || change.Conversation.SubID == "" {
		writeError(w, http.StatusBadRequest, string(MalformedRequest), "conversation is required", nil)
		return
	}
	link, err := s.service.ChangeParticipants(r.Context(), change)
	if err != nil {
		status, code, message := mapError(err)
		log.Printf("participant %s failed: %v", change.Op, err)
		writeError(w, status, code, message, nil)
		return
	}
	response := map[string]any{"ok": true}
	if link != "" {
		response["url"] = link
	}
	writeJSON(w, http.StatusOK, response)
}

// readSignedBody reads a robot callback and checks its signature.
func (s *HTTPServer) readSignedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(DecodingError), DecodingError.message(), nil)
		return nil, false
	}
	if err := auth.VerifySignature(s.opts.RobotSecret, body, r.Header.Get(auth.SignatureHeader)); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return nil, false
	}
	return body, true
}

func (s *HTTPServer) writeOutcome(w http.ResponseWriter, mode Mode, outcome Outcome) {
	if outcome.Kind != "" {
		if mode == ModePage {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(outcome.Status)
			_, _ = w.Write(s.renderError(outcome.Kind, outcome.PageID))
			return
		}
		writeError(w, outcome.Status, string(outcome.Kind), outcome.Kind.message(), nil)
		return
	}
	if outcome.ContentType != "" {
		w.Header().Set("Content-Type", outcome.ContentType)
	}
	w.WriteHeader(outcome.Status)
	if len(outcome.Body) > 0 {
		_, _ = w.Write(outcome.Body)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		if s.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
			defer cancel()
		}
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carrying ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func mapError(err error) (status int, code, message string) {
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, settings.ErrNoSettings) {
		return http.StatusNotFound, "NOT_FOUND", "Participant not found"
	}
	kind := Classify(err)
	status, _ = MapOutcome(kind, ModeResponse)
	return status, string(kind), kind.message()
}
