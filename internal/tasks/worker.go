package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/waveto/mr-ray-open/internal/conversation"
	"github.com/waveto/mr-ray-open/internal/email"
	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/obs"
	"github.com/waveto/mr-ray-open/internal/store"
)

type Mailer interface {
	SendInvitation(inv email.Invitation) error
	SendUpdate(update email.Update) error
}

type ProfileSource interface {
	Get(ctx context.Context, conversation keys.Conversation) (store.ConversationMeta, error)
}

type Handlers struct {
	mailer   Mailer
	profiles ProfileSource
}

func NewHandlers(mailer Mailer, profiles ProfileSource) *Handlers {
	return &Handlers{mailer: mailer, profiles: profiles}
}

func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeUpdate, h.HandleUpdate)
	mux.HandleFunc(TypeInvitation, h.HandleInvitation)
}

func (h *Handlers) HandleUpdate(ctx context.Context, task *asynq.Task) error {
	var payload UpdatePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		obs.TaskProcessed(TypeUpdate, "bad_payload")
		return fmt.Errorf("decode update payload: %v: %w", err, asynq.SkipRetry)
	}
	name := payload.ModifierName
	if name == "" {
		name = h.displayName(ctx, payload.Recipient.Conversation(), payload.Modifier)
	}
	err := h.mailer.SendUpdate(email.Update{
		To:           payload.Recipient.ParticipantID,
		Title:        payload.Title,
		Modifier:     payload.Modifier,
		ModifierName: name,
		URL:          payload.URL,
	})
	return h.finish(TypeUpdate, err)
}

func (h *Handlers) HandleInvitation(ctx context.Context, task *asynq.Task) error {
	var payload InvitationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		obs.TaskProcessed(TypeInvitation, "bad_payload")
		return fmt.Errorf("decode invitation payload: %v: %w", err, asynq.SkipRetry)
	}
	err := h.mailer.SendInvitation(email.Invitation{
		To:          payload.Recipient.ParticipantID,
		Title:       payload.Title,
		Inviter:     payload.Inviter,
		InviterName: h.displayName(ctx, payload.Recipient.Conversation(), payload.Inviter),
		Message:     payload.Message,
		URL:         payload.URL,
	})
	return h.finish(TypeInvitation, err)
}

func (h *Handlers) finish(taskType string, err error) error {
	switch {
	case err == nil:
		obs.TaskProcessed(taskType, "ok")
		return nil
	case errors.Is(err, email.ErrNotConfigured):
		obs.TaskProcessed(taskType, "skipped")
		log.Printf("dropping %s task: %v", taskType, err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		obs.TaskProcessed(taskType, "error")
		return err
	}
}

// displayName falls back to the participant id when no profile is stored.
func (h *Handlers) displayName(ctx context.Context, conv keys.Conversation, participant string) string {
	if h.profiles == nil {
		return participant
	}
	meta, err := h.profiles.Get(ctx, conv)
	if err != nil {
		if !errors.Is(err, conversation.ErrNotWatched) {
			log.Printf("profile lookup failed: %v", err)
		}
		return participant
	}
	if profile, ok := meta.ParticipantProfiles[participant]; ok && profile.Name != "" {
		return profile.Name
	}
	return participant
}

type ServerConfig struct {
	Concurrency int
}

// NewServer builds the asynq server that consumes notification tasks.
func NewServer(redis asynq.RedisConnOpt, cfg ServerConfig) *asynq.Server {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return asynq.NewServer(redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{QueueNotifications: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			log.Printf("task failed: type=%s err=%v", task.Type(), err)
		}),
	})
}
