// Package chat exposes the conversation operations available to an authenticated user.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"localchat/internal/llm"
	"localchat/internal/models"
	"localchat/internal/registry"
	"localchat/internal/relay"
	"localchat/internal/storage"
	"localchat/internal/title"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrForbidden is returned when the conversation belongs to another user.
	ErrForbidden = errors.New("conversation belongs to another user")
	// ErrInvalidInput is returned for empty messages or labels.
	ErrInvalidInput = errors.New("invalid input")
)

type ModelLister interface {
	ListModels(ctx context.Context) []llm.Model
}

type Service struct {
	store    *storage.Store
	relay    *relay.Relay
	registry *registry.Registry
	titles   *title.Synthesizer
	models   ModelLister
}

func NewService(store *storage.Store, rl *relay.Relay, reg *registry.Registry, titles *title.Synthesizer, lister ModelLister) *Service {
	return &Service{store: store, relay: rl, registry: reg, titles: titles, models: lister}
}

// owned loads the conversation and checks it belongs to ownerID.
func (s *Service) owned(ctx context.Context, ownerID, conversationID int64) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != ownerID {
		return nil, ErrForbidden
	}
	return conv, nil
}

// SubmitUserTurn stores a user message. On the first turn of a conversation it also
// derives a label and returns it.
func (s *Service) SubmitUserTurn(ctx context.Context, ownerID, conversationID int64, content, modelID string) (int64, *string, error) {
	if strings.TrimSpace(content) == "" {
		return 0, nil, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	if _, err := s.owned(ctx, ownerID, conversationID); err != nil {
		return 0, nil, err
	}
	turnID, err := s.store.AppendTurn(ctx, conversationID, models.RoleUser, content, "")
	if err != nil {
		return 0, nil, err
	}
	earlier, err := s.store.TurnsBefore(ctx, conversationID, turnID)
	if err != nil {
		return 0, nil, err
	}
	if earlier > 0 {
		return turnID, nil, nil
	}

	label := title.Clamp(s.titles.Synthesize(ctx, content, modelID))
	if err := s.store.SetConversationLabel(ctx, conversationID, label); err != nil {
		log.WithError(err).WithField("conversation_id", conversationID).Warn("failed to store conversation label")
		return turnID, nil, nil
	}
	return turnID, &label, nil
}

// StartGeneration runs one generation, forwarding its events to emit.
func (s *Service) StartGeneration(ctx context.Context, ownerID, conversationID int64, modelID string, emit relay.Emitter) (relay.Result, error) {
	if _, err := s.owned(ctx, ownerID, conversationID); err != nil {
		return relay.Result{}, err
	}
	return s.relay.Run(ctx, conversationID, modelID, emit), nil
}

// RequestCancellation asks a running generation to stop. Succeeds whether or not one is running.
func (s *Service) RequestCancellation(ctx context.Context, ownerID, conversationID int64) error {
	if _, err := s.owned(ctx, ownerID, conversationID); err != nil {
		return err
	}
	s.registry.Cancel(conversationID)
	return nil
}

func (s *Service) ListAvailableModels(ctx context.Context) []llm.Model {
	return s.models.ListModels(ctx)
}

// OpenLatest returns the user's most recent conversation, creating one when there is none.
func (s *Service) OpenLatest(ctx context.Context, ownerID int64) (*models.Conversation, error) {
	conv, err := s.store.LatestConversation(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.store.CreateConversation(ctx, ownerID, "")
	}
	return conv, err
}

func (s *Service) CreateConversation(ctx context.Context, ownerID int64) (*models.Conversation, error) {
	return s.store.CreateConversation(ctx, ownerID, "")
}

func (s *Service) ListConversations(ctx context.Context, ownerID int64) ([]models.Conversation, error) {
	return s.store.ListConversations(ctx, ownerID)
}

// GetConversation returns the conversation with its ordered turns.
func (s *Service) GetConversation(ctx context.Context, ownerID, conversationID int64) (*models.Conversation, []*models.Message, error) {
	conv, err := s.owned(ctx, ownerID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	turns, err := s.store.ListTurns(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, turns, nil
}

// RenameConversation sets a user supplied label, clamped like synthesized ones.
func (s *Service) RenameConversation(ctx context.Context, ownerID, conversationID int64, label string) (*models.Conversation, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, fmt.Errorf("%w: label is empty", ErrInvalidInput)
	}
	conv, err := s.owned(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}
	conv.Label = title.Clamp(label)
	if err := s.store.SetConversationLabel(ctx, conversationID, conv.Label); err != nil {
		return nil, err
	}
	return conv, nil
}

// DeleteConversation stops any running generation and removes the conversation.
func (s *Service) DeleteConversation(ctx context.Context, ownerID, conversationID int64) error {
	if _, err := s.owned(ctx, ownerID, conversationID); err != nil {
		return err
	}
	s.registry.Cancel(conversationID)
	return s.store.DeleteConversation(ctx, conversationID)
}
