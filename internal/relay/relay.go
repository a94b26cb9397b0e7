// Package relay streams one model generation for a conversation to a client and
// persists the resulting assistant turn.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"localchat/internal/llm"
	"localchat/internal/models"
	"localchat/internal/registry"

	log "github.com/sirupsen/logrus"
)

type State string

const (
	StateRequested  State = "REQUESTED"
	StateRegistered State = "REGISTERED"
	StateStreaming  State = "STREAMING"
	StateCompleted  State = "COMPLETED"
	StateCancelled  State = "CANCELLED"
	StateFailed     State = "FAILED"
)

type EventType string

const (
	EventStarted EventType = "started"
	EventContent EventType = "content"
	EventDone    EventType = "done"
	EventError   EventType = "error"
	EventBusy    EventType = "busy"
)

// Event is one message of the generation stream. Type is carried as the SSE event name.
type Event struct {
	Type    EventType `json:"-"`
	TurnID  int64     `json:"turn_id,omitempty"`
	Delta   string    `json:"delta,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Emitter forwards an event to the client. A returned error means the client is gone.
type Emitter func(Event) error

// Result summarizes one run.
type Result struct {
	TurnID  int64
	State   State
	Content string
	Err     error
}

type Store interface {
	ListTurns(ctx context.Context, conversationID int64) ([]*models.Message, error)
	AppendTurn(ctx context.Context, conversationID int64, role models.Role, content string, model string) (int64, error)
	UpdateTurnContent(ctx context.Context, turnID int64, content string) error
}

type Completer interface {
	StreamComplete(ctx context.Context, req llm.CompletionRequest) (*llm.Stream, error)
}

type Options struct {
	Temperature    float32
	MaxTokens      int
	PersistTimeout time.Duration
}

type Relay struct {
	store    Store
	client   Completer
	registry *registry.Registry
	opts     Options
}

const busyMessage = "a response is already being generated for this conversation"

func New(store Store, client Completer, reg *registry.Registry, opts Options) *Relay {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	return &Relay{store: store, client: client, registry: reg, opts: opts}
}

// run holds the mutable state of a single generation.
type run struct {
	emit        Emitter
	gone        bool
	contentSent bool
	acc         strings.Builder
}

func (r *run) send(ev Event) {
	if r.gone {
		return
	}
	if err := r.emit(ev); err != nil {
		r.gone = true
		return
	}
	if ev.Type == EventContent {
		r.contentSent = true
	}
}

// Run drives one generation to a terminal state. Ownership must be checked by the caller.
func (rl *Relay) Run(ctx context.Context, conversationID int64, modelID string, emit Emitter) Result {
	logger := log.WithFields(log.Fields{"conversation_id": conversationID, "model": modelID})
	st := &run{emit: emit}
	res := Result{State: StateRequested}

	history, err := rl.store.ListTurns(ctx, conversationID)
	if err != nil {
		logger.WithError(err).Error("failed to load conversation history")
		st.send(Event{Type: EventError, Message: "failed to load conversation"})
		res.State, res.Err = StateFailed, err
		return res
	}

	entry, err := rl.registry.Begin(conversationID)
	if err != nil {
		logger.Info("generation rejected, another one is active")
		st.send(Event{Type: EventBusy, Message: busyMessage})
		res.Err = err
		return res
	}
	res.State = StateRegistered
	started := time.Now()
	activeMetric.Set(float64(rl.registry.Len()))
	defer func() {
		rl.registry.End(conversationID)
		activeMetric.Set(float64(rl.registry.Len()))
		generationsMetric.WithLabelValues(string(res.State)).Inc()
		durationMetric.WithLabelValues(string(res.State)).Observe(time.Since(started).Seconds())
	}()

	turnID, err := rl.store.AppendTurn(ctx, conversationID, models.RoleAssistant, "", modelID)
	if err != nil {
		logger.WithError(err).Error("failed to create assistant turn")
		st.send(Event{Type: EventError, Message: "failed to save response"})
		res.State, res.Err = StateFailed, err
		return res
	}
	res.TurnID = turnID
	logger = logger.WithField("turn_id", turnID)
	st.send(Event{Type: EventStarted, TurnID: turnID})

	streamCtx, abort := context.WithCancel(ctx)
	defer abort()
	go func() {
		select {
		case <-entry.Done():
			abort()
		case <-streamCtx.Done():
		}
	}()

	res.State = StateStreaming
	state, failure := rl.stream(streamCtx, ctx, conversationID, modelID, history, st)
	res.State, res.Err = state, failure

	if state == StateFailed {
		if st.acc.Len() > 0 {
			st.acc.WriteString("\n")
		}
		st.acc.WriteString("[Error: " + failure.Error() + "]")
	}
	res.Content = st.acc.String()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rl.opts.PersistTimeout)
	defer cancel()
	persistErr := rl.store.UpdateTurnContent(persistCtx, turnID, res.Content)
	if persistErr != nil {
		logger.WithError(persistErr).Error("failed to persist assistant turn")
	}

	logger.WithFields(log.Fields{"state": state, "chars": len(res.Content)}).Info("generation finished")
	switch {
	case state == StateFailed:
		st.send(Event{Type: EventError, Message: failure.Error()})
	case persistErr != nil && !st.contentSent:
		res.Err = persistErr
		st.send(Event{Type: EventError, Message: "failed to save response"})
	default:
		st.send(Event{Type: EventDone})
	}
	return res
}

// stream pulls deltas until the upstream ends, the registry flag drops, the client
// goes away or an error occurs.
func (rl *Relay) stream(streamCtx, callerCtx context.Context, conversationID int64, modelID string, history []*models.Message, st *run) (State, error) {
	s, err := rl.client.StreamComplete(streamCtx, llm.CompletionRequest{
		Model:       modelID,
		Messages:    prompt(history),
		Temperature: rl.opts.Temperature,
		MaxTokens:   rl.opts.MaxTokens,
	})
	if err != nil {
		return rl.endState(callerCtx, conversationID, err)
	}
	defer func() {
		s.Close()
		if n := s.Skipped(); n > 0 {
			skippedFramesMetric.Add(float64(n))
		}
	}()

	for s.Next() {
		if !rl.registry.IsActive(conversationID) {
			return StateCancelled, nil
		}
		delta := s.Delta()
		st.acc.WriteString(delta)
		st.send(Event{Type: EventContent, Delta: delta})
		if st.gone {
			return StateCancelled, nil
		}
		deltasMetric.Inc()
	}
	if err := s.Err(); err != nil {
		return rl.endState(callerCtx, conversationID, err)
	}
	return StateCompleted, nil
}

// endState decides whether an upstream error is a failure or the result of a cancellation.
func (rl *Relay) endState(callerCtx context.Context, conversationID int64, err error) (State, error) {
	if !rl.registry.IsActive(conversationID) || callerCtx.Err() != nil {
		return StateCancelled, nil
	}
	if errors.Is(err, context.Canceled) {
		return StateCancelled, nil
	}
	return StateFailed, err
}

// prompt maps stored turns to completion messages, omitting empty assistant placeholders.
func prompt(history []*models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, turn := range history {
		if turn.Role == models.RoleAssistant && turn.Content == "" {
			continue
		}
		out = append(out, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return out
}
