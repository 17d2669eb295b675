package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/satriahrh/professor-bot/domain"
	"github.com/satriahrh/professor-bot/utils/log"
	"go.uber.org/zap"
)

type State int

const (
	// StateIdle means the last turn belongs to the assistant.
	StateIdle State = iota
	// StateAwaitingResponse means the last turn belongs to the user.
	StateAwaitingResponse
)

func (s State) String() string {
	if s == StateAwaitingResponse {
		return "awaiting_response"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "awaiting_response":
		*s = StateAwaitingResponse
	default:
		return fmt.Errorf("unknown state %q", text)
	}
	return nil
}

// SessionConfig is everything a session needs besides its transcript.
type SessionConfig struct {
	ID         string
	Persona    domain.Persona
	Policy     domain.PromptPolicy
	Model      string
	Credential string
	Shape      domain.CredentialShape
	Defaults   domain.GenerationConfig
	Timeout    time.Duration
	Llm        domain.Llm
	Broker     domain.MessageBroker
	Renderer   domain.Renderer
}

// Session is one user's conversation. It owns its transcript and
// credential; nothing in it is shared with other sessions.
type Session struct {
	cfg SessionConfig

	mu         sync.Mutex
	transcript *domain.Transcript
	inflight   *generation
	lastActive time.Time
}

// generation is the single inference call a session may have open.
type generation struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Policy == "" {
		cfg.Policy = cfg.Persona.Policy
	}
	return &Session{
		cfg:        cfg,
		transcript: domain.NewTranscript(cfg.Persona.Greeting),
		lastActive: time.Now(),
	}
}

func (s *Session) ID() string                  { return s.cfg.ID }
func (s *Session) Persona() domain.Persona     { return s.cfg.Persona }
func (s *Session) Policy() domain.PromptPolicy { return s.cfg.Policy }
func (s *Session) Model() string               { return s.cfg.Model }

// Defaults returns the generation config used when a request overrides nothing.
func (s *Session) Defaults() domain.GenerationConfig { return s.cfg.Defaults }

// Context annotates ctx with the session's log fields.
func (s *Session) Context(ctx context.Context) context.Context {
	return log.WithSession(ctx, s.cfg.ID, s.cfg.Persona.Name)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stateOf(s.transcript)
}

func stateOf(t *domain.Transcript) State {
	if t.NeedsResponse() {
		return StateAwaitingResponse
	}
	return StateIdle
}

// Transcript returns a snapshot of the turns.
func (s *Session) Transcript() []domain.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Turns()
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Ready reports whether the session has a usable credential.
func (s *Session) Ready() error {
	return s.cfg.Shape.Check(s.cfg.Credential)
}

// Clear replaces the transcript with a fresh greeting, whatever the state.
// A generation still running is canceled, and Clear returns once its
// stream is closed.
func (s *Session) Clear(ctx context.Context) []domain.ChatTurn {
	s.mu.Lock()
	s.transcript = domain.NewTranscript(s.cfg.Persona.Greeting)
	s.lastActive = time.Now()
	turns := s.transcript.Turns()
	gen := s.inflight
	s.publish(ctx, domain.SessionEvent{Type: domain.EventCleared, Turns: turns})
	s.mu.Unlock()

	if gen != nil {
		gen.cancel()
		<-gen.done
	}
	log.WithCtx(s.Context(ctx)).Info("Transcript cleared", zap.Bool("canceled_generation", gen != nil))
	return turns
}

// Submit appends input as a user turn, generates the assistant reply and
// commits it. onUpdate, which may be nil, sees the reply grow fragment by
// fragment. On failure no turn is left behind.
func (s *Session) Submit(ctx context.Context, input string, cfg domain.GenerationConfig, onUpdate func(string)) (domain.ChatTurn, error) {
	ctx = s.Context(ctx)
	logger := log.WithCtx(ctx)

	if strings.TrimSpace(input) == "" {
		return domain.ChatTurn{}, domain.ErrEmptyInput
	}
	if err := s.Ready(); err != nil {
		return domain.ChatTurn{}, err
	}
	if err := cfg.Validate(); err != nil {
		return domain.ChatTurn{}, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}

	s.mu.Lock()
	// inflight outlives the pending turn while a cleared generation shuts down.
	if stateOf(s.transcript) != StateIdle || s.inflight != nil {
		s.mu.Unlock()
		return domain.ChatTurn{}, domain.ErrBusy
	}
	transcript := s.transcript
	prompt := BuildPrompt(s.cfg.Policy, s.cfg.Persona, transcript.Turns(), input)
	userTurn := domain.ChatTurn{Role: domain.UserRole, Content: input}
	transcript.Append(userTurn)
	s.lastActive = time.Now()

	genCtx, cancel := context.WithCancel(ctx)
	gen := &generation{cancel: cancel, done: make(chan struct{})}
	s.inflight = gen
	s.publish(ctx, domain.SessionEvent{Type: domain.EventTurn, Turn: &userTurn})
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		if s.inflight == gen {
			s.inflight = nil
		}
		s.mu.Unlock()
		close(gen.done)
	}()

	started := time.Now()
	logger.Debug("Generating response",
		zap.String("policy", string(s.cfg.Policy)),
		zap.String("model", s.cfg.Model),
		zap.Int("prompt_size", len(prompt)))

	reply, err := s.generate(genCtx, transcript, prompt, cfg, onUpdate)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript != transcript {
		logger.Info("Discarding reply for cleared transcript", zap.Error(err))
		return domain.ChatTurn{}, domain.ErrCleared
	}

	if err != nil {
		transcript.DropPending()
		logger.Warn("Generation failed", zap.Error(err), zap.Duration("elapsed", time.Since(started)))
		s.publish(ctx, domain.SessionEvent{Type: domain.EventFailed, Error: err.Error()})
		return domain.ChatTurn{}, err
	}

	assistantTurn := domain.ChatTurn{Role: domain.AssistantRole, Content: reply}
	transcript.Append(assistantTurn)
	s.lastActive = time.Now()

	logger.Info("Response committed",
		zap.Int("length", len(reply)),
		zap.Duration("elapsed", time.Since(started)))
	s.publish(ctx, domain.SessionEvent{
		Type: domain.EventCommitted,
		Turn: &assistantTurn,
		HTML: s.render(ctx, reply),
	})
	return assistantTurn, nil
}

func (s *Session) generate(ctx context.Context, transcript *domain.Transcript, prompt string, cfg domain.GenerationConfig, onUpdate func(string)) (string, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	stream, err := s.cfg.Llm.Stream(ctx, domain.InferenceRequest{
		Model:  s.cfg.Model,
		Prompt: prompt,
		Config: cfg,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}

	acc := &Accumulator{OnUpdate: func(text string) {
		s.mu.Lock()
		current := s.transcript == transcript
		if current {
			s.publish(ctx, domain.SessionEvent{Type: domain.EventFragment, Text: text})
		}
		s.mu.Unlock()

		if current && onUpdate != nil {
			onUpdate(text)
		}
	}}
	reply, err := acc.Consume(ctx, stream)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	return reply, nil
}

func (s *Session) render(ctx context.Context, markdown string) string {
	if s.cfg.Renderer == nil {
		return ""
	}
	html, err := s.cfg.Renderer.Render(markdown)
	if err != nil {
		log.WithCtx(ctx).Warn("Failed to render reply", zap.Error(err))
		return ""
	}
	return html
}

// publish is called with s.mu held so renderers see events in transcript
// order. Broker delivery never blocks.
func (s *Session) publish(ctx context.Context, event domain.SessionEvent) {
	if s.cfg.Broker == nil {
		return
	}
	event.SessionID = s.cfg.ID
	event.Timestamp = time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.WithCtx(ctx).Error("Failed to marshal session event", zap.Error(err))
		return
	}
	if err := s.cfg.Broker.Publish(context.WithoutCancel(ctx), domain.SessionEventsTopic, s.cfg.ID, payload); err != nil {
		log.WithCtx(ctx).Debug("Session event not delivered", zap.String("type", string(event.Type)), zap.Error(err))
	}
}
