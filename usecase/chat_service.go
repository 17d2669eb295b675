package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/professor-bot/domain"
	"github.com/satriahrh/professor-bot/utils/log"
)

// ChatServiceConfig holds the deployment-wide settings every new session
// starts from.
type ChatServiceConfig struct {
	// Provider scopes the model catalog and model validation.
	Provider string
	Persona  string
	Policy   domain.PromptPolicy
	Model    string
	Defaults domain.GenerationConfig
	Timeout  time.Duration
	Shape    domain.CredentialShape
	// Credential is used when a session does not bring its own token.
	Credential string
}

type ChatService struct {
	cfg      ChatServiceConfig
	newLlm   domain.LlmFactory
	broker   domain.MessageBroker
	hasher   domain.Hasher
	renderer domain.Renderer

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewChatService(cfg ChatServiceConfig, newLlm domain.LlmFactory, broker domain.MessageBroker, hasher domain.Hasher, renderer domain.Renderer) *ChatService {
	if cfg.Persona == "" {
		cfg.Persona = domain.ProfessorBot.Name
	}
	if cfg.Provider == "" {
		cfg.Provider = domain.ProviderReplicate
	}
	if cfg.Model == "" {
		cfg.Model = domain.DefaultModel
		if catalog := domain.ModelsFor(cfg.Provider); len(catalog) > 0 && cfg.Provider != domain.ProviderReplicate {
			cfg.Model = catalog[0].Name
		}
	}
	return &ChatService{
		cfg:      cfg,
		newLlm:   newLlm,
		broker:   broker,
		hasher:   hasher,
		renderer: renderer,
		sessions: make(map[string]*Session),
	}
}

// StartOptions are the per-session choices made in the browser.
type StartOptions struct {
	Credential string              `json:"credential"`
	Persona    string              `json:"persona,omitempty"`
	Policy     domain.PromptPolicy `json:"policy,omitempty"`
	Model      string              `json:"model,omitempty"`
}

// Models returns the catalog entries this deployment's provider can serve.
func (s *ChatService) Models() []domain.Model {
	return domain.ModelsFor(s.cfg.Provider)
}

// HasServerCredential reports whether sessions may start without a token.
func (s *ChatService) HasServerCredential() bool {
	return s.cfg.Credential != ""
}

// StartSession checks the credential shape and the model, then creates an
// isolated session.
func (s *ChatService) StartSession(ctx context.Context, opts StartOptions) (*Session, error) {
	credential := strings.TrimSpace(opts.Credential)
	if credential == "" {
		credential = s.cfg.Credential
	}
	if err := s.cfg.Shape.Check(credential); err != nil {
		return nil, err
	}

	personaName := opts.Persona
	if personaName == "" {
		personaName = s.cfg.Persona
	}
	persona, err := domain.LookupPersona(personaName)
	if err != nil {
		return nil, err
	}

	policy := s.cfg.Policy
	if opts.Policy != "" {
		if policy, err = domain.ParsePromptPolicy(string(opts.Policy)); err != nil {
			return nil, err
		}
	}

	model := s.cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}
	model = domain.ResolveModel(model)
	if err := domain.ValidateModel(s.cfg.Provider, model); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}

	llm, err := s.newLlm(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}

	session := NewSession(SessionConfig{
		ID:         uuid.NewString(),
		Persona:    persona,
		Policy:     policy,
		Model:      model,
		Credential: credential,
		Shape:      s.cfg.Shape,
		Defaults:   s.cfg.Defaults,
		Timeout:    s.cfg.Timeout,
		Llm:        llm,
		Broker:     s.broker,
		Renderer:   s.renderer,
	})

	s.mu.Lock()
	s.sessions[session.ID()] = session
	count := len(s.sessions)
	s.mu.Unlock()

	log.WithCtx(session.Context(ctx)).Info("Session started",
		zap.String("model", session.Model()),
		zap.String("policy", string(session.Policy())),
		zap.String("credential", domain.Fingerprint(s.hasher, credential)),
		zap.Int("sessions", count))
	return session, nil
}

func (s *ChatService) Session(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// EndSession discards a session and its transcript.
func (s *ChatService) EndSession(ctx context.Context, id string) error {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return domain.ErrSessionNotFound
	}
	log.WithCtx(session.Context(ctx)).Info("Session ended")
	return nil
}

// ExpireIdle ends sessions that have been inactive longer than maxIdle and
// returns their IDs.
func (s *ChatService) ExpireIdle(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	var expired []string
	for id, session := range s.sessions {
		if session.State() == StateIdle && session.LastActive().Before(cutoff) {
			delete(s.sessions, id)
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		log.WithCtx(ctx).Info("Expired idle sessions", zap.Strings("session_ids", expired))
	}
	return expired
}

// RunExpiry calls ExpireIdle every interval until ctx is done. onExpired,
// when set, is told about every session that was ended so connections
// bound to it can be closed.
func (s *ChatService) RunExpiry(ctx context.Context, interval, maxIdle time.Duration, onExpired func(sessionID string)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, id := range s.ExpireIdle(ctx, maxIdle) {
				if onExpired != nil {
					onExpired(id)
				}
			}
		}
	}
}

func (s *ChatService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
