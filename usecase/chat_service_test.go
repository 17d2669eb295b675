package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/professor-bot/adapters/hasher"
	"github.com/satriahrh/professor-bot/adapters/llm"
	"github.com/satriahrh/professor-bot/domain"
)

func newTestService(client *llm.ScriptedClient, serverCredential string) *ChatService {
	return NewChatService(ChatServiceConfig{
		Defaults:   domain.DefaultGenerationConfig(),
		Shape:      domain.ReplicateCredential,
		Credential: serverCredential,
	}, client.Factory(), nil, hasher.New("salt"), nil)
}

func TestChatService_StartSessionDefaults(t *testing.T) {
	svc := newTestService(llm.NewScriptedClient(), "")

	session, err := svc.StartSession(context.Background(), StartOptions{Credential: validToken})

	require.NoError(t, err)
	assert.NotEmpty(t, session.ID())
	assert.Equal(t, domain.ProfessorBot.Name, session.Persona().Name)
	assert.Equal(t, domain.PolicyWindowed, session.Policy())
	assert.Equal(t, domain.ResolveModel(domain.DefaultModel), session.Model())
	assert.Equal(t, 1, svc.Count())

	found, err := svc.Session(session.ID())
	require.NoError(t, err)
	assert.Same(t, session, found)
}

func TestChatService_StartSessionOptions(t *testing.T) {
	svc := newTestService(llm.NewScriptedClient(), "")

	session, err := svc.StartSession(context.Background(), StartOptions{
		Credential: validToken,
		Persona:    domain.VocabularyQuiz.Name,
		Policy:     domain.PolicyWindowed,
		Model:      "llama2-70b",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.VocabularyQuiz.Name, session.Persona().Name)
	assert.Equal(t, domain.PolicyWindowed, session.Policy())
	assert.Equal(t, domain.ResolveModel("llama2-70b"), session.Model())
	assert.Equal(t, domain.VocabularyQuiz.Greeting, session.Transcript()[0].Content)
}

func TestChatService_StartSessionRejects(t *testing.T) {
	svc := newTestService(llm.NewScriptedClient(), "")

	tests := []struct {
		name string
		opts StartOptions
	}{
		{"missing credential", StartOptions{}},
		{"malformed credential", StartOptions{Credential: "r8_tooshort"}},
		{"unknown persona", StartOptions{Credential: validToken, Persona: "pirate"}},
		{"unknown policy", StartOptions{Credential: validToken, Policy: "sliding"}},
		{"model of another provider", StartOptions{Credential: validToken, Model: "gemini-2.0-flash"}},
		{"malformed model", StartOptions{Credential: validToken, Model: "not a model"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.StartSession(context.Background(), tt.opts)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
	assert.Zero(t, svc.Count())
}

func TestChatService_ModelOfOtherProviderIsConfigurationError(t *testing.T) {
	client := llm.NewScriptedClient()
	svc := newTestService(client, validToken)

	_, err := svc.StartSession(context.Background(), StartOptions{Model: "gemini-2.0-flash"})

	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.ErrorIs(t, err, domain.ErrInvalidModel)
	assert.Empty(t, client.Requests())
}

func TestChatService_CatalogFollowsProvider(t *testing.T) {
	svc := NewChatService(ChatServiceConfig{
		Provider:   domain.ProviderGemini,
		Defaults:   domain.DefaultGenerationConfig(),
		Shape:      domain.GeminiCredential,
		Credential: "AIza" + strings.Repeat("b", 35),
	}, llm.NewScriptedClient().Factory(), nil, hasher.New(""), nil)

	assert.Equal(t, domain.ModelsFor(domain.ProviderGemini), svc.Models())
	for _, m := range svc.Models() {
		assert.Equal(t, domain.ProviderGemini, m.Provider)
	}

	session, err := svc.StartSession(context.Background(), StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ModelsFor(domain.ProviderGemini)[0].Identifier, session.Model())

	_, err = svc.StartSession(context.Background(), StartOptions{Model: "llama2-70b"})
	assert.ErrorIs(t, err, domain.ErrInvalidModel)

	assert.Equal(t, domain.ModelsFor(domain.ProviderReplicate), newTestService(llm.NewScriptedClient(), "").Models())
}

func TestChatService_ServerCredentialFallback(t *testing.T) {
	svc := newTestService(llm.NewScriptedClient(), validToken)
	assert.True(t, svc.HasServerCredential())

	session, err := svc.StartSession(context.Background(), StartOptions{})

	require.NoError(t, err)
	assert.NoError(t, session.Ready())
}

func TestChatService_FactoryFailureIsConfigurationError(t *testing.T) {
	svc := NewChatService(ChatServiceConfig{Shape: domain.ReplicateCredential}, func(string) (domain.Llm, error) {
		return nil, errors.New("no client")
	}, nil, hasher.New(""), nil)

	_, err := svc.StartSession(context.Background(), StartOptions{Credential: validToken})

	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestChatService_SessionsAreIsolated(t *testing.T) {
	client := llm.NewScriptedClient(llm.ScriptedReply{Fragments: []string{"reply"}})
	svc := newTestService(client, validToken)

	a, err := svc.StartSession(context.Background(), StartOptions{})
	require.NoError(t, err)
	b, err := svc.StartSession(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())

	_, err = a.Submit(context.Background(), "only in a", a.Defaults(), nil)
	require.NoError(t, err)

	assert.Len(t, a.Transcript(), 3)
	assert.Len(t, b.Transcript(), 1)
}

func TestChatService_EndSession(t *testing.T) {
	svc := newTestService(llm.NewScriptedClient(), validToken)
	session, err := svc.StartSession(context.Background(), StartOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.EndSession(context.Background(), session.ID()))

	_, err = svc.Session(session.ID())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, svc.EndSession(context.Background(), session.ID()), domain.ErrSessionNotFound)
}

func TestChatService_ExpireIdleSkipsBusySessions(t *testing.T) {
	gate := make(chan struct{})
	svc := newTestService(llm.NewScriptedClient(llm.ScriptedReply{Fragments: []string{"ok"}, Gate: gate}), validToken)

	idle, err := svc.StartSession(context.Background(), StartOptions{})
	require.NoError(t, err)
	busy, err := svc.StartSession(context.Background(), StartOptions{})
	require.NoError(t, err)

	done := submitAsync(busy, "still thinking")
	awaitState(t, busy, StateAwaitingResponse)

	expired := svc.ExpireIdle(context.Background(), -time.Second)

	assert.Equal(t, []string{idle.ID()}, expired)
	assert.Equal(t, 1, svc.Count())

	close(gate)
	require.NoError(t, <-done)
}

func TestChatService_RunExpiryStopsWithContext(t *testing.T) {
	svc := newTestService(llm.NewScriptedClient(), validToken)
	_, err := svc.StartSession(context.Background(), StartOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunExpiry(ctx, 5*time.Millisecond, -time.Second, nil) }()

	require.Eventually(t, func() bool { return svc.Count() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestChatService_RunExpiryReportsExpiredSessions(t *testing.T) {
	svc := newTestService(llm.NewScriptedClient(), validToken)
	session, err := svc.StartSession(context.Background(), StartOptions{})
	require.NoError(t, err)

	expired := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.RunExpiry(ctx, 5*time.Millisecond, -time.Second, func(id string) { expired <- id })
	}()

	select {
	case id := <-expired:
		assert.Equal(t, session.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("expired session was not reported")
	}
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 0, svc.Count())
}
