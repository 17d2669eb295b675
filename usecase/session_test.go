package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/professor-bot/adapters/llm"
	"github.com/satriahrh/professor-bot/adapters/markdown"
	"github.com/satriahrh/professor-bot/adapters/message_broker"
	"github.com/satriahrh/professor-bot/domain"
)

var validToken = "r8_" + strings.Repeat("x", 37)

func newTestSession(client *llm.ScriptedClient, broker domain.MessageBroker) *Session {
	return NewSession(SessionConfig{
		ID:         "session-1",
		Persona:    domain.ProfessorBot,
		Model:      domain.ResolveModel(domain.DefaultModel),
		Credential: validToken,
		Shape:      domain.ReplicateCredential,
		Defaults:   domain.DefaultGenerationConfig(),
		Llm:        client,
		Broker:     broker,
		Renderer:   markdown.New(),
	})
}

// submitAsync runs Submit in the background and returns its result channel.
func submitAsync(s *Session, input string) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), input, s.Defaults(), nil)
		done <- err
	}()
	return done
}

func awaitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, time.Second, 5*time.Millisecond)
}

func TestSession_StartsIdleWithGreeting(t *testing.T) {
	s := newTestSession(llm.NewScriptedClient(), nil)

	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, []domain.ChatTurn{{Role: domain.AssistantRole, Content: domain.ProfessorBot.Greeting}}, s.Transcript())
	assert.Equal(t, domain.PolicyWindowed, s.Policy())
}

func TestSession_SubmitCommitsReply(t *testing.T) {
	client := llm.NewScriptedClient(llm.ScriptedReply{Fragments: []string{"Entropy ", "measures ", "disorder."}})
	s := newTestSession(client, nil)

	var updates []string
	turn, err := s.Submit(context.Background(), "What is entropy?", s.Defaults(), func(text string) {
		updates = append(updates, text)
	})

	require.NoError(t, err)
	assert.Equal(t, domain.ChatTurn{Role: domain.AssistantRole, Content: "Entropy measures disorder."}, turn)
	assert.Equal(t, []string{"Entropy ", "Entropy measures ", "Entropy measures disorder.", "Entropy measures disorder."}, updates)

	transcript := s.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, domain.ChatTurn{Role: domain.UserRole, Content: "What is entropy?"}, transcript[1])
	assert.Equal(t, turn, transcript[2])
	assert.Equal(t, StateIdle, s.State())

	requests := client.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, s.Model(), requests[0].Model)
	assert.Equal(t, domain.DefaultGenerationConfig(), requests[0].Config)
	assert.True(t, strings.HasSuffix(requests[0].Prompt, "Student: What is entropy?\n\nProfessor Bot: "))
}

func TestSession_SecondPromptCarriesPreviousExchange(t *testing.T) {
	client := llm.NewScriptedClient(
		llm.ScriptedReply{Fragments: []string{"A first answer."}},
		llm.ScriptedReply{Fragments: []string{"A second answer."}},
	)
	s := newTestSession(client, nil)

	_, err := s.Submit(context.Background(), "first", s.Defaults(), nil)
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), "second", s.Defaults(), nil)
	require.NoError(t, err)

	prompt := client.Requests()[1].Prompt
	assert.Contains(t, prompt, "Student: first\n\nProfessor Bot: A first answer.\n\nStudent: second\n\nProfessor Bot: ")
	assert.Len(t, s.Transcript(), 5)
}

func TestSession_EmptyInputIsRejected(t *testing.T) {
	client := llm.NewScriptedClient()
	s := newTestSession(client, nil)

	for _, input := range []string{"", "   ", "\n\t"} {
		_, err := s.Submit(context.Background(), input, s.Defaults(), nil)
		assert.ErrorIs(t, err, domain.ErrEmptyInput)
	}

	assert.Len(t, s.Transcript(), 1)
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, client.Requests())
}

func TestSession_MalformedCredentialIsConfigurationError(t *testing.T) {
	client := llm.NewScriptedClient()
	s := NewSession(SessionConfig{
		ID:         "session-1",
		Persona:    domain.ProfessorBot,
		Credential: "not-a-token",
		Shape:      domain.ReplicateCredential,
		Defaults:   domain.DefaultGenerationConfig(),
		Llm:        client,
	})

	_, err := s.Submit(context.Background(), "hello", s.Defaults(), nil)

	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Len(t, s.Transcript(), 1)
	assert.Empty(t, client.Requests())
}

func TestSession_InvalidGenerationConfig(t *testing.T) {
	s := newTestSession(llm.NewScriptedClient(), nil)
	cfg := s.Defaults()
	cfg.MaxLength = 1

	_, err := s.Submit(context.Background(), "hello", cfg, nil)

	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Len(t, s.Transcript(), 1)
}

func TestSession_TransportFailureRollsBack(t *testing.T) {
	tests := []struct {
		name  string
		reply llm.ScriptedReply
	}{
		{"request refused", llm.ScriptedReply{Err: &domain.RemoteError{StatusCode: 401, Detail: "Invalid token."}}},
		{"stream broke", llm.ScriptedReply{Fragments: []string{"half an ans"}, StreamErr: errors.New("unexpected EOF")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(llm.NewScriptedClient(tt.reply), nil)
			before := s.Transcript()

			_, err := s.Submit(context.Background(), "hello", s.Defaults(), nil)

			require.ErrorIs(t, err, domain.ErrTransport)
			assert.Equal(t, before, s.Transcript())
			assert.Equal(t, StateIdle, s.State())
		})
	}
}

func TestSession_RemoteErrorIsPreserved(t *testing.T) {
	s := newTestSession(llm.NewScriptedClient(llm.ScriptedReply{Err: &domain.RemoteError{StatusCode: 401, Detail: "Invalid token."}}), nil)

	_, err := s.Submit(context.Background(), "hello", s.Defaults(), nil)

	var remote *domain.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.True(t, remote.Unauthorized())
}

func TestSession_TimeoutIsTransportFailure(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	s := NewSession(SessionConfig{
		ID:         "session-1",
		Persona:    domain.ProfessorBot,
		Credential: validToken,
		Shape:      domain.ReplicateCredential,
		Defaults:   domain.DefaultGenerationConfig(),
		Timeout:    20 * time.Millisecond,
		Llm:        llm.NewScriptedClient(llm.ScriptedReply{Fragments: []string{"late"}, Gate: gate}),
	})

	_, err := s.Submit(context.Background(), "hello", s.Defaults(), nil)

	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, s.Transcript(), 1)
}

func TestSession_BusyWhileAwaitingResponse(t *testing.T) {
	gate := make(chan struct{})
	s := newTestSession(llm.NewScriptedClient(llm.ScriptedReply{Fragments: []string{"done"}, Gate: gate}), nil)

	done := submitAsync(s, "first")
	awaitState(t, s, StateAwaitingResponse)

	_, err := s.Submit(context.Background(), "second", s.Defaults(), nil)
	assert.ErrorIs(t, err, domain.ErrBusy)

	close(gate)
	require.NoError(t, <-done)

	transcript := s.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, "first", transcript[1].Content)
	assert.Equal(t, StateIdle, s.State())
}

func TestSession_OnlyOneConcurrentSubmitWins(t *testing.T) {
	gate := make(chan struct{})
	s := newTestSession(llm.NewScriptedClient(llm.ScriptedReply{Fragments: []string{"ok"}, Gate: gate}), nil)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Submit(context.Background(), "hi", s.Defaults(), nil)
			errs <- err
		}()
	}

	// Every submission but the winner is refused while the gate is shut.
	for i := 0; i < n-1; i++ {
		assert.ErrorIs(t, <-errs, domain.ErrBusy)
	}
	close(gate)
	assert.NoError(t, <-errs)
	assert.Len(t, s.Transcript(), 3)
}

func TestSession_ClearResetsFromAnyState(t *testing.T) {
	s := newTestSession(llm.NewScriptedClient(llm.ScriptedReply{Fragments: []string{"answer"}}), nil)
	_, err := s.Submit(context.Background(), "question", s.Defaults(), nil)
	require.NoError(t, err)

	turns := s.Clear(context.Background())

	require.Len(t, turns, 1)
	assert.Equal(t, domain.AssistantRole, turns[0].Role)
	assert.Equal(t, turns, s.Transcript())
	assert.Equal(t, StateIdle, s.State())
}

func TestSession_ClearDuringGenerationDiscardsReply(t *testing.T) {
	gate := make(chan struct{})
	s := newTestSession(llm.NewScriptedClient(llm.ScriptedReply{Fragments: []string{"stale"}, Gate: gate}), nil)

	done := submitAsync(s, "question")
	awaitState(t, s, StateAwaitingResponse)

	s.Clear(context.Background())
	assert.Equal(t, StateIdle, s.State())

	close(gate)
	assert.ErrorIs(t, <-done, domain.ErrCleared)
	assert.Len(t, s.Transcript(), 1)
}

func TestSession_ClearStopsInflightGeneration(t *testing.T) {
	broker := message_broker.NewChannelMessageBroker()
	defer broker.Close()
	events, err := broker.Subscribe(context.Background(), domain.SessionEventsTopic, "session-1")
	require.NoError(t, err)

	client := llm.NewScriptedClient(
		llm.ScriptedReply{Fragments: []string{"STALE", "STALE"}, Gate: make(chan struct{})},
		llm.ScriptedReply{Fragments: []string{"fresh"}},
	)
	s := newTestSession(client, broker)

	first := submitAsync(s, "first question")
	awaitState(t, s, StateAwaitingResponse)

	s.Clear(context.Background())
	assert.Equal(t, 0, client.Open())
	select {
	case err := <-first:
		assert.ErrorIs(t, err, domain.ErrCleared)
	case <-time.After(time.Second):
		t.Fatal("canceled generation did not return")
	}

	reply, err := s.Submit(context.Background(), "second question", s.Defaults(), nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", reply.Content)
	assert.Equal(t, 1, client.MaxOpen())

	var got []domain.SessionEvent
	for len(got) < 6 {
		select {
		case msg := <-events:
			var ev domain.SessionEvent
			require.NoError(t, json.Unmarshal(msg.Payload, &ev))
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("only %d events received", len(got))
		}
	}
	select {
	case msg := <-events:
		t.Fatalf("unexpected event %s", msg.Payload)
	case <-time.After(20 * time.Millisecond):
	}

	types := make([]domain.EventType, len(got))
	for i, ev := range got {
		types[i] = ev.Type
		assert.NotContains(t, ev.Text, "STALE")
	}
	assert.Equal(t, []domain.EventType{
		domain.EventTurn,
		domain.EventCleared,
		domain.EventTurn,
		domain.EventFragment,
		domain.EventFragment,
		domain.EventCommitted,
	}, types)
	assert.Equal(t, "second question", got[2].Turn.Content)
}

func TestSession_SubmitRefusedUntilClearedGenerationStops(t *testing.T) {
	client := llm.NewScriptedClient(llm.ScriptedReply{Fragments: []string{"late"}, Gate: make(chan struct{})})
	s := newTestSession(client, nil)

	first := submitAsync(s, "question")
	awaitState(t, s, StateAwaitingResponse)

	// Clear returns only after the generation has been released.
	s.Clear(context.Background())
	assert.ErrorIs(t, <-first, domain.ErrCleared)

	s.mu.Lock()
	inflight := s.inflight
	s.mu.Unlock()
	assert.Nil(t, inflight)
}

func TestSession_PublishesEvents(t *testing.T) {
	broker := message_broker.NewChannelMessageBroker()
	defer broker.Close()
	events, err := broker.Subscribe(context.Background(), domain.SessionEventsTopic, "session-1")
	require.NoError(t, err)

	s := newTestSession(llm.NewScriptedClient(llm.ScriptedReply{Fragments: []string{"**bold", "** claim"}}), broker)
	_, err = s.Submit(context.Background(), "hello", s.Defaults(), nil)
	require.NoError(t, err)
	s.Clear(context.Background())

	var got []domain.SessionEvent
	for len(got) < 6 {
		select {
		case msg := <-events:
			var ev domain.SessionEvent
			require.NoError(t, json.Unmarshal(msg.Payload, &ev))
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("only %d events received", len(got))
		}
	}

	types := make([]domain.EventType, len(got))
	for i, ev := range got {
		assert.Equal(t, "session-1", ev.SessionID)
		types[i] = ev.Type
	}
	assert.Equal(t, []domain.EventType{
		domain.EventTurn,
		domain.EventFragment,
		domain.EventFragment,
		domain.EventFragment,
		domain.EventCommitted,
		domain.EventCleared,
	}, types)

	assert.Equal(t, "hello", got[0].Turn.Content)
	assert.Equal(t, "**bold** claim", got[3].Text)
	assert.Equal(t, "**bold** claim", got[4].Turn.Content)
	assert.Contains(t, got[4].HTML, "<strong>bold</strong>")
	assert.Len(t, got[5].Turns, 1)
}

func TestSession_PublishesFailure(t *testing.T) {
	broker := message_broker.NewChannelMessageBroker()
	defer broker.Close()
	events, err := broker.Subscribe(context.Background(), domain.SessionEventsTopic, "session-1")
	require.NoError(t, err)

	s := newTestSession(llm.NewScriptedClient(llm.ScriptedReply{Err: errors.New("no route to host")}), broker)
	_, err = s.Submit(context.Background(), "hello", s.Defaults(), nil)
	require.Error(t, err)

	var last domain.SessionEvent
	for i := 0; i < 2; i++ {
		msg := <-events
		require.NoError(t, json.Unmarshal(msg.Payload, &last))
	}
	assert.Equal(t, domain.EventFailed, last.Type)
	assert.Contains(t, last.Error, "no route to host")
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, st := range []State{StateIdle, StateAwaitingResponse} {
		text, err := st.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, st, back)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("thinking")))
}
