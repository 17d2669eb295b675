package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/professor-bot/adapters/auth"
	"github.com/satriahrh/professor-bot/domain"
	"github.com/satriahrh/professor-bot/usecase"
	"github.com/satriahrh/professor-bot/utils/log"
)

const (
	sessionKey = "session"

	// MaxAudioSize bounds uploads to the transcription endpoint.
	MaxAudioSize      = 10 * 1024 * 1024
	DefaultSampleRate = 16000
)

// SocketCounter reports attached WebSocket renderers.
type SocketCounter interface {
	ClientCount() int
	CloseSession(sessionID string)
}

type ChatHandler struct {
	chatService *usecase.ChatService
	tokens      *auth.TokenIssuer
	sockets     SocketCounter
	synthesizer domain.Synthesizer
	transcriber domain.Transcriber
}

// NewChatHandler wires the HTTP API. synthesizer and transcriber may be nil
// when voice features are disabled.
func NewChatHandler(chatService *usecase.ChatService, tokens *auth.TokenIssuer, sockets SocketCounter, synthesizer domain.Synthesizer, transcriber domain.Transcriber) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		tokens:      tokens,
		sockets:     sockets,
		synthesizer: synthesizer,
		transcriber: transcriber,
	}
}

type StartSessionResponse struct {
	Token     string      `json:"token"`
	Type      string      `json:"type"`
	ExpiresAt time.Time   `json:"expires_at"`
	Session   SessionView `json:"session"`
}

type SessionView struct {
	ID         string                  `json:"id"`
	Persona    domain.Persona          `json:"persona"`
	Policy     domain.PromptPolicy     `json:"policy"`
	Model      string                  `json:"model"`
	State      usecase.State           `json:"state"`
	Defaults   domain.GenerationConfig `json:"defaults"`
	Transcript []domain.ChatTurn       `json:"transcript"`
}

type SubmitRequest struct {
	Content string                      `json:"content"`
	Config  *domain.GenerationOverrides `json:"config,omitempty"`
}

func viewOf(s *usecase.Session) SessionView {
	return SessionView{
		ID:         s.ID(),
		Persona:    s.Persona(),
		Policy:     s.Policy(),
		Model:      s.Model(),
		State:      s.State(),
		Defaults:   s.Defaults(),
		Transcript: s.Transcript(),
	}
}

// SessionMiddleware resolves the token's session and stores it on the context.
func (h *ChatHandler) SessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return h.tokens.Middleware(func(c echo.Context) error {
		session, err := h.chatService.Session(c.Get(auth.SessionIDKey).(string))
		if err != nil {
			return toHTTPError(err)
		}
		c.Set(sessionKey, session)
		return next(c)
	})
}

// RequestContext copies the X-Request-Id set by echo's RequestID middleware
// into the request context so WithCtx loggers carry it.
func RequestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(log.WithRequestID(req.Context(), id)))
		}
		return next(c)
	}
}

func sessionFrom(c echo.Context) *usecase.Session {
	return c.Get(sessionKey).(*usecase.Session)
}

// HealthCheck reports liveness and load.
func (h *ChatHandler) HealthCheck(c echo.Context) error {
	sockets := 0
	if h.sockets != nil {
		sockets = h.sockets.ClientCount()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"timestamp":         time.Now().UTC(),
		"service":           "professor-bot",
		"sessions":          h.chatService.Count(),
		"websocket_clients": sockets,
		"server_credential": h.chatService.HasServerCredential(),
	})
}

func (h *ChatHandler) ListPersonas(c echo.Context) error {
	return c.JSON(http.StatusOK, domain.Personas())
}

func (h *ChatHandler) ListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, h.chatService.Models())
}

// StartSession checks the credential and hands out a session token.
func (h *ChatHandler) StartSession(c echo.Context) error {
	var opts usecase.StartOptions
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	session, err := h.chatService.StartSession(c.Request().Context(), opts)
	if err != nil {
		return toHTTPError(err)
	}

	token, expires, err := h.tokens.Issue(session.ID())
	if err != nil {
		log.WithCtx(session.Context(c.Request().Context())).Error("Failed to issue session token", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create session")
	}

	return c.JSON(http.StatusCreated, StartSessionResponse{
		Token:     token,
		Type:      "Bearer",
		ExpiresAt: expires,
		Session:   viewOf(session),
	})
}

func (h *ChatHandler) GetSession(c echo.Context) error {
	return c.JSON(http.StatusOK, viewOf(sessionFrom(c)))
}

// SubmitMessage streams the reply as server-sent events: one "fragment"
// event per update, then "committed" or "failed". Requests the session
// refuses before generating get a plain HTTP error instead.
func (h *ChatHandler) SubmitMessage(c echo.Context) error {
	session := sessionFrom(c)
	ctx := session.Context(c.Request().Context())

	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	cfg := req.Config.Apply(session.Defaults())

	w := &sseWriter{c: c}
	turn, err := session.Submit(ctx, req.Content, cfg, func(text string) {
		w.send(domain.EventFragment, map[string]string{"text": text})
	})
	if err != nil {
		if !w.started {
			return toHTTPError(err)
		}
		log.WithCtx(ctx).Warn("Streamed reply failed", zap.Error(err))
		w.send(domain.EventFailed, map[string]string{"error": err.Error()})
		return nil
	}

	w.send(domain.EventCommitted, map[string]interface{}{"turn": turn})
	return nil
}

// ClearTranscript resets the conversation to its greeting.
func (h *ChatHandler) ClearTranscript(c echo.Context) error {
	session := sessionFrom(c)
	turns := session.Clear(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]interface{}{
		"state":      usecase.StateIdle,
		"transcript": turns,
	})
}

// EndSession discards the session and disconnects its sockets.
func (h *ChatHandler) EndSession(c echo.Context) error {
	session := sessionFrom(c)
	if err := h.chatService.EndSession(c.Request().Context(), session.ID()); err != nil {
		return toHTTPError(err)
	}
	if h.sockets != nil {
		h.sockets.CloseSession(session.ID())
	}
	return c.NoContent(http.StatusNoContent)
}

// Speak reads the latest assistant turn aloud as MP3.
func (h *ChatHandler) Speak(c echo.Context) error {
	if h.synthesizer == nil {
		return toHTTPError(domain.ErrVoiceDisabled)
	}
	session := sessionFrom(c)
	turns := session.Transcript()

	var text string
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == domain.AssistantRole {
			text = turns[i].Content
			break
		}
	}

	audio, err := h.synthesizer.Synthesize(session.Context(c.Request().Context()), text)
	if errors.Is(err, domain.ErrEmptyInput) {
		return echo.NewHTTPError(http.StatusConflict, "Nothing to read aloud")
	}
	if err != nil {
		log.WithCtx(session.Context(c.Request().Context())).Error("Speech synthesis failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "Failed to synthesize speech")
	}
	return c.Blob(http.StatusOK, "audio/mpeg", audio)
}

// Transcribe turns uploaded LINEAR16 audio into text the browser can submit.
func (h *ChatHandler) Transcribe(c echo.Context) error {
	if h.transcriber == nil {
		return toHTTPError(domain.ErrVoiceDisabled)
	}
	session := sessionFrom(c)

	sampleRate := DefaultSampleRate
	if v := c.QueryParam("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid sample_rate")
		}
		sampleRate = n
	}

	audio, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxAudioSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Failed to read audio")
	}
	if len(audio) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Empty audio")
	}
	if len(audio) > MaxAudioSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "Audio too large")
	}

	text, err := h.transcriber.Transcribe(session.Context(c.Request().Context()), audio, sampleRate)
	if err != nil {
		log.WithCtx(session.Context(c.Request().Context())).Error("Transcription failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "Failed to transcribe audio")
	}
	return c.JSON(http.StatusOK, map[string]string{"text": text})
}

// toHTTPError maps domain errors onto status codes.
func toHTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, domain.ErrEmptyInput):
		return echo.NewHTTPError(http.StatusBadRequest, "Message is empty")
	case errors.Is(err, domain.ErrConfiguration):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrBusy), errors.Is(err, domain.ErrCleared):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Session not found")
	case errors.Is(err, domain.ErrVoiceDisabled):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case errors.Is(err, domain.ErrTransport):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "Internal error")
}

// sseWriter writes server-sent events, committing the response headers on
// the first event.
type sseWriter struct {
	c       echo.Context
	started bool
}

func (w *sseWriter) send(event domain.EventType, payload interface{}) {
	resp := w.c.Response()
	if !w.started {
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set("Cache-Control", "no-cache")
		resp.Header().Set("Connection", "keep-alive")
		resp.WriteHeader(http.StatusOK)
		w.started = true
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data)
	resp.Flush()
}
