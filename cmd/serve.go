package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/professor-bot/adapters/auth"
	"github.com/satriahrh/professor-bot/adapters/hasher"
	chathttp "github.com/satriahrh/professor-bot/adapters/http"
	"github.com/satriahrh/professor-bot/adapters/llm"
	"github.com/satriahrh/professor-bot/adapters/markdown"
	"github.com/satriahrh/professor-bot/adapters/message_broker"
	"github.com/satriahrh/professor-bot/adapters/speech"
	"github.com/satriahrh/professor-bot/adapters/tts"
	"github.com/satriahrh/professor-bot/adapters/websocket"
	"github.com/satriahrh/professor-bot/config"
	"github.com/satriahrh/professor-bot/domain"
	"github.com/satriahrh/professor-bot/usecase"
	"github.com/satriahrh/professor-bot/utils/log"
	"github.com/satriahrh/professor-bot/web"
)

const shutdownTimeout = 10 * time.Second

func init() {
	flags := serveCmd.Flags()
	flags.String("addr", ":8080", "Listen address")
	flags.String("provider", config.ProviderReplicate, "Inference provider (replicate, gemini)")
	flags.String("model", domain.DefaultModel, "Model name or provider identifier")
	flags.String("persona", domain.ProfessorBot.Name, "Default persona (assistant, vocab-quiz)")
	flags.String("policy", "", "Prompt policy (windowed, full); empty uses the persona's")
	flags.Bool("voice", false, "Enable speech endpoints (needs Google Cloud credentials)")

	v.BindPFlag("server.addr", flags.Lookup("addr"))
	v.BindPFlag("inference.provider", flags.Lookup("provider"))
	v.BindPFlag("inference.model", flags.Lookup("model"))
	v.BindPFlag("chat.persona", flags.Lookup("persona"))
	v.BindPFlag("chat.policy", flags.Lookup("policy"))
	v.BindPFlag("voice.enabled", flags.Lookup("voice"))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func newLlmFactory(cfg *config.Config) domain.LlmFactory {
	if cfg.Inference.Provider == config.ProviderGemini {
		return llm.NewGeminiFactory()
	}
	return llm.NewReplicateFactory(llm.WithBaseURL(cfg.Inference.BaseURL))
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.With(zap.String("component", "serve"))

	broker := message_broker.NewChannelMessageBroker()
	defer broker.Close()

	svc := usecase.NewChatService(usecase.ChatServiceConfig{
		Provider:   cfg.Inference.Provider,
		Persona:    cfg.Chat.Persona,
		Policy:     cfg.Policy(),
		Model:      cfg.Inference.Model,
		Defaults:   cfg.Generation,
		Timeout:    cfg.Inference.Timeout,
		Shape:      cfg.CredentialShape(),
		Credential: cfg.Inference.Credential,
	}, newLlmFactory(cfg), broker, hasher.New(cfg.Auth.JWTSecret), markdown.New())

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is not set; using a random secret, tokens will not survive a restart")
	}
	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)
	if err != nil {
		return err
	}

	var (
		synthesizer domain.Synthesizer
		transcriber domain.Transcriber
	)
	if cfg.Voice.Enabled {
		googleTTS, err := tts.NewGoogleTTS(ctx, cfg.Voice.Language)
		if err != nil {
			return err
		}
		defer googleTTS.Close()
		googleSpeech, err := speech.NewGoogleSpeech(ctx, cfg.Voice.Language)
		if err != nil {
			return err
		}
		defer googleSpeech.Close()
		synthesizer, transcriber = googleTTS, googleSpeech
	}

	wsServer := websocket.NewServer(svc, broker, nil)
	handler := chathttp.NewChatHandler(svc, tokens, wsServer.GetHub(), synthesizer, transcriber)

	e := newEcho(cfg, handler, tokens, wsServer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsServer.RunWebsocketHub(ctx)
		return nil
	})
	g.Go(func() error {
		return svc.RunExpiry(ctx, time.Minute, cfg.Chat.IdleTimeout, wsServer.GetHub().CloseSession)
	})
	g.Go(func() error {
		logger.Info("Starting server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("provider", cfg.Inference.Provider),
			zap.String("model", cfg.Inference.Model),
			zap.String("persona", cfg.Chat.Persona),
			zap.Bool("voice", cfg.Voice.Enabled))
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down")
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newEcho(cfg *config.Config, handler *chathttp.ChatHandler, tokens *auth.TokenIssuer, wsServer *websocket.Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())
	e.Use(chathttp.RequestContext)
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowMethods: []string{echo.GET, echo.POST, echo.DELETE, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
		MaxAge: 86400,
	}))
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	e.GET("/", func(c echo.Context) error {
		return c.HTMLBlob(http.StatusOK, web.Index)
	})

	wsGroup := e.Group("/ws")
	wsGroup.Use(tokens.Middleware)
	wsGroup.GET("", wsServer.Handler)

	api := e.Group("/api/v1")
	api.GET("/health", handler.HealthCheck)
	api.GET("/personas", handler.ListPersonas)
	api.GET("/models", handler.ListModels)
	api.POST("/sessions", handler.StartSession)

	session := api.Group("/session")
	session.Use(handler.SessionMiddleware)
	session.GET("", handler.GetSession)
	session.DELETE("", handler.EndSession)
	session.POST("/messages", handler.SubmitMessage)
	session.DELETE("/messages", handler.ClearTranscript)
	session.POST("/speech", handler.Speak)
	session.POST("/transcriptions", handler.Transcribe)

	return e
}
