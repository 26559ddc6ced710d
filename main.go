package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/satriahrh/llama-lens/adapters/capture"
	"github.com/satriahrh/llama-lens/adapters/hasher"
	httpadapter "github.com/satriahrh/llama-lens/adapters/http"
	"github.com/satriahrh/llama-lens/adapters/llm"
	"github.com/satriahrh/llama-lens/adapters/message_broker"
	"github.com/satriahrh/llama-lens/adapters/speech"
	"github.com/satriahrh/llama-lens/adapters/tts"
	"github.com/satriahrh/llama-lens/adapters/websocket"
	"github.com/satriahrh/llama-lens/domain"
	"github.com/satriahrh/llama-lens/usecase"
	"github.com/satriahrh/llama-lens/utils/config"
	"github.com/satriahrh/llama-lens/utils/log"
)

const speechQueueSize = 32

func main() {
	gotenv.Load()
	defer log.Sync()

	logger := log.With()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	log.Configure(cfg.Debug)
	logger = log.With()
	if cfg.JWTSecret == "" || cfg.APIKey == "" {
		logger.Fatal("JWT_SECRET and API_KEY must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		completer domain.Completer
		health    httpadapter.HealthChecker
	)
	switch cfg.Backend {
	case config.BackendGemini:
		gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiModel)
		if err != nil {
			logger.Fatal("Failed to create Gemini client", zap.Error(err))
		}
		completer = gemini
	default:
		endpoint, err := cfg.CompletionURL()
		if err != nil {
			logger.Fatal("Invalid llama.cpp address", zap.Error(err))
		}
		llama := llm.NewLlamaCppClient(endpoint, cfg.Timeout)
		completer, health = llama, llama
		logger.Info("Using llama.cpp server", zap.String("endpoint", llama.Endpoint()), zap.Duration("timeout", cfg.Timeout))
	}

	broker := message_broker.NewChannelMessageBroker()
	defer broker.Close()

	wsServer := websocket.NewServer(broker)

	var speaker domain.Speaker = wsServer
	if cfg.SpeechOutput == config.SpeechOutputGoogle {
		googleTTS, err := tts.NewGoogleTTS(ctx, cfg.TTSLanguage)
		if err != nil {
			logger.Fatal("Failed to create Google TTS client", zap.Error(err))
		}
		defer googleTTS.Close()
		speaker = tts.NewAudioSpeaker(googleTTS, wsServer)
	}
	speechQueue := usecase.NewSpeechQueue(speaker, speechQueueSize)
	defer speechQueue.Close()

	policy := usecase.FailureNotify
	if cfg.FailurePolicy == config.FailurePolicySilent {
		policy = usecase.FailureSilent
	}
	svc := usecase.NewChatService(completer, wsServer, speechQueue,
		usecase.WithFailurePolicy(policy),
		usecase.WithFlushWords(cfg.FlushWords),
	)
	wsServer.Attach(svc)
	go svc.Run(ctx)
	go wsServer.StartTranscriptionListener(ctx)

	var transcriber httpadapter.Transcriber
	if cfg.STTEnabled {
		googleSpeech, err := speech.NewGoogleSpeech(ctx, cfg.STTLanguage)
		if err != nil {
			logger.Fatal("Failed to create Google speech client", zap.Error(err))
		}
		defer googleSpeech.Close()
		transcriber = googleSpeech
	}

	encoder := capture.NewEncoder(hasher.New())
	sessionHandler := httpadapter.NewSessionHandler(svc, encoder, transcriber, health, broker, httpadapter.Credentials{
		JWTSecret: cfg.JWTSecret,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	})

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods: []string{echo.GET, echo.POST, echo.DELETE, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			"X-API-Key",
			"X-API-Secret",
			httpadapter.HeaderDeviceID,
			httpadapter.HeaderRegionLeft,
			httpadapter.HeaderRegionTop,
			httpadapter.HeaderRegionWidth,
			httpadapter.HeaderRegionHeight,
			httpadapter.HeaderPixelFormat,
		},
		MaxAge: 86400,
	}))
	e.Use(middleware.BodyLimit("32M"))

	sessionHandler.Register(e, wsServer.Handler)

	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.ListenAddr))
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
