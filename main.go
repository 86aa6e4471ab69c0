package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"lmschat/config"
	"lmschat/logging"
	"lmschat/routes"
	"lmschat/services"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, closeStore, err := services.OpenDocumentStore(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to open document store")
	}
	defer closeStore()

	// Without a credential every chat request answers 500.
	var completer services.Completer
	if cfg.HasCredential() {
		client, err := services.NewCompletionClient(cfg.OpenAI, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create completion client")
		}
		completer = client
	} else {
		log.Warn().Msg("OPENAI_API_KEY is not set, chat completions disabled")
	}

	router := routes.SetupRouter(routes.Dependencies{
		Config:   cfg,
		Chat:     services.NewChatService(completer, cfg.Chat, log),
		Messages: services.NewMessageStore(docs, log),
		Log:      log,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Chat.ClientTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	log.Info().Msg("Server stopped")
}
