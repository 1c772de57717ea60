// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ViniZap4/lumi-ideas/auth"
	"github.com/ViniZap4/lumi-ideas/config"
	"github.com/ViniZap4/lumi-ideas/enhance"
	"github.com/ViniZap4/lumi-ideas/filesystem"
	httpapi "github.com/ViniZap4/lumi-ideas/http"
	"github.com/ViniZap4/lumi-ideas/logger"
	"github.com/ViniZap4/lumi-ideas/postgres"
	"github.com/ViniZap4/lumi-ideas/redisstore"
	"github.com/ViniZap4/lumi-ideas/store"
	"github.com/ViniZap4/lumi-ideas/ws"
)

func main() {
	cfg := config.Load()

	out, closeLog, err := logger.OpenFile(cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	log := logger.New(cfg.LogLevel, cfg.LogPretty, out)

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("server stopped")
		closeLog()
		os.Exit(1)
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	users, err := loadUsers(cfg.UsersFile, log)
	if err != nil {
		return err
	}
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)

	var enhancer *enhance.Client
	if cfg.OpenAIKey != "" {
		enhancer = enhance.New(enhance.Config{
			APIKey:           cfg.OpenAIKey,
			BaseURL:          cfg.OpenAIBaseURL,
			Model:            cfg.OpenAIModel,
			PlaceholderTitle: cfg.PlaceholderTitle,
			Logger:           log,
		})
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set, enhancement disabled")
	}

	wsHandler := ws.NewHandler(ws.Config{
		Store:            st,
		Tokens:           tokens,
		Enhancer:         wsEnhancer(enhancer),
		AutosaveDelay:    cfg.AutosaveDelay,
		PlaceholderTitle: cfg.PlaceholderTitle,
		SingleFlight:     cfg.SingleFlight,
		Logger:           log,
	})
	api := httpapi.NewServer(httpapi.Config{
		Store:       st,
		Users:       users,
		Tokens:      tokens,
		Enhancer:    apiEnhancer(enhancer),
		Connections: wsHandler.Hub(),
		Logger:      log,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	wsServer := &http.Server{
		Addr:              cfg.WSAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := api.Listen(cfg.Addr); err != nil {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.WSAddr).Msg("websocket server listening")
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("websocket listener shutdown")
	}
	// Editing sessions flush their pending saves before the store closes.
	if err := wsHandler.Hub().Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("editing sessions did not finish in time")
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return runErr
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.RecordStore, func(), error) {
	log.Info().Str("store", cfg.Store).Msg("opening store")
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), func() {}, nil
	case config.StoreFilesystem:
		s, err := filesystem.NewStore(cfg.RootDir, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open filesystem store: %w", err)
		}
		return s, func() {}, nil
	case config.StorePostgres:
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		s, err := postgres.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, s.Close, nil
	case config.StoreRedis:
		s, err := redisstore.Open(ctx, cfg.RedisURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("close redis store")
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func loadUsers(path string, log zerolog.Logger) (*auth.Users, error) {
	users, err := auth.LoadUsers(path)
	if err == nil {
		return users, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("users file not found, login disabled")
		return auth.NewUsers()
	}
	return nil, err
}

// The enhancer is optional; a nil *enhance.Client must become a nil
// interface so handlers can tell it is missing.
func wsEnhancer(c *enhance.Client) ws.Enhancer {
	if c == nil {
		return nil
	}
	return c
}

func apiEnhancer(c *enhance.Client) httpapi.Enhancer {
	if c == nil {
		return nil
	}
	return c
}
