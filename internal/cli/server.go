package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quizchain-service/internal/app"
	"quizchain-service/internal/breaker"
	"quizchain-service/internal/config"
	"quizchain-service/internal/content"
	"quizchain-service/internal/infra/memory"
	pgstore "quizchain-service/internal/infra/postgres"
	rediscache "quizchain-service/internal/infra/redis"
	transport "quizchain-service/internal/transport/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// stack is the wired engine shared by start and simulate.
type stack struct {
	service  *app.SessionService
	breakers *breaker.Registry
	closers  []func()
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildStack picks postgres or memory for sessions and redis or memory for the
// cache, depending on what is configured.
func buildStack(ctx context.Context, cfg config.Config) (*stack, error) {
	st := &stack{}

	var store app.SessionStore = memory.NewSessionStore()
	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return nil, err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, pool.Close)
		store = pgstore.NewSessionStore(pool)
		log.Info().Msg("using postgres session store")
	}

	var cache app.Cache = memory.NewCache()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = client.Close() })
		cache = rediscache.NewCache(client, cfg.Redis.Prefix)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis cache")
	}

	st.breakers = breaker.NewRegistry(cfg.BreakerConfigs())
	pipeline := content.NewPipeline(collaborators(cfg), st.breakers, cfg.Generation.MaxChars)

	st.service = app.NewSessionService(store, cache, pipeline, app.Options{
		SessionTTL:     config.TTLDuration(cfg.Cache.SessionTTL, app.DefaultSessionTTL),
		LeaderboardTTL: config.TTLDuration(cfg.Cache.LeaderboardTTL, app.DefaultLeaderboardTTL),
		MaxItems:       cfg.Sessions.MaxItems,
		CodeLength:     cfg.Sessions.CodeLength,
		CodeAttempts:   cfg.Sessions.CodeAttempts,
	})
	return st, nil
}

func collaborators(cfg config.Config) content.Collaborators {
	gen := cfg.Generation
	var collab content.Collaborators
	if gen.GeneratorURL != "" {
		collab.Generator = content.NewRemoteGenerator(content.NewClient(gen.GeneratorURL, gen.APIKey))
	} else {
		log.Warn().Msg("no generator configured, using static items")
		collab.Generator = content.NewStaticGenerator()
	}
	if gen.ScraperURL != "" {
		collab.Scraper = content.NewRemoteScraper(content.NewClient(gen.ScraperURL, gen.APIKey))
	}
	if gen.TranscriptURL != "" {
		collab.Transcripts = content.NewRemoteTranscripts(content.NewClient(gen.TranscriptURL, gen.APIKey))
	}
	if gen.VideoURL != "" {
		collab.Videos = content.NewRemoteVideos(content.NewClient(gen.VideoURL, gen.APIKey))
	}
	return collab
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	gin.SetMode(gin.ReleaseMode)
	router := transport.NewRouter(transport.RouterConfig{
		Service:        st.service,
		Breakers:       st.breakers,
		Auth:           transport.NewAuthenticator(cfg.Auth.Secret, config.TTLDuration(cfg.Auth.TokenTTL, 24*time.Hour)),
		DevTokens:      cfg.Auth.DevTokens,
		Operators:      cfg.Auth.Operators,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if cfg.Auth.DevTokens {
		log.Warn().Msg("dev token endpoint enabled")
	}

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting session service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
