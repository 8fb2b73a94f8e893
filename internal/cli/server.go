package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classroom-battle-service/internal/app"
	"classroom-battle-service/internal/config"
	"classroom-battle-service/internal/domain"
	"classroom-battle-service/internal/infra/memory"
	"classroom-battle-service/internal/infra/postgres"
	redisstore "classroom-battle-service/internal/infra/redis"
	"classroom-battle-service/internal/infra/sqlite"
	"classroom-battle-service/internal/progression"
	transport "classroom-battle-service/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the battle server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// services is everything the server and the profile commands share.
type services struct {
	store       app.DocumentStore
	contents    app.ContentRepository
	profiles    app.ProgressionRepository
	progression *app.ProgressionService
	roller      progression.Roller
	closers     []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildServices(ctx context.Context, cfg config.Config) (*services, error) {
	roller, err := progression.NewSeededRoller()
	if err != nil {
		return nil, err
	}
	svc := &services{roller: roller}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		svc.closers = append(svc.closers, func() { _ = redisClient.Close() })
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 6*time.Hour)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.closers = append(svc.closers, pool.Close)
	}

	var loader memory.ContentLoader = memory.NewStaticContentLoader(sampleContents())
	if pool != nil {
		loader = postgres.NewContentLoader(pool)
	}
	contentTTL := config.TTLDuration(cfg.Content.TTL, 10*time.Minute)
	if redisClient != nil {
		svc.contents = redisstore.NewContentRepository(redisClient, loader, contentTTL)
		svc.store = redisstore.NewDocumentStore(redisClient, redisTTL)
	} else {
		svc.contents = memory.NewContentRepository(loader, contentTTL)
		svc.store = memory.NewDocumentStore()
	}

	switch driver := cfg.ProgressionDriver(); driver {
	case config.DriverMemory:
		svc.profiles = memory.NewProgressionStore()
	case config.DriverSQLite:
		path := cfg.Progression.SQLitePath
		if path == "" {
			path = "progression.db"
		}
		store, err := sqlite.Open(path)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.closers = append(svc.closers, func() { _ = store.Close() })
		svc.profiles = store
	case config.DriverPostgres:
		if pool == nil {
			svc.Close()
			return nil, fmt.Errorf("progression driver postgres requires postgres.url")
		}
		svc.profiles = postgres.NewProgressionStore(pool)
	default:
		svc.Close()
		return nil, fmt.Errorf("unknown progression driver %q", driver)
	}

	svc.progression = app.NewProgressionService(svc.store, svc.profiles, svc.roller)
	return svc, nil
}

func rewardPolicy(cfg config.Config) app.RewardPolicy {
	def := app.DefaultRewardPolicy()
	return app.RewardPolicy{
		ParticipationXP:   config.IntOr(cfg.Rewards.ParticipationXP, def.ParticipationXP),
		XPPerCorrect:      config.IntOr(cfg.Rewards.XPPerCorrect, def.XPPerCorrect),
		VictoryBonusXP:    config.IntOr(cfg.Rewards.VictoryBonusXP, def.VictoryBonusXP),
		DuelWinnerBonusXP: config.IntOr(cfg.Rewards.DuelWinnerBonusXP, def.DuelWinnerBonusXP),
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	rewards := app.NewRewardApplier(svc.profiles, svc.progression, svc.roller, rewardPolicy(cfg))
	coordinator := app.NewCoordinator(svc.store, svc.contents, rewards,
		app.WithMinRoundDuration(config.TTLDuration(cfg.Battle.MinRoundDuration, 0)),
		app.WithAutoClose(cfg.Battle.AutoClose),
	)
	defer coordinator.Close()
	answers := app.NewResponseClient(svc.store, svc.contents, config.TTLDuration(cfg.Battle.AnswerGrace, 2*time.Second))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	transport.NewControllerHandler(coordinator, svc.progression).Register(mux)
	mux.HandleFunc("/ws", transport.NewWSHandler(coordinator, answers, svc.contents).ServeWS)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: websocket connections are long lived
	}

	go func() {
		log.Printf("starting battle service on :%s (progression: %s)", finalPort, cfg.ProgressionDriver())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleContents is served when no postgres content table is configured.
func sampleContents() map[string]domain.Content {
	return map[string]domain.Content{
		"boss-arithmetic": {
			ID:     "boss-arithmetic",
			Title:  "The Arithmetic Ogre",
			Mode:   domain.ModeBoss,
			BossHP: 20,
			Questions: []domain.Question{
				{ID: "q1", Prompt: "What is 2 + 2?", Choices: []string{"3", "4", "5"}, CorrectIndex: 1, Damage: 2, TimeLimitSeconds: 30},
				{ID: "q2", Prompt: "What is 6 x 7?", Choices: []string{"42", "36", "48"}, CorrectIndex: 0, Damage: 3, TimeLimitSeconds: 30},
				{ID: "q3", Prompt: "What is 81 / 9?", Choices: []string{"8", "7", "9"}, CorrectIndex: 2, Damage: 5, TimeLimitSeconds: 45},
			},
		},
		"duel-vocab": {
			ID:    "duel-vocab",
			Title: "Vocabulary Duel",
			Mode:  domain.ModeDuel,
			Questions: []domain.Question{
				{ID: "v1", Prompt: "Opposite of ancient?", Choices: []string{"modern", "old"}, CorrectIndex: 0},
				{ID: "v2", Prompt: "Synonym of rapid?", Choices: []string{"slow", "quick"}, CorrectIndex: 1},
			},
		},
	}
}
