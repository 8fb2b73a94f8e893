package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"classroom-battle-service/internal/app"
	"classroom-battle-service/internal/domain"
	"classroom-battle-service/internal/infra/postgres"
	pgmigrations "classroom-battle-service/internal/infra/postgres/migrations"
	infraredis "classroom-battle-service/internal/infra/redis"
	"classroom-battle-service/internal/progression"
	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

func TestBattleEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	seedContent(t, ctx, pgURL, sampleContent())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	contents := infraredis.NewContentRepository(redisClient, postgres.NewContentLoader(pool), 5*time.Minute)
	store := infraredis.NewDocumentStore(redisClient, 5*time.Minute)
	profiles := postgres.NewProgressionStore(pool)
	roller := progression.NewRandRoller(42)
	progressionSvc := app.NewProgressionService(store, profiles, roller)
	rewards := app.NewRewardApplier(profiles, progressionSvc, roller, app.DefaultRewardPolicy())
	coordinator := app.NewCoordinator(store, contents, rewards)
	defer coordinator.Close()
	answers := app.NewResponseClient(store, contents, time.Second)

	for _, id := range []string{"alice", "bob"} {
		if _, err := progressionSvc.Enroll(ctx, id, domain.ClassGuardian); err != nil {
			t.Fatalf("enroll %s: %v", id, err)
		}
	}

	session, err := coordinator.Arm(ctx, "teacher-1", "boss-1")
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if _, err := coordinator.Arm(ctx, "teacher-1", "boss-1"); !errors.Is(err, domain.ErrAlreadyActive) {
		t.Fatalf("expected already active, got %v", err)
	}

	updates, cancel, err := coordinator.Watch(ctx, session.ID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()
	select {
	case s := <-updates:
		if s.Status != domain.StatusArmed {
			t.Fatalf("expected armed view, got %s", s.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no initial watch value")
	}

	content := sampleContent()
	for round, q := range content.Questions {
		if round == 0 {
			if _, err := coordinator.OpenRound(ctx, session.ID); err != nil {
				t.Fatalf("open: %v", err)
			}
		}
		submit(t, answers, session.ID, "alice", round, q.CorrectIndex)
		submit(t, answers, session.ID, "bob", round, (q.CorrectIndex+1)%len(q.Choices))

		result, err := coordinator.CloseRound(ctx, session.ID)
		if err != nil {
			t.Fatalf("close round %d: %v", round, err)
		}
		if result.ResponseCount != 2 || result.CorrectCount != 1 {
			t.Fatalf("round %d: unexpected result %+v", round, result)
		}
		if _, err := coordinator.CloseRound(ctx, session.ID); err != nil {
			t.Fatalf("duplicate close round %d: %v", round, err)
		}
		outcome, err := coordinator.Advance(ctx, session.ID)
		if err != nil {
			t.Fatalf("advance round %d: %v", round, err)
		}
		if outcome.Ended != (round == len(content.Questions)-1) {
			t.Fatalf("round %d: unexpected outcome %+v", round, outcome)
		}
	}

	if _, err := coordinator.Advance(ctx, session.ID); err != nil {
		t.Fatalf("duplicate final advance: %v", err)
	}

	ended, err := coordinator.Session(ctx, session.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if ended.CumulativeResult != 5 || !ended.RewardsApplied {
		t.Fatalf("unexpected final session %+v", ended)
	}

	policy := app.DefaultRewardPolicy()
	alice, err := progressionSvc.Profile(ctx, "alice")
	if err != nil {
		t.Fatalf("alice profile: %v", err)
	}
	if want := policy.ParticipationXP + 2*policy.XPPerCorrect + policy.VictoryBonusXP; alice.Experience != want {
		t.Fatalf("alice xp: got %d, want %d", alice.Experience, want)
	}
	bob, _ := progressionSvc.Profile(ctx, "bob")
	if want := policy.ParticipationXP + policy.VictoryBonusXP; bob.Experience != want {
		t.Fatalf("bob xp: got %d, want %d", bob.Experience, want)
	}

	if err := coordinator.Purge(ctx, session.ID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := coordinator.Session(ctx, session.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after purge, got %v", err)
	}
}

func submit(t *testing.T, answers *app.ResponseClient, sessionID, studentID string, round, choice int) {
	t.Helper()
	receipt, err := answers.SubmitAnswer(context.Background(), sessionID, studentID, round, choice)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !receipt.Accepted {
		t.Fatalf("answer from %s rejected: %s", studentID, receipt.Reason)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "battle", "POSTGRES_PASSWORD": "battlepass", "POSTGRES_DB": "battledb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://battle:battlepass@%s:%s/battledb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func seedContent(t *testing.T, ctx context.Context, dsn string, content domain.Content) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	data, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO battle_contents (id, data) VALUES (? , ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, content.ID, string(data)); err != nil {
		t.Fatalf("insert content: %v", err)
	}
}

func sampleContent() domain.Content {
	return domain.Content{
		ID:     "boss-1",
		Title:  "Arithmetic Ogre",
		Mode:   domain.ModeBoss,
		BossHP: 5,
		Questions: []domain.Question{
			{ID: "q1", Prompt: "What is 2 + 2?", Choices: []string{"3", "4", "5"}, CorrectIndex: 1, Damage: 2},
			{ID: "q2", Prompt: "What is 6 x 7?", Choices: []string{"42", "36"}, CorrectIndex: 0, Damage: 3},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
