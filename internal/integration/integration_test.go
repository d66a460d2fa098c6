package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quizchain-service/internal/app"
	"quizchain-service/internal/breaker"
	"quizchain-service/internal/content"
	"quizchain-service/internal/domain"
	pgstore "quizchain-service/internal/infra/postgres"
	pgmigrations "quizchain-service/internal/infra/postgres/migrations"
	infraredis "quizchain-service/internal/infra/redis"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

const host = "0xhost"

type env struct {
	svc   *app.SessionService
	redis *goredis.Client
}

func setup(t *testing.T) env {
	t.Helper()
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	t.Cleanup(pgCleanup)
	redisURL, redisCleanup := startRedis(t, ctx)
	t.Cleanup(redisCleanup)

	migrateSchema(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	require.NoError(t, err, "connect pg")
	t.Cleanup(pool.Close)

	redisClient, err := redisClientFromURL(redisURL)
	require.NoError(t, err, "redis client")
	t.Cleanup(func() { _ = redisClient.Close() })

	pipeline := content.NewPipeline(
		content.Collaborators{Generator: content.NewStaticGenerator()},
		breaker.NewRegistry(breaker.DefaultConfigs()),
		0,
	)
	svc := app.NewSessionService(
		pgstore.NewSessionStore(pool),
		infraredis.NewCache(redisClient, "quizchain:"),
		pipeline,
		app.Options{},
	)
	return env{svc: svc, redis: redisClient}
}

func (e env) openSession(t *testing.T, items, capacity int, rate string) domain.Session {
	t.Helper()
	ctx := context.Background()
	session, err := e.svc.CreateSession(ctx, app.CreateRequest{
		Kind:       domain.KindQuiz,
		Source:     domain.ContentSource{Type: domain.SourcePrompt, Prompt: "volcanoes magma eruptions tectonic plates"},
		ItemCount:  items,
		Capacity:   capacity,
		RewardRate: decimal.RequireFromString(rate),
		Creator:    host,
	})
	require.NoError(t, err)
	_, err = e.svc.OpenSession(ctx, session.Code, host)
	require.NoError(t, err)
	return session
}

func TestSessionLifecycleEndToEnd(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	session := e.openSession(t, 3, 2, "10")

	_, err := e.svc.JoinSession(ctx, session.Code, "0xA", "A")
	require.NoError(t, err)
	_, err = e.svc.JoinSession(ctx, session.Code, "0xB", "B")
	require.NoError(t, err)
	_, err = e.svc.JoinSession(ctx, session.Code, "0xC", "C")
	require.ErrorIs(t, err, domain.ErrCapacityReached)
	_, err = e.svc.JoinSession(ctx, session.Code, "0xA", "A")
	require.ErrorIs(t, err, domain.ErrAlreadyJoined)

	for _, item := range session.Items[:2] {
		res, err := e.svc.SubmitAnswer(ctx, session.Code, "0xa", item.ID, item.CorrectAnswer())
		require.NoError(t, err)
		assert.True(t, res.Correct)
	}
	_, err = e.svc.SubmitAnswer(ctx, session.Code, "0xa", session.Items[0].ID, session.Items[0].CorrectAnswer())
	require.ErrorIs(t, err, domain.ErrAlreadyAnswered)
	_, err = e.svc.SubmitAnswer(ctx, session.Code, "0xb", session.Items[0].ID, domain.NoAnswer)
	require.NoError(t, err)

	// Leaderboard is read through redis and must reflect the writes above.
	lb, err := e.svc.GetLeaderboard(ctx, session.Code, app.SortByScore)
	require.NoError(t, err)
	require.Len(t, lb.Entries, 2)
	assert.Equal(t, "0xa", lb.Entries[0].Address)
	assert.Equal(t, 2, lb.Entries[0].Score)
	keys, err := e.redis.Keys(ctx, "quizchain:*").Result()
	require.NoError(t, err)
	assert.NotEmpty(t, keys)

	completion, err := e.svc.CompleteSession(ctx, session.Code, "0xa")
	require.NoError(t, err)
	assert.Equal(t, "20", completion.Reward.String())
	_, err = e.svc.CompleteSession(ctx, session.Code, "0xa")
	require.ErrorIs(t, err, domain.ErrAlreadyCompleted)

	_, err = e.svc.BindLedgerReference(ctx, session.Code, host, 42)
	require.NoError(t, err)

	payout, err := e.svc.CloseSession(ctx, session.Code, host)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa", "0xb"}, payout.Participants)
	require.Len(t, payout.Rewards, 2)
	assert.Equal(t, "20", payout.Rewards[0].String())
	assert.Equal(t, "0", payout.Rewards[1].String())
	require.NotNil(t, payout.LedgerGameID)
	assert.Equal(t, int64(42), *payout.LedgerGameID)

	_, err = e.svc.JoinSession(ctx, session.Code, "0xD", "D")
	require.ErrorIs(t, err, domain.ErrSessionFinished)

	got, err := e.svc.GetSession(ctx, session.Code)
	require.NoError(t, err)
	assert.True(t, got.Finished)
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	const capacity = 4
	session := e.openSession(t, 2, capacity, "1")

	var (
		wg       sync.WaitGroup
		joined   atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.svc.JoinSession(ctx, session.Code, fmt.Sprintf("0x%02x", i), "")
			switch {
			case err == nil:
				joined.Add(1)
			case domain.KindOf(err) == domain.KindCapacityReached:
				rejected.Add(1)
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(capacity), joined.Load())
	assert.Equal(t, int32(25-capacity), rejected.Load())
	lb, err := e.svc.GetLeaderboard(ctx, session.Code, app.SortByScore)
	require.NoError(t, err)
	assert.Len(t, lb.Entries, capacity)
}

func TestConcurrentAnswersRecordOnce(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	session := e.openSession(t, 1, 1, "5")
	_, err := e.svc.JoinSession(ctx, session.Code, "0xA", "A")
	require.NoError(t, err)

	item := session.Items[0]
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.SubmitAnswer(ctx, session.Code, "0xa", item.ID, item.CorrectAnswer())
			if err == nil {
				accepted.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrAlreadyAnswered)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())

	completion, err := e.svc.CompleteSession(ctx, session.Code, "0xa")
	require.NoError(t, err)
	assert.Equal(t, 1, completion.Score)
	assert.Equal(t, "5", completion.Reward.String())
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
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
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
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

func migrateSchema(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	require.NoError(t, migrator.Init(ctx), "migrator init")
	_, err := migrator.Migrate(ctx)
	require.NoError(t, err, "migrate")
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
