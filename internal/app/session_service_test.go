package app_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"quizchain-service/internal/app"
	"quizchain-service/internal/domain"
	"quizchain-service/internal/infra/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const host = "0xhost"

// stubGenerator returns quiz items whose correct answers cycle A, B, C, D and
// fact-check items whose truth alternates.
type stubGenerator struct {
	err   error
	empty bool
	calls int
}

func (g *stubGenerator) Generate(_ context.Context, req domain.GenerateRequest) (domain.GeneratedContent, error) {
	g.calls++
	if g.err != nil {
		return domain.GeneratedContent{}, g.err
	}
	if g.empty {
		return domain.GeneratedContent{Title: "empty"}, nil
	}
	items := make([]domain.Item, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		switch req.Kind {
		case domain.KindQuiz:
			items = append(items, domain.Item{Kind: req.Kind, MultipleChoice: &domain.MultipleChoice{
				Question: fmt.Sprintf("question %d", i),
				Options:  [4]string{"w", "x", "y", "z"},
				Correct:  domain.OptionLabels[i%4],
			}})
		case domain.KindFactCheck:
			items = append(items, domain.Item{Kind: req.Kind, TrueFalse: &domain.TrueFalse{
				Statement: fmt.Sprintf("statement %d", i),
				Truth:     i%2 == 0,
			}})
		}
	}
	return domain.GeneratedContent{Title: "Generated", Items: items}, nil
}

type fixture struct {
	svc   *app.SessionService
	store *memory.SessionStore
	cache *memory.Cache
	gen   *stubGenerator
}

func newFixture(opts app.Options) fixture {
	f := fixture{store: memory.NewSessionStore(), cache: memory.NewCache(), gen: &stubGenerator{}}
	f.svc = app.NewSessionService(f.store, f.cache, f.gen, opts)
	return f
}

func (f fixture) openSession(t *testing.T, kind domain.SessionKind, items, capacity int, rate string) domain.Session {
	t.Helper()
	ctx := context.Background()
	session, err := f.svc.CreateSession(ctx, app.CreateRequest{
		Kind:       kind,
		Source:     domain.ContentSource{Type: domain.SourcePrompt, Prompt: "history"},
		ItemCount:  items,
		Capacity:   capacity,
		RewardRate: decimal.RequireFromString(rate),
		Creator:    "0xHOST",
	})
	require.NoError(t, err)
	_, err = f.svc.OpenSession(ctx, session.Code, host)
	require.NoError(t, err)
	return session
}

func TestCapacityTwoSettlesByScore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(app.Options{})
	session := f.openSession(t, domain.KindQuiz, 3, 2, "10")

	_, err := f.svc.JoinSession(ctx, session.Code, "0xA", "A")
	require.NoError(t, err)
	_, err = f.svc.JoinSession(ctx, session.Code, "0xB", "B")
	require.NoError(t, err)
	_, err = f.svc.JoinSession(ctx, session.Code, "0xC", "C")
	require.ErrorIs(t, err, domain.ErrCapacityReached)
	assert.Equal(t, domain.KindCapacityReached, domain.KindOf(err))

	// A gets the first two right, B answers nothing correctly.
	for i, item := range session.Items[:2] {
		res, err := f.svc.SubmitAnswer(ctx, session.Code, "0xa", item.ID, item.CorrectAnswer())
		require.NoError(t, err)
		assert.True(t, res.Correct)
		assert.Equal(t, i+1, res.Score)
	}
	res, err := f.svc.SubmitAnswer(ctx, session.Code, "0xb", session.Items[0].ID, "D")
	require.NoError(t, err)
	assert.False(t, res.Correct)
	assert.Equal(t, "A", res.CorrectAnswer)

	completion, err := f.svc.CompleteSession(ctx, session.Code, "0xa")
	require.NoError(t, err)
	assert.Equal(t, 2, completion.Score)
	assert.Equal(t, "20", completion.Reward.String())

	payout, err := f.svc.CloseSession(ctx, session.Code, host)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa", "0xb"}, payout.Participants)
	require.Len(t, payout.Rewards, 2)
	assert.Equal(t, "20", payout.Rewards[0].String())
	assert.Equal(t, "0", payout.Rewards[1].String())

	_, err = f.svc.JoinSession(ctx, session.Code, "0xD", "D")
	require.ErrorIs(t, err, domain.ErrSessionFinished)
	_, err = f.svc.SubmitAnswer(ctx, session.Code, "0xb", session.Items[1].ID, "B")
	require.ErrorIs(t, err, domain.ErrSessionFinished)

	again, err := f.svc.CloseSession(ctx, session.Code, host)
	require.NoError(t, err)
	assert.Equal(t, payout.Participants, again.Participants)
}

func TestJoinRequiresOpenSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(app.Options{})
	session, err := f.svc.CreateSession(ctx, app.CreateRequest{
		Kind:       domain.KindFactCheck,
		Source:     domain.ContentSource{Type: domain.SourcePrompt, Prompt: "oceans"},
		ItemCount:  2,
		Capacity:   4,
		RewardRate: decimal.NewFromInt(1),
		Creator:    host,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, session.Status())

	_, err = f.svc.JoinSession(ctx, session.Code, "0xA", "A")
	require.ErrorIs(t, err, domain.ErrSessionNotOpen)

	_, err = f.svc.OpenSession(ctx, session.Code, "0xintruder")
	require.ErrorIs(t, err, domain.ErrNotCreator)

	_, err = f.svc.JoinSession(ctx, "NOPE1", "0xA", "A")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(app.Options{})
	session := f.openSession(t, domain.KindQuiz, 1, 5, "1")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
		full   int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.JoinSession(ctx, session.Code, fmt.Sprintf("0x%02d", i), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case errors.Is(err, domain.ErrCapacityReached):
				full++
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, joined)
	assert.Equal(t, 35, full)
	got, err := f.svc.GetSession(ctx, session.Code)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ParticipantCount)
}

func TestAnswerOncePerItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(app.Options{})
	session := f.openSession(t, domain.KindFactCheck, 2, 1, "3")
	_, err := f.svc.JoinSession(ctx, session.Code, "0xA", "A")
	require.NoError(t, err)

	item := session.Items[0]
	_, err = f.svc.SubmitAnswer(ctx, session.Code, "0xa", item.ID, "true")
	require.NoError(t, err)
	_, err = f.svc.SubmitAnswer(ctx, session.Code, "0xa", item.ID, "true")
	require.ErrorIs(t, err, domain.ErrAlreadyAnswered)

	_, err = f.svc.SubmitAnswer(ctx, session.Code, "0xa", "missing", "true")
	require.ErrorIs(t, err, domain.ErrItemNotFound)
	_, err = f.svc.SubmitAnswer(ctx, session.Code, "0xa", session.Items[1].ID, "maybe")
	require.ErrorIs(t, err, domain.ErrInvalidAnswer)
	_, err = f.svc.SubmitAnswer(ctx, session.Code, "0xstranger", item.ID, "true")
	require.ErrorIs(t, err, domain.ErrNotParticipant)

	res, err := f.svc.SubmitAnswer(ctx, session.Code, "0xa", session.Items[1].ID, domain.NoAnswer)
	require.NoError(t, err)
	assert.False(t, res.Correct)
	assert.Equal(t, 1, res.Score)
	_, err = f.svc.SubmitAnswer(ctx, session.Code, "0xa", session.Items[1].ID, "false")
	require.ErrorIs(t, err, domain.ErrAlreadyAnswered, "an expired item stays answered")
}

func TestCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(app.Options{})
	session := f.openSession(t, domain.KindQuiz, 2, 2, "2.5")
	_, err := f.svc.JoinSession(ctx, session.Code, "0xA", "A")
	require.NoError(t, err)
	_, err = f.svc.SubmitAnswer(ctx, session.Code, "0xa", session.Items[0].ID, "0")
	require.NoError(t, err)

	first, err := f.svc.CompleteSession(ctx, session.Code, "0xa")
	require.NoError(t, err)
	assert.Equal(t, "2.5", first.Reward.String())

	second, err := f.svc.CompleteSession(ctx, session.Code, "0xa")
	require.ErrorIs(t, err, domain.ErrAlreadyCompleted)
	assert.Equal(t, first.Score, second.Score)
	assert.True(t, first.Reward.Equal(second.Reward))

	_, err = f.svc.SubmitAnswer(ctx, session.Code, "0xa", session.Items[1].ID, "B")
	require.ErrorIs(t, err, domain.ErrAlreadyCompleted)
}

func TestMutationsInvalidateCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(app.Options{})
	session := f.openSession(t, domain.KindQuiz, 1, 3, "1")

	_, err := f.svc.GetSession(ctx, session.Code)
	require.NoError(t, err)
	_, err = f.svc.GetLeaderboard(ctx, session.Code, app.SortByScore)
	require.NoError(t, err)
	cached, _ := f.cache.Has(ctx, "session:"+session.Code)
	require.True(t, cached)

	_, err = f.svc.JoinSession(ctx, session.Code, "0xA", "A")
	require.NoError(t, err)
	cached, _ = f.cache.Has(ctx, "session:"+session.Code)
	assert.False(t, cached)
	cached, _ = f.cache.Has(ctx, "leaderboard:"+session.Code)
	assert.False(t, cached)

	got, err := f.svc.GetSession(ctx, session.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ParticipantCount)

	// A rejected mutation still invalidates.
	_, err = f.svc.GetSession(ctx, session.Code)
	require.NoError(t, err)
	_, err = f.svc.JoinSession(ctx, session.Code, "0xA", "A")
	require.ErrorIs(t, err, domain.ErrAlreadyJoined)
	cached, _ = f.cache.Has(ctx, "session:"+session.Code)
	assert.False(t, cached)
}

func TestUnknownCodesLeaveNoCacheState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(app.Options{})

	for i := 0; i < 200; i++ {
		_, err := f.svc.GetLeaderboard(ctx, fmt.Sprintf("nosuch%04d", i), app.SortByScore)
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
		_, _, err = f.svc.Subscribe(ctx, fmt.Sprintf("gone%04d", i))
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
		_, err = f.svc.JoinSession(ctx, fmt.Sprintf("void%04d", i), "0xA", "A")
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
	}
	for _, code := range []string{"", "ab", "UPPER", "has space", "../etc/passwd", strings.Repeat("x", 64)} {
		_, err := f.svc.GetSession(ctx, code)
		require.ErrorIs(t, err, domain.ErrSessionNotFound, code)
	}
	assert.Zero(t, f.svc.VersionEntries())

	session := f.openSession(t, domain.KindQuiz, 1, 1, "1")
	assert.Equal(t, 1, f.svc.VersionEntries())
	_, err := f.svc.GetLeaderboard(ctx, session.Code, app.SortByScore)
	require.NoError(t, err)
}

func TestCodeRetriesOnCollision(t *testing.T) {
	ctx := context.Background()
	codes := []string{"taken", "taken", "fresh"}
	var mu sync.Mutex
	f := newFixture(app.Options{NewCode: func(int) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return code, nil
	}})
	req := app.CreateRequest{
		Kind:       domain.KindQuiz,
		Source:     domain.ContentSource{Type: domain.SourcePrompt, Prompt: "maps"},
		ItemCount:  1,
		Capacity:   1,
		RewardRate: decimal.Zero,
		Creator:    host,
	}

	first, err := f.svc.CreateSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "taken", first.Code)
	second, err := f.svc.CreateSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "fresh", second.Code)

	_, err = f.svc.CreateSession(ctx, req)
	require.ErrorIs(t, err, domain.ErrCodeCollision)
}

func TestCreateValidationAndGenerationFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(app.Options{MaxItems: 10})
	base := app.CreateRequest{
		Kind:       domain.KindQuiz,
		Source:     domain.ContentSource{Type: domain.SourcePrompt, Prompt: "art"},
		ItemCount:  3,
		Capacity:   2,
		RewardRate: decimal.NewFromInt(1),
		Creator:    host,
	}

	bad := base
	bad.Capacity = 0
	_, err := f.svc.CreateSession(ctx, bad)
	require.ErrorIs(t, err, domain.ErrInvalidCapacity)

	bad = base
	bad.RewardRate = decimal.NewFromInt(-1)
	_, err = f.svc.CreateSession(ctx, bad)
	require.ErrorIs(t, err, domain.ErrInvalidRewardRate)

	bad = base
	bad.ItemCount = 11
	_, err = f.svc.CreateSession(ctx, bad)
	require.ErrorIs(t, err, domain.ErrInvalidItemCount)
	assert.Zero(t, f.gen.calls, "validation happens before generation")

	f.gen.err = errors.New("model overloaded")
	_, err = f.svc.CreateSession(ctx, base)
	require.ErrorIs(t, err, domain.ErrGenerationUnavailable)
	assert.Equal(t, domain.KindGenerationUnavailable, domain.KindOf(err))

	f.gen.err = nil
	f.gen.empty = true
	_, err = f.svc.CreateSession(ctx, base)
	require.ErrorIs(t, err, domain.ErrGenerationUnavailable)

	sessions, err := f.svc.ListSessions(ctx, domain.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions, "failed creations leave nothing behind")
}

func TestSessionViewHidesAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(app.Options{})
	session := f.openSession(t, domain.KindQuiz, 1, 2, "1")
	_, err := f.svc.JoinSession(ctx, session.Code, "0xA", "A")
	require.NoError(t, err)

	view, err := f.svc.GetSessionView(ctx, session.Code, "0xa")
	require.NoError(t, err)
	assert.True(t, view.AlreadyJoined)
	assert.False(t, view.RevealAnswers)

	view, err = f.svc.GetSessionView(ctx, session.Code, "0xHOST")
	require.NoError(t, err)
	assert.False(t, view.AlreadyJoined)
	assert.True(t, view.RevealAnswers)

	_, err = f.svc.CloseSession(ctx, session.Code, host)
	require.NoError(t, err)
	view, err = f.svc.GetSessionView(ctx, session.Code, "")
	require.NoError(t, err)
	assert.True(t, view.RevealAnswers)
}

func TestLeaderboardOrdering(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	f := newFixture(app.Options{Now: clock})
	session := f.openSession(t, domain.KindQuiz, 2, 3, "1")
	for _, p := range []struct{ addr, name string }{{"0xc", "carol"}, {"0xa", "alice"}, {"0xb", "bob"}} {
		_, err := f.svc.JoinSession(ctx, session.Code, p.addr, p.name)
		require.NoError(t, err)
	}
	_, err := f.svc.SubmitAnswer(ctx, session.Code, "0xb", session.Items[0].ID, "A")
	require.NoError(t, err)

	lb, err := f.svc.GetLeaderboard(ctx, session.Code, app.SortByScore)
	require.NoError(t, err)
	require.Len(t, lb.Entries, 3)
	assert.Equal(t, []string{"bob", "carol", "alice"}, names(lb.Entries))
	assert.Equal(t, 3, lb.Session.ParticipantCount)

	lb, err = f.svc.GetLeaderboard(ctx, session.Code, app.SortByName)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, names(lb.Entries))
}

func names(entries []domain.LeaderboardEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.DisplayName
	}
	return out
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(app.Options{})
	session := f.openSession(t, domain.KindQuiz, 1, 2, "1")

	ch, cancel, err := f.svc.Subscribe(ctx, session.Code)
	require.NoError(t, err)
	defer cancel()

	initial := <-ch
	assert.Empty(t, initial.Entries)

	_, err = f.svc.JoinSession(ctx, session.Code, "0xA", "alice")
	require.NoError(t, err)
	select {
	case update := <-ch:
		require.Len(t, update.Entries, 1)
		assert.Equal(t, "alice", update.Entries[0].DisplayName)
	case <-time.After(time.Second):
		t.Fatal("no leaderboard update after join")
	}

	_, err = f.svc.SubmitAnswer(ctx, session.Code, "0xa", session.Items[0].ID, "A")
	require.NoError(t, err)
	select {
	case update := <-ch:
		assert.Equal(t, 1, update.Entries[0].Score)
	case <-time.After(time.Second):
		t.Fatal("no leaderboard update after answer")
	}
}

func TestBindLedgerReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(app.Options{})
	session := f.openSession(t, domain.KindQuiz, 1, 2, "1")

	_, err := f.svc.BindLedgerReference(ctx, session.Code, "0xother", 7)
	require.ErrorIs(t, err, domain.ErrNotCreator)

	bound, err := f.svc.BindLedgerReference(ctx, session.Code, host, 42)
	require.NoError(t, err)
	require.NotNil(t, bound.LedgerGameID)
	assert.Equal(t, int64(42), *bound.LedgerGameID)

	payout, err := f.svc.CloseSession(ctx, session.Code, host)
	require.NoError(t, err)
	require.NotNil(t, payout.LedgerGameID)
	assert.Equal(t, int64(42), *payout.LedgerGameID)
}

// Whatever order answers arrive in, the score is the number of items whose
// first answer was correct.
func TestScoreCountsFirstAnswerPerItem(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		f := newFixture(app.Options{})
		n := rapid.IntRange(1, 6).Draw(rt, "items")
		session, err := f.svc.CreateSession(ctx, app.CreateRequest{
			Kind:       domain.KindQuiz,
			Source:     domain.ContentSource{Type: domain.SourcePrompt, Prompt: "p"},
			ItemCount:  n,
			Capacity:   1,
			RewardRate: decimal.NewFromInt(1),
			Creator:    host,
		})
		if err != nil {
			rt.Fatalf("create: %v", err)
		}
		if _, err := f.svc.OpenSession(ctx, session.Code, host); err != nil {
			rt.Fatalf("open: %v", err)
		}
		if _, err := f.svc.JoinSession(ctx, session.Code, "0xp", "p"); err != nil {
			rt.Fatalf("join: %v", err)
		}

		first := map[string]bool{}
		submissions := rapid.SliceOfN(rapid.IntRange(0, n-1), 0, 20).Draw(rt, "order")
		for _, idx := range submissions {
			item := session.Items[idx]
			answer := rapid.SampledFrom([]string{"A", "B", "C", "D", domain.NoAnswer}).Draw(rt, "answer")
			_, err := f.svc.SubmitAnswer(ctx, session.Code, "0xp", item.ID, answer)
			if _, seen := first[item.ID]; seen {
				if !errors.Is(err, domain.ErrAlreadyAnswered) {
					rt.Fatalf("repeat answer accepted: %v", err)
				}
				continue
			}
			if err != nil {
				rt.Fatalf("submit: %v", err)
			}
			first[item.ID] = answer == item.CorrectAnswer()
		}

		want := 0
		for _, ok := range first {
			if ok {
				want++
			}
		}
		done, err := f.svc.CompleteSession(ctx, session.Code, "0xp")
		if err != nil {
			rt.Fatalf("complete: %v", err)
		}
		if done.Score != want {
			rt.Fatalf("score %d, want %d", done.Score, want)
		}
	})
}
