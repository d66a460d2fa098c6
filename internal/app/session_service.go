package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quizchain-service/internal/domain"
	"quizchain-service/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSessionTTL     = 5 * time.Minute
	DefaultLeaderboardTTL = time.Minute
	DefaultMaxItems       = 30
	DefaultCodeAttempts   = 5
)

// Options tunes a SessionService. Zero values fall back to defaults.
type Options struct {
	SessionTTL     time.Duration
	LeaderboardTTL time.Duration
	MaxItems       int
	CodeLength     int
	CodeAttempts   int
	Now            func() time.Time
	NewCode        func(length int) (string, error)
	NewItemID      func() string
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.LeaderboardTTL <= 0 {
		o.LeaderboardTTL = DefaultLeaderboardTTL
	}
	if o.MaxItems <= 0 || o.MaxItems > DefaultMaxItems {
		o.MaxItems = DefaultMaxItems
	}
	if o.CodeLength == 0 {
		o.CodeLength = domain.DefaultCodeLength
	}
	if o.CodeAttempts <= 0 {
		o.CodeAttempts = DefaultCodeAttempts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewCode == nil {
		o.NewCode = domain.NewCode
	}
	if o.NewItemID == nil {
		o.NewItemID = uuid.NewString
	}
	return o
}

// LeaderboardSort orders leaderboard entries.
type LeaderboardSort string

const (
	SortByScore LeaderboardSort = "score"
	SortByName  LeaderboardSort = "name"
)

// CreateRequest carries everything needed to create a session.
type CreateRequest struct {
	Kind        domain.SessionKind
	Source      domain.ContentSource
	ItemCount   int
	Capacity    int
	RewardRate  decimal.Decimal
	Title       string
	Description string
	Creator     string
	CreatorName string
}

// SessionView is a session as seen by one viewer.
type SessionView struct {
	Session       domain.Session
	AlreadyJoined bool
	RevealAnswers bool
}

// SessionService implements the session lifecycle: creation, opening, joining,
// answering, completion, settlement and leaderboards.
type SessionService struct {
	store     SessionStore
	cache     Cache
	generator ItemGenerator
	hub       *Hub
	opts      Options

	sf       singleflight.Group
	versions sync.Map // code -> *atomic.Uint64
}

func NewSessionService(store SessionStore, cache Cache, generator ItemGenerator, opts Options) *SessionService {
	return &SessionService{
		store:     store,
		cache:     cache,
		generator: generator,
		hub:       NewHub(),
		opts:      opts.withDefaults(),
	}
}

// CreateSession generates items and stores a new draft session.
func (s *SessionService) CreateSession(ctx context.Context, req CreateRequest) (domain.Session, error) {
	creator, err := domain.NormalizeAddress(req.Creator)
	if err != nil {
		return domain.Session{}, err
	}
	switch {
	case !req.Kind.Valid():
		return domain.Session{}, domain.ErrInvalidKind
	case req.Capacity < 1:
		return domain.Session{}, domain.ErrInvalidCapacity
	case req.RewardRate.IsNegative():
		return domain.Session{}, domain.ErrInvalidRewardRate
	case req.ItemCount < 1 || req.ItemCount > s.opts.MaxItems:
		return domain.Session{}, domain.ErrInvalidItemCount
	}

	content, err := s.generator.Generate(ctx, domain.GenerateRequest{
		Kind:   req.Kind,
		Source: req.Source,
		Count:  req.ItemCount,
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindValidation || errors.Is(err, domain.ErrGenerationUnavailable) {
			return domain.Session{}, err
		}
		log.Warn().Err(err).Str("creator", creator).Msg("item generation failed")
		return domain.Session{}, fmt.Errorf("%w: %v", domain.ErrGenerationUnavailable, err)
	}

	items, err := s.prepareItems(req.Kind, content.Items, req.ItemCount)
	if err != nil {
		return domain.Session{}, err
	}

	now := s.opts.Now()
	session := domain.Session{
		Kind:        req.Kind,
		Title:       firstNonEmpty(req.Title, content.Title, defaultTitle(req.Kind)),
		Description: firstNonEmpty(req.Description, content.Description),
		Items:       items,
		Capacity:    req.Capacity,
		RewardRate:  req.RewardRate,
		Creator:     creator,
		CreatorName: strings.TrimSpace(req.CreatorName),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for attempt := 1; attempt <= s.opts.CodeAttempts; attempt++ {
		code, err := s.opts.NewCode(s.opts.CodeLength)
		if err != nil {
			return domain.Session{}, fmt.Errorf("generate code: %w", err)
		}
		session.Code = code
		err = s.store.CreateSession(ctx, session)
		if errors.Is(err, domain.ErrCodeTaken) {
			log.Debug().Str("session", code).Int("attempt", attempt).Msg("session code taken, retrying")
			continue
		}
		if err != nil {
			return domain.Session{}, fmt.Errorf("create session: %w", err)
		}
		log.Info().
			Str("session", code).
			Str("kind", string(session.Kind)).
			Str("creator", creator).
			Int("items", len(items)).
			Int("capacity", session.Capacity).
			Msg("session created")
		return session, nil
	}
	return domain.Session{}, domain.ErrCodeCollision
}

func (s *SessionService) prepareItems(kind domain.SessionKind, generated []domain.Item, count int) ([]domain.Item, error) {
	if len(generated) > count {
		generated = generated[:count]
	}
	if len(generated) == 0 {
		return nil, fmt.Errorf("%w: generator returned no items", domain.ErrGenerationUnavailable)
	}
	items := make([]domain.Item, 0, len(generated))
	for i, item := range generated {
		if item.Kind == "" {
			item.Kind = kind
		}
		if item.Kind != kind {
			return nil, fmt.Errorf("%w: item %d has kind %q", domain.ErrGenerationUnavailable, i, item.Kind)
		}
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", domain.ErrGenerationUnavailable, i, err)
		}
		item.ID = s.opts.NewItemID()
		items = append(items, item)
	}
	return items, nil
}

// OpenSession moves a draft session to active. Only the creator may open it.
func (s *SessionService) OpenSession(ctx context.Context, code, caller string) (_ domain.Session, err error) {
	if !domain.ValidCode(code) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	defer func() { s.invalidate(ctx, code, err) }()
	creator, err := domain.NormalizeAddress(caller)
	if err != nil {
		return domain.Session{}, err
	}
	session, err := s.store.OpenSession(ctx, code, creator)
	if err != nil {
		return domain.Session{}, err
	}
	log.Info().Str("session", code).Msg("session opened")
	s.publishAfter(ctx, code)
	return session, nil
}

// CloseSession finishes the session for good and returns the payout lists.
// Closing an already finished session returns the same payout.
func (s *SessionService) CloseSession(ctx context.Context, code, caller string) (_ domain.Payout, err error) {
	if !domain.ValidCode(code) {
		return domain.Payout{}, domain.ErrSessionNotFound
	}
	defer func() { s.invalidate(ctx, code, err) }()
	creator, err := domain.NormalizeAddress(caller)
	if err != nil {
		return domain.Payout{}, err
	}
	session, roster, err := s.store.FinishSession(ctx, code, creator, s.opts.Now())
	if err != nil {
		return domain.Payout{}, err
	}
	payout, err := domain.BuildPayout(session, roster)
	if err != nil {
		log.Error().Err(err).Str("session", code).Msg("payout inconsistent")
		return domain.Payout{}, err
	}
	metrics.SessionsClosed.Inc()
	log.Info().Str("session", code).Int("participants", len(payout.Participants)).Msg("session closed")
	s.publishAfter(ctx, code)
	return payout, nil
}

// BindLedgerReference records the external ledger game id of the session.
func (s *SessionService) BindLedgerReference(ctx context.Context, code, caller string, gameID int64) (_ domain.Session, err error) {
	if !domain.ValidCode(code) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	defer func() { s.invalidate(ctx, code, err) }()
	creator, err := domain.NormalizeAddress(caller)
	if err != nil {
		return domain.Session{}, err
	}
	if gameID < 0 {
		return domain.Session{}, domain.ErrInvalidLedgerID
	}
	session, err := s.store.BindLedger(ctx, code, creator, gameID)
	if err != nil {
		return domain.Session{}, err
	}
	log.Info().Str("session", code).Int64("ledger_game_id", gameID).Msg("ledger reference bound")
	s.publishAfter(ctx, code)
	return session, nil
}

// JoinSession admits address to the roster if the session is open and has room.
func (s *SessionService) JoinSession(ctx context.Context, code, address, displayName string) (_ domain.Participant, err error) {
	if !domain.ValidCode(code) {
		return domain.Participant{}, domain.ErrSessionNotFound
	}
	defer func() { s.invalidate(ctx, code, err) }()
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return domain.Participant{}, err
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = addr
	}
	joined, err := s.store.AddParticipant(ctx, domain.Participant{
		SessionCode: code,
		Address:     addr,
		DisplayName: name,
		JoinedAt:    s.opts.Now(),
	})
	if err != nil {
		metrics.JoinOutcomes.WithLabelValues(string(domain.KindOf(err))).Inc()
		log.Debug().Err(err).Str("session", code).Str("address", addr).Msg("join rejected")
		return domain.Participant{}, err
	}
	metrics.JoinOutcomes.WithLabelValues("joined").Inc()
	s.publishAfter(ctx, code)
	return joined, nil
}

// SubmitAnswer scores one answer for one item. Each item can be answered once.
func (s *SessionService) SubmitAnswer(ctx context.Context, code, address, itemID, answer string) (_ domain.AnswerResult, err error) {
	if !domain.ValidCode(code) {
		return domain.AnswerResult{}, domain.ErrSessionNotFound
	}
	defer func() { s.invalidate(ctx, code, err) }()
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	session, err := s.GetSession(ctx, code)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if session.Finished {
		return domain.AnswerResult{}, domain.ErrSessionFinished
	}
	participant, err := s.store.GetParticipant(ctx, code, addr)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if participant.Completed {
		return domain.AnswerResult{}, domain.ErrAlreadyCompleted
	}
	item, ok := session.Item(itemID)
	if !ok {
		return domain.AnswerResult{}, domain.ErrItemNotFound
	}
	normalized, err := domain.NormalizeAnswer(session.Kind, answer)
	if err != nil {
		return domain.AnswerResult{}, err
	}

	correct := item.IsCorrect(normalized)
	updated, err := s.store.RecordAnswer(ctx, domain.AnswerRecord{
		SessionCode: code,
		Address:     addr,
		ItemID:      item.ID,
		Answer:      normalized,
		Correct:     correct,
		AnsweredAt:  s.opts.Now(),
	})
	if err != nil {
		return domain.AnswerResult{}, err
	}
	metrics.AnswersSubmitted.WithLabelValues(fmt.Sprint(correct)).Inc()
	s.publishAfter(ctx, code)
	return domain.AnswerResult{
		Correct:       correct,
		Score:         updated.Score,
		CorrectAnswer: item.CorrectAnswer(),
	}, nil
}

// CompleteSession marks the participant done and fixes their reward. A repeat call
// returns the stored outcome together with domain.ErrAlreadyCompleted.
func (s *SessionService) CompleteSession(ctx context.Context, code, address string) (_ domain.Completion, err error) {
	if !domain.ValidCode(code) {
		return domain.Completion{}, domain.ErrSessionNotFound
	}
	defer func() { s.invalidate(ctx, code, err) }()
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return domain.Completion{}, err
	}
	p, err := s.store.CompleteParticipant(ctx, code, addr, s.opts.Now())
	if err != nil && !errors.Is(err, domain.ErrAlreadyCompleted) {
		return domain.Completion{}, err
	}
	completion := domain.Completion{Score: p.Score, Reward: decimal.Zero}
	if p.Reward != nil {
		completion.Reward = *p.Reward
	}
	if err != nil {
		return completion, err
	}
	log.Info().
		Str("session", code).
		Str("address", addr).
		Int("score", completion.Score).
		Str("reward", completion.Reward.String()).
		Msg("participant completed")
	s.publishAfter(ctx, code)
	return completion, nil
}

// GetSession returns the full session, read through the cache.
func (s *SessionService) GetSession(ctx context.Context, code string) (domain.Session, error) {
	if !domain.ValidCode(code) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return readThrough(ctx, s, "session", code, sessionKey(code), s.opts.SessionTTL, s.store.GetSession)
}

// GetSessionView returns the session plus what viewer is allowed to see.
func (s *SessionService) GetSessionView(ctx context.Context, code, viewer string) (SessionView, error) {
	session, err := s.GetSession(ctx, code)
	if err != nil {
		return SessionView{}, err
	}
	view := SessionView{Session: session, RevealAnswers: session.Finished}
	addr, err := domain.NormalizeAddress(viewer)
	if err != nil {
		return view, nil
	}
	if addr == session.Creator {
		view.RevealAnswers = true
	}
	switch _, err := s.store.GetParticipant(ctx, code, addr); {
	case err == nil:
		view.AlreadyJoined = true
	case !errors.Is(err, domain.ErrNotParticipant):
		return SessionView{}, err
	}
	return view, nil
}

// ListSessions returns session summaries, newest first.
func (s *SessionService) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.SessionSummary, error) {
	if filter.Creator != "" {
		creator, err := domain.NormalizeAddress(filter.Creator)
		if err != nil {
			return nil, err
		}
		filter.Creator = creator
	}
	sessions, err := s.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.Summary())
	}
	return out, nil
}

// GetLeaderboard returns the session summary and its participants ordered by score
// (descending) or by display name.
func (s *SessionService) GetLeaderboard(ctx context.Context, code string, sortBy LeaderboardSort) (domain.Leaderboard, error) {
	if !domain.ValidCode(code) {
		return domain.Leaderboard{}, domain.ErrSessionNotFound
	}
	lb, err := readThrough(ctx, s, "leaderboard", code, leaderboardKey(code), s.opts.LeaderboardTTL, s.buildLeaderboard)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	if sortBy == SortByName {
		entries := append([]domain.LeaderboardEntry(nil), lb.Entries...)
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].DisplayName != entries[j].DisplayName {
				return entries[i].DisplayName < entries[j].DisplayName
			}
			return entries[i].Address < entries[j].Address
		})
		lb.Entries = entries
	}
	return lb, nil
}

// Subscribe streams leaderboard snapshots of a session, starting with the current one.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *SessionService) Subscribe(ctx context.Context, code string) (<-chan domain.Leaderboard, func(), error) {
	lb, err := s.GetLeaderboard(ctx, code, SortByScore)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.hub.Subscribe(code, lb)
	return ch, cancel, nil
}

func (s *SessionService) buildLeaderboard(ctx context.Context, code string) (domain.Leaderboard, error) {
	session, err := s.store.GetSession(ctx, code)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	roster, err := s.store.ListParticipants(ctx, code)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	entries := make([]domain.LeaderboardEntry, 0, len(roster))
	for _, p := range roster {
		entries = append(entries, domain.LeaderboardEntry{
			Address:     p.Address,
			DisplayName: p.DisplayName,
			Score:       p.Score,
			Completed:   p.Completed,
			Reward:      p.Reward,
			JoinedAt:    p.JoinedAt,
		})
	}
	// Ties go to whoever joined first, then to the name.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		return entries[i].DisplayName < entries[j].DisplayName
	})
	return domain.Leaderboard{
		Session:   session.Summary(),
		Entries:   entries,
		UpdatedAt: s.opts.Now(),
	}, nil
}

// invalidate drops the cached session and leaderboard. It runs after every
// mutating call that reached the store, whatever its outcome. Calls rejected as
// malformed or not found touched nothing and leave no generation entry behind.
func (s *SessionService) invalidate(ctx context.Context, code string, cause error) {
	switch domain.KindOf(cause) {
	case domain.KindNotFound, domain.KindValidation:
		return
	}
	s.bump(code)
	for _, key := range []string{sessionKey(code), leaderboardKey(code)} {
		if err := s.cache.Delete(context.WithoutCancel(ctx), key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("cache invalidation failed")
		}
	}
	log.Debug().Str("session", code).Msg("cache invalidated")
}

// publishAfter pushes a fresh leaderboard to live subscribers once the deferred
// invalidation has run.
func (s *SessionService) publishAfter(ctx context.Context, code string) {
	if !s.hub.HasSubscribers(code) {
		return
	}
	s.invalidate(ctx, code, nil)
	lb, err := s.GetLeaderboard(context.WithoutCancel(ctx), code, SortByScore)
	if err != nil {
		log.Warn().Err(err).Str("session", code).Msg("leaderboard publish skipped")
		return
	}
	s.hub.Publish(lb)
}

// generation is the number of invalidations seen for code. Reads never create
// an entry, so lookups of unknown codes leave no trace.
func (s *SessionService) generation(code string) uint64 {
	if v, ok := s.versions.Load(code); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

func (s *SessionService) bump(code string) {
	v, _ := s.versions.LoadOrStore(code, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// readThrough serves key from the cache or loads it once per cache generation.
// A load that raced with an invalidation is returned but not cached.
func readThrough[T any](ctx context.Context, s *SessionService, namespace, code, key string, ttl time.Duration, load func(context.Context, string) (T, error)) (T, error) {
	raw, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues(namespace, "error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	case ok:
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			metrics.CacheLookups.WithLabelValues(namespace, "hit").Inc()
			return v, nil
		}
	}
	metrics.CacheLookups.WithLabelValues(namespace, "miss").Inc()

	gen := s.generation(code)
	res, err, _ := s.sf.Do(fmt.Sprintf("%s#%d", key, gen), func() (interface{}, error) {
		v, err := load(ctx, code)
		if err != nil {
			return v, err
		}
		if s.generation(code) != gen {
			return v, nil
		}
		if raw, err := json.Marshal(v); err == nil {
			if err := s.cache.Set(ctx, key, raw, ttl); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("cache write failed")
			}
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

func sessionKey(code string) string     { return "session:" + code }
func leaderboardKey(code string) string { return "leaderboard:" + code }

func defaultTitle(kind domain.SessionKind) string {
	if kind == domain.KindFactCheck {
		return "Fact check"
	}
	return "Quiz"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
