package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"quizchain-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionStore. One mutex
// guards all state, so every method is a single atomic step.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

type sessionRecord struct {
	session domain.Session
	roster  []*domain.Participant
	byAddr  map[string]*domain.Participant
	answers map[answerKey]domain.AnswerRecord
}

type answerKey struct {
	address string
	itemID  string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*sessionRecord),
	}
}

func (s *SessionStore) CreateSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.Code]; ok {
		return domain.ErrCodeTaken
	}
	session.ParticipantCount = 0
	s.sessions[session.Code] = &sessionRecord{
		session: cloneSession(session),
		byAddr:  make(map[string]*domain.Participant),
		answers: make(map[answerKey]domain.AnswerRecord),
	}
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, code string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[code]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return cloneSession(rec.session), nil
}

func (s *SessionStore) ListSessions(_ context.Context, filter domain.SessionFilter) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		if filter.OpenOnly && (!rec.session.Open || rec.session.Finished) {
			continue
		}
		if filter.Creator != "" && rec.session.Creator != filter.Creator {
			continue
		}
		out = append(out, cloneSession(rec.session))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *SessionStore) OpenSession(_ context.Context, code, creator string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.ownedLocked(code, creator)
	if err != nil {
		return domain.Session{}, err
	}
	if rec.session.Finished {
		return domain.Session{}, domain.ErrSessionFinished
	}
	if !rec.session.Open {
		rec.session.Open = true
		rec.session.UpdatedAt = time.Now()
	}
	return cloneSession(rec.session), nil
}

func (s *SessionStore) FinishSession(_ context.Context, code, creator string, at time.Time) (domain.Session, []domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.ownedLocked(code, creator)
	if err != nil {
		return domain.Session{}, nil, err
	}
	if !rec.session.Finished {
		rec.session.Open = false
		rec.session.Finished = true
		rec.session.UpdatedAt = at
	}
	return cloneSession(rec.session), rec.rosterLocked(), nil
}

func (s *SessionStore) BindLedger(_ context.Context, code, creator string, gameID int64) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.ownedLocked(code, creator)
	if err != nil {
		return domain.Session{}, err
	}
	id := gameID
	rec.session.LedgerGameID = &id
	rec.session.UpdatedAt = time.Now()
	return cloneSession(rec.session), nil
}

func (s *SessionStore) AddParticipant(_ context.Context, p domain.Participant) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[p.SessionCode]
	switch {
	case !ok:
		return domain.Participant{}, domain.ErrSessionNotFound
	case rec.session.Finished:
		return domain.Participant{}, domain.ErrSessionFinished
	case !rec.session.Open:
		return domain.Participant{}, domain.ErrSessionNotOpen
	}
	if _, joined := rec.byAddr[p.Address]; joined {
		return domain.Participant{}, domain.ErrAlreadyJoined
	}
	if len(rec.roster) >= rec.session.Capacity {
		return domain.Participant{}, domain.ErrCapacityReached
	}

	stored := &domain.Participant{
		SessionCode: p.SessionCode,
		Address:     p.Address,
		DisplayName: p.DisplayName,
		JoinedAt:    p.JoinedAt,
	}
	rec.roster = append(rec.roster, stored)
	rec.byAddr[p.Address] = stored
	rec.session.ParticipantCount = len(rec.roster)
	return cloneParticipant(stored), nil
}

func (s *SessionStore) GetParticipant(_ context.Context, code, address string) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[code]
	if !ok {
		return domain.Participant{}, domain.ErrSessionNotFound
	}
	p, ok := rec.byAddr[address]
	if !ok {
		return domain.Participant{}, domain.ErrNotParticipant
	}
	return cloneParticipant(p), nil
}

func (s *SessionStore) ListParticipants(_ context.Context, code string) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[code]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return rec.rosterLocked(), nil
}

func (s *SessionStore) RecordAnswer(_ context.Context, answer domain.AnswerRecord) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[answer.SessionCode]
	if !ok {
		return domain.Participant{}, domain.ErrSessionNotFound
	}
	if rec.session.Finished {
		return domain.Participant{}, domain.ErrSessionFinished
	}
	p, ok := rec.byAddr[answer.Address]
	switch {
	case !ok:
		return domain.Participant{}, domain.ErrNotParticipant
	case p.Completed:
		return domain.Participant{}, domain.ErrAlreadyCompleted
	}
	key := answerKey{address: answer.Address, itemID: answer.ItemID}
	if _, dup := rec.answers[key]; dup {
		return domain.Participant{}, domain.ErrAlreadyAnswered
	}
	rec.answers[key] = answer
	if answer.Correct {
		p.Score++
	}
	return cloneParticipant(p), nil
}

func (s *SessionStore) CompleteParticipant(_ context.Context, code, address string, at time.Time) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[code]
	if !ok {
		return domain.Participant{}, domain.ErrSessionNotFound
	}
	p, ok := rec.byAddr[address]
	switch {
	case !ok:
		return domain.Participant{}, domain.ErrNotParticipant
	case p.Completed:
		return cloneParticipant(p), domain.ErrAlreadyCompleted
	case rec.session.Finished:
		return domain.Participant{}, domain.ErrSessionFinished
	}
	reward := domain.RewardFor(p.Score, rec.session.RewardRate)
	completedAt := at
	p.Completed = true
	p.Reward = &reward
	p.CompletedAt = &completedAt
	return cloneParticipant(p), nil
}

func (s *SessionStore) ownedLocked(code, creator string) (*sessionRecord, error) {
	rec, ok := s.sessions[code]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if rec.session.Creator != creator {
		return nil, domain.ErrNotCreator
	}
	return rec, nil
}

func (r *sessionRecord) rosterLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.roster))
	for _, p := range r.roster {
		out = append(out, cloneParticipant(p))
	}
	return out
}

func cloneSession(s domain.Session) domain.Session {
	s.Items = append([]domain.Item(nil), s.Items...)
	if s.LedgerGameID != nil {
		id := *s.LedgerGameID
		s.LedgerGameID = &id
	}
	return s
}

func cloneParticipant(p *domain.Participant) domain.Participant {
	out := *p
	if p.Reward != nil {
		reward := *p.Reward
		out.Reward = &reward
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		out.CompletedAt = &at
	}
	return out
}
