package app

import (
	"context"
	"time"

	"quizchain-service/internal/domain"
)

// SessionStore persists sessions, rosters and answers. Every mutating method is a
// single atomic conditional write (or one transaction) in the backing store, so
// concurrent callers never over-admit, double-score or double-settle.
type SessionStore interface {
	// CreateSession inserts a draft session. Returns domain.ErrCodeTaken on a code clash.
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, code string) (domain.Session, error)
	ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, error)
	OpenSession(ctx context.Context, code, creator string) (domain.Session, error)
	// FinishSession marks the session finished and assigns score × rate to every
	// participant without a reward, in one step. Finishing an already finished
	// session changes nothing. The roster is returned in join order.
	FinishSession(ctx context.Context, code, creator string, at time.Time) (domain.Session, []domain.Participant, error)
	BindLedger(ctx context.Context, code, creator string, gameID int64) (domain.Session, error)

	// AddParticipant admits p only if the session exists, is open, is not finished,
	// has a free slot and p is not already on the roster.
	AddParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error)
	GetParticipant(ctx context.Context, code, address string) (domain.Participant, error)
	ListParticipants(ctx context.Context, code string) ([]domain.Participant, error)
	// RecordAnswer stores the answer and adds one point when correct, at most once
	// per (participant, item).
	RecordAnswer(ctx context.Context, answer domain.AnswerRecord) (domain.Participant, error)
	// CompleteParticipant marks the participant completed and stores score × rate.
	// On a repeat it returns the stored participant with domain.ErrAlreadyCompleted.
	CompleteParticipant(ctx context.Context, code, address string, at time.Time) (domain.Participant, error)
}

// Cache is a TTL key/value cache. Reads never consult wall-clock time; entries
// disappear when their timer fires.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// ItemGenerator produces session content from a source.
type ItemGenerator interface {
	Generate(ctx context.Context, req domain.GenerateRequest) (domain.GeneratedContent, error)
}
