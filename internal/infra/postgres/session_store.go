package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quizchain-service/internal/domain"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

const sessionColumns = `code, kind, title, description, items, capacity, trim_scale(reward_rate)::text, creator,
	creator_name, is_public, is_finished, ledger_game_id, participant_count, created_at, updated_at`

const participantColumns = `session_code, address, display_name, score, is_completed, trim_scale(reward)::text,
	joined_at, completed_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// SessionStore persists sessions in Postgres. Roster and scoring changes are single
// conditional statements; concurrent requests are serialized by row locks, not by
// application-side checks.
type SessionStore struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

func (s *SessionStore) CreateSession(ctx context.Context, session domain.Session) error {
	items, err := json.Marshal(session.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (code, kind, title, description, items, capacity, reward_rate, creator,
			creator_name, is_public, is_finished, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7::numeric, $8, $9, FALSE, FALSE, $10, $10)
		ON CONFLICT (code) DO NOTHING`,
		session.Code, string(session.Kind), session.Title, session.Description, string(items),
		session.Capacity, session.RewardRate.String(), session.Creator, session.CreatorName, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCodeTaken
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, code string) (domain.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return session, err
}

func (s *SessionStore) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE TRUE`
	var args []interface{}
	if filter.OpenOnly {
		query += ` AND is_public AND NOT is_finished`
	}
	if filter.Creator != "" {
		args = append(args, filter.Creator)
		query += fmt.Sprintf(` AND creator = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, code`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SessionStore) OpenSession(ctx context.Context, code, creator string) (domain.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `
		UPDATE sessions SET is_public = TRUE, updated_at = now()
		WHERE code = $1 AND creator = $2 AND NOT is_finished
		RETURNING `+sessionColumns, code, creator))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, s.diagnoseOwner(ctx, code, creator, true)
	}
	return session, err
}

func (s *SessionStore) BindLedger(ctx context.Context, code, creator string, gameID int64) (domain.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `
		UPDATE sessions SET ledger_game_id = $3, updated_at = now()
		WHERE code = $1 AND creator = $2
		RETURNING `+sessionColumns, code, creator, gameID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, s.diagnoseOwner(ctx, code, creator, false)
	}
	return session, err
}

// FinishSession locks the session row, so in-flight answers and completions (which
// hold a share lock on it) settle before the roster is read for the payout.
func (s *SessionStore) FinishSession(ctx context.Context, code, creator string, at time.Time) (domain.Session, []domain.Participant, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Session{}, nil, fmt.Errorf("begin finish: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	session, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE code = $1 FOR UPDATE`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, nil, err
	}
	if session.Creator != creator {
		return domain.Session{}, nil, domain.ErrNotCreator
	}

	if !session.Finished {
		session, err = scanSession(tx.QueryRow(ctx, `
			UPDATE sessions SET is_public = FALSE, is_finished = TRUE, updated_at = $2
			WHERE code = $1
			RETURNING `+sessionColumns, code, at))
		if err != nil {
			return domain.Session{}, nil, fmt.Errorf("finish session: %w", err)
		}
	}

	roster, err := listParticipants(ctx, tx, code)
	if err != nil {
		return domain.Session{}, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Session{}, nil, fmt.Errorf("commit finish: %w", err)
	}
	return session, roster, nil
}

// AddParticipant claims a slot and inserts the roster row in one statement. A
// concurrent duplicate join trips the primary key and rolls back its slot.
func (s *SessionStore) AddParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	joined, err := scanParticipant(s.pool.QueryRow(ctx, `
		WITH slot AS (
			UPDATE sessions SET participant_count = participant_count + 1, updated_at = now()
			WHERE code = $1 AND is_public AND NOT is_finished AND participant_count < capacity
				AND NOT EXISTS (SELECT 1 FROM participants WHERE session_code = $1 AND address = $2)
			RETURNING code
		)
		INSERT INTO participants (session_code, address, display_name, joined_at)
		SELECT code, $2, $3::text, $4::timestamptz FROM slot
		RETURNING `+participantColumns,
		p.SessionCode, p.Address, p.DisplayName, p.JoinedAt))
	switch {
	case isUniqueViolation(err):
		return domain.Participant{}, domain.ErrAlreadyJoined
	case errors.Is(err, pgx.ErrNoRows):
		return domain.Participant{}, s.diagnoseJoin(ctx, p.SessionCode, p.Address)
	case err != nil:
		return domain.Participant{}, fmt.Errorf("join session: %w", err)
	}
	return joined, nil
}

func (s *SessionStore) GetParticipant(ctx context.Context, code, address string) (domain.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_code = $1 AND address = $2`, code, address))
	if errors.Is(err, pgx.ErrNoRows) {
		if err := s.sessionExists(ctx, code); err != nil {
			return domain.Participant{}, err
		}
		return domain.Participant{}, domain.ErrNotParticipant
	}
	return p, err
}

func (s *SessionStore) ListParticipants(ctx context.Context, code string) ([]domain.Participant, error) {
	roster, err := listParticipants(ctx, s.pool, code)
	if err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		if err := s.sessionExists(ctx, code); err != nil {
			return nil, err
		}
	}
	return roster, nil
}

// RecordAnswer bumps the score and inserts the answer row in one statement; the
// answers primary key rejects a second submission for the same item.
func (s *SessionStore) RecordAnswer(ctx context.Context, answer domain.AnswerRecord) (domain.Participant, error) {
	points := 0
	if answer.Correct {
		points = 1
	}
	p, err := scanParticipant(s.pool.QueryRow(ctx, `
		WITH live AS (
			SELECT code FROM sessions WHERE code = $1 AND NOT is_finished FOR SHARE
		), upd AS (
			UPDATE participants p SET score = p.score + $6::integer
			FROM live
			WHERE p.session_code = live.code AND p.address = $2 AND NOT p.is_completed
			RETURNING p.session_code, p.address, p.display_name, p.score, p.is_completed, p.reward,
				p.joined_at, p.completed_at
		), ins AS (
			INSERT INTO answers (session_code, address, item_id, answer, is_correct, answered_at)
			SELECT session_code, address, $3::text, $4::text, $5::boolean, $7::timestamptz FROM upd
		)
		SELECT `+participantColumns+` FROM upd`,
		answer.SessionCode, answer.Address, answer.ItemID, answer.Answer, answer.Correct, points, answer.AnsweredAt))
	switch {
	case isUniqueViolation(err):
		return domain.Participant{}, domain.ErrAlreadyAnswered
	case errors.Is(err, pgx.ErrNoRows):
		return domain.Participant{}, s.diagnoseParticipant(ctx, answer.SessionCode, answer.Address)
	case err != nil:
		return domain.Participant{}, fmt.Errorf("record answer: %w", err)
	}
	return p, nil
}

func (s *SessionStore) CompleteParticipant(ctx context.Context, code, address string, at time.Time) (domain.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx, `
		WITH live AS (
			SELECT code, reward_rate FROM sessions WHERE code = $1 AND NOT is_finished FOR SHARE
		)
		UPDATE participants p
		SET is_completed = TRUE, reward = p.score * live.reward_rate, completed_at = $3
		FROM live
		WHERE p.session_code = live.code AND p.address = $2 AND NOT p.is_completed
		RETURNING p.session_code, p.address, p.display_name, p.score, p.is_completed, trim_scale(p.reward)::text,
			p.joined_at, p.completed_at`, code, address, at))
	if errors.Is(err, pgx.ErrNoRows) {
		stored, err := s.GetParticipant(ctx, code, address)
		if err != nil {
			return domain.Participant{}, err
		}
		if stored.Completed {
			return stored, domain.ErrAlreadyCompleted
		}
		return domain.Participant{}, domain.ErrSessionFinished
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("complete participant: %w", err)
	}
	return p, nil
}

func (s *SessionStore) diagnoseOwner(ctx context.Context, code, creator string, mustBeLive bool) error {
	session, err := s.GetSession(ctx, code)
	switch {
	case err != nil:
		return err
	case session.Creator != creator:
		return domain.ErrNotCreator
	case mustBeLive && session.Finished:
		return domain.ErrSessionFinished
	}
	return fmt.Errorf("session %s: update not applied", code)
}

func (s *SessionStore) diagnoseJoin(ctx context.Context, code, address string) error {
	var open, finished, full, joined bool
	err := s.pool.QueryRow(ctx, `
		SELECT s.is_public, s.is_finished, s.participant_count >= s.capacity,
			EXISTS (SELECT 1 FROM participants p WHERE p.session_code = s.code AND p.address = $2)
		FROM sessions s WHERE s.code = $1`, code, address).Scan(&open, &finished, &full, &joined)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrSessionNotFound
	case err != nil:
		return fmt.Errorf("diagnose join: %w", err)
	case finished:
		return domain.ErrSessionFinished
	case !open:
		return domain.ErrSessionNotOpen
	case joined:
		return domain.ErrAlreadyJoined
	case full:
		return domain.ErrCapacityReached
	}
	return fmt.Errorf("session %s: join not applied", code)
}

func (s *SessionStore) diagnoseParticipant(ctx context.Context, code, address string) error {
	var finished, member, completed bool
	err := s.pool.QueryRow(ctx, `
		SELECT s.is_finished, p.address IS NOT NULL, COALESCE(p.is_completed, FALSE)
		FROM sessions s
		LEFT JOIN participants p ON p.session_code = s.code AND p.address = $2
		WHERE s.code = $1`, code, address).Scan(&finished, &member, &completed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrSessionNotFound
	case err != nil:
		return fmt.Errorf("diagnose answer: %w", err)
	case finished:
		return domain.ErrSessionFinished
	case !member:
		return domain.ErrNotParticipant
	case completed:
		return domain.ErrAlreadyCompleted
	}
	return fmt.Errorf("session %s: answer not applied", code)
}

func (s *SessionStore) sessionExists(ctx context.Context, code string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE code = $1)`, code).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return domain.ErrSessionNotFound
	}
	return nil
}

func listParticipants(ctx context.Context, q querier, code string) ([]domain.Participant, error) {
	rows, err := q.Query(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_code = $1 ORDER BY join_seq`, code)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		session domain.Session
		kind    string
		items   []byte
		rate    string
	)
	err := row.Scan(
		&session.Code, &kind, &session.Title, &session.Description, &items, &session.Capacity, &rate,
		&session.Creator, &session.CreatorName, &session.Open, &session.Finished, &session.LedgerGameID,
		&session.ParticipantCount, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	session.Kind = domain.SessionKind(kind)
	if err := json.Unmarshal(items, &session.Items); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal items: %w", err)
	}
	if session.RewardRate, err = decimal.NewFromString(rate); err != nil {
		return domain.Session{}, fmt.Errorf("parse reward rate: %w", err)
	}
	return session, nil
}

func scanParticipant(row pgx.Row) (domain.Participant, error) {
	var (
		p      domain.Participant
		reward *string
	)
	err := row.Scan(&p.SessionCode, &p.Address, &p.DisplayName, &p.Score, &p.Completed, &reward,
		&p.JoinedAt, &p.CompletedAt)
	if err != nil {
		return domain.Participant{}, err
	}
	if reward != nil {
		r, err := decimal.NewFromString(*reward)
		if err != nil {
			return domain.Participant{}, fmt.Errorf("parse reward: %w", err)
		}
		p.Reward = &r
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
