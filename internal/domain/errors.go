package domain

import "errors"

// ErrorKind classifies failures so transports can map them to status codes.
type ErrorKind string

const (
	KindNotFound              ErrorKind = "not_found"
	KindForbidden             ErrorKind = "forbidden"
	KindGone                  ErrorKind = "gone"
	KindCapacityReached       ErrorKind = "capacity_reached"
	KindValidation            ErrorKind = "validation"
	KindGenerationUnavailable ErrorKind = "generation_unavailable"
	KindConflict              ErrorKind = "conflict"
	KindInternal              ErrorKind = "internal"
)

var (
	// ErrSessionNotFound is returned when no session exists for a code.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotOpen is returned when joining a session that is not accepting participants.
	ErrSessionNotOpen = errors.New("session is not open")
	// ErrSessionFinished indicates the session reached its terminal state.
	ErrSessionFinished = errors.New("session has finished")
	// ErrCapacityReached is returned when the roster is full.
	ErrCapacityReached = errors.New("session is full")
	// ErrAlreadyJoined is returned when the address is already on the roster.
	ErrAlreadyJoined = errors.New("already joined this session")
	// ErrNotParticipant is returned when a user acts on a session they never joined.
	ErrNotParticipant = errors.New("not a participant of this session")
	// ErrAlreadyCompleted is returned when a participant already completed the session.
	ErrAlreadyCompleted = errors.New("session already completed")
	// ErrAlreadyAnswered is returned on a repeated submission for the same item.
	ErrAlreadyAnswered = errors.New("item already answered")
	// ErrItemNotFound indicates a submitted item id is not part of the session.
	ErrItemNotFound = errors.New("item not found")
	// ErrInvalidAnswer indicates a malformed answer value.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrNotCreator is returned when a creator-only operation is called by someone else.
	ErrNotCreator = errors.New("only the session creator can do this")

	ErrInvalidCapacity     = errors.New("capacity must be at least 1")
	ErrInvalidRewardRate   = errors.New("reward rate must not be negative")
	ErrInvalidItemCount    = errors.New("item count out of range")
	ErrInvalidItem         = errors.New("invalid item")
	ErrInvalidKind         = errors.New("unknown session kind")
	ErrInvalidSource       = errors.New("invalid content source")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidLedgerID     = errors.New("invalid ledger game id")
	ErrInsufficientContent = errors.New("insufficient content to generate items")

	// ErrGenerationUnavailable is returned when item generation failed or its breaker is open.
	ErrGenerationUnavailable = errors.New("content generation temporarily unavailable")
	// ErrCodeTaken is returned by stores when a generated code already exists.
	ErrCodeTaken = errors.New("session code already taken")
	// ErrCodeCollision is returned when no unique code could be generated.
	ErrCodeCollision = errors.New("could not allocate a unique session code")
	// ErrInvalidRosterState indicates payout lists could not be built consistently.
	ErrInvalidRosterState = errors.New("invalid roster state")
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrGenerationUnavailable, KindGenerationUnavailable},
	{ErrSessionNotFound, KindNotFound},
	{ErrItemNotFound, KindNotFound},
	{ErrSessionNotOpen, KindForbidden},
	{ErrNotParticipant, KindForbidden},
	{ErrNotCreator, KindForbidden},
	{ErrSessionFinished, KindGone},
	{ErrCapacityReached, KindCapacityReached},
	{ErrAlreadyJoined, KindConflict},
	{ErrAlreadyCompleted, KindForbidden},
	{ErrAlreadyAnswered, KindConflict},
	{ErrCodeTaken, KindConflict},
	{ErrInvalidAnswer, KindValidation},
	{ErrInvalidCapacity, KindValidation},
	{ErrInvalidRewardRate, KindValidation},
	{ErrInvalidItemCount, KindValidation},
	{ErrInvalidItem, KindValidation},
	{ErrInvalidKind, KindValidation},
	{ErrInvalidSource, KindValidation},
	{ErrInvalidAddress, KindValidation},
	{ErrInvalidLedgerID, KindValidation},
	{ErrInsufficientContent, KindValidation},
}

// KindOf maps an error chain to its taxonomy kind. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindInternal
}
