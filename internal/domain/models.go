package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SessionKind selects the item shape of a session.
type SessionKind string

const (
	KindQuiz      SessionKind = "quiz"
	KindFactCheck SessionKind = "factcheck"
)

// Valid reports whether k is a known session kind.
func (k SessionKind) Valid() bool {
	return k == KindQuiz || k == KindFactCheck
}

// Status is the derived lifecycle state of a session.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// OptionLabels are the answer labels of a multiple-choice item, in option order.
var OptionLabels = [4]string{"A", "B", "C", "D"}

// MultipleChoice is a question with four options and one correct label.
type MultipleChoice struct {
	Question string    `json:"question"`
	Options  [4]string `json:"options"`
	Correct  string    `json:"correct"`
}

// TrueFalse is a statement whose truth value the participant has to judge.
type TrueFalse struct {
	Statement string `json:"statement"`
	Truth     bool   `json:"truth"`
}

// Item is one question of a session. Exactly one of MultipleChoice or TrueFalse is set,
// matching Kind.
type Item struct {
	ID             string          `json:"id"`
	Kind           SessionKind     `json:"kind"`
	MultipleChoice *MultipleChoice `json:"multipleChoice,omitempty"`
	TrueFalse      *TrueFalse      `json:"trueFalse,omitempty"`
}

// CorrectAnswer returns the normalized correct answer ("A".."D", "true" or "false").
func (i Item) CorrectAnswer() string {
	switch {
	case i.MultipleChoice != nil:
		return i.MultipleChoice.Correct
	case i.TrueFalse != nil:
		if i.TrueFalse.Truth {
			return "true"
		}
		return "false"
	}
	return ""
}

// Validate checks the item is well formed for its kind.
func (i Item) Validate() error {
	switch i.Kind {
	case KindQuiz:
		mc := i.MultipleChoice
		if mc == nil || i.TrueFalse != nil || strings.TrimSpace(mc.Question) == "" {
			return ErrInvalidItem
		}
		for _, opt := range mc.Options {
			if strings.TrimSpace(opt) == "" {
				return ErrInvalidItem
			}
		}
		if labelIndex(mc.Correct) < 0 {
			return ErrInvalidItem
		}
	case KindFactCheck:
		if i.TrueFalse == nil || i.MultipleChoice != nil || strings.TrimSpace(i.TrueFalse.Statement) == "" {
			return ErrInvalidItem
		}
	default:
		return ErrInvalidKind
	}
	return nil
}

// Session is a game instance built from a fixed item list.
type Session struct {
	Code             string          `json:"code"`
	Kind             SessionKind     `json:"kind"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Items            []Item          `json:"items"`
	Capacity         int             `json:"capacity"`
	RewardRate       decimal.Decimal `json:"rewardRate"`
	Creator          string          `json:"creator"`
	CreatorName      string          `json:"creatorName"`
	Open             bool            `json:"open"`
	Finished         bool            `json:"finished"`
	LedgerGameID     *int64          `json:"ledgerGameId,omitempty"`
	ParticipantCount int             `json:"participantCount"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Status derives the lifecycle state from the open and finished flags.
func (s Session) Status() Status {
	switch {
	case s.Finished:
		return StatusFinished
	case s.Open:
		return StatusActive
	}
	return StatusDraft
}

// Item looks up an item by id.
func (s Session) Item(id string) (Item, bool) {
	for _, item := range s.Items {
		if item.ID == id {
			return item, true
		}
	}
	return Item{}, false
}

// Summary drops the item list.
func (s Session) Summary() SessionSummary {
	return SessionSummary{
		Code:             s.Code,
		Kind:             s.Kind,
		Title:            s.Title,
		Description:      s.Description,
		Creator:          s.Creator,
		CreatorName:      s.CreatorName,
		Capacity:         s.Capacity,
		ParticipantCount: s.ParticipantCount,
		ItemCount:        len(s.Items),
		RewardRate:       s.RewardRate,
		Status:           s.Status(),
		LedgerGameID:     s.LedgerGameID,
		CreatedAt:        s.CreatedAt,
	}
}

// SessionSummary is the list and leaderboard header view of a session.
type SessionSummary struct {
	Code             string          `json:"code"`
	Kind             SessionKind     `json:"kind"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Creator          string          `json:"creator"`
	CreatorName      string          `json:"creatorName"`
	Capacity         int             `json:"capacity"`
	ParticipantCount int             `json:"participantCount"`
	ItemCount        int             `json:"itemCount"`
	RewardRate       decimal.Decimal `json:"rewardRate"`
	Status           Status          `json:"status"`
	LedgerGameID     *int64          `json:"ledgerGameId,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	OpenOnly bool
	Creator  string
	Limit    int
}

// Participant is one roster entry of a session.
type Participant struct {
	SessionCode string           `json:"sessionCode"`
	Address     string           `json:"address"`
	DisplayName string           `json:"displayName"`
	Score       int              `json:"score"`
	Completed   bool             `json:"completed"`
	Reward      *decimal.Decimal `json:"reward,omitempty"`
	JoinedAt    time.Time        `json:"joinedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// AnswerRecord is a scored submission for one item.
type AnswerRecord struct {
	SessionCode string
	Address     string
	ItemID      string
	Answer      string
	Correct     bool
	AnsweredAt  time.Time
}

// AnswerResult is returned to the participant after a submission.
type AnswerResult struct {
	Correct       bool   `json:"isCorrect"`
	Score         int    `json:"score"`
	CorrectAnswer string `json:"correctAnswer"`
}

// Completion is the stored outcome of a participant finishing a session.
type Completion struct {
	Score  int             `json:"score"`
	Reward decimal.Decimal `json:"reward"`
}

// LeaderboardEntry is a snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	Address     string           `json:"address"`
	DisplayName string           `json:"displayName"`
	Score       int              `json:"score"`
	Completed   bool             `json:"completed"`
	Reward      *decimal.Decimal `json:"reward,omitempty"`
	JoinedAt    time.Time        `json:"joinedAt"`
}

// Leaderboard captures the ordered scoreboard for a session.
type Leaderboard struct {
	Session   SessionSummary     `json:"session"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Payout is the settlement produced when a session is closed. Participants and
// Rewards are index aligned in join order.
type Payout struct {
	SessionCode  string            `json:"sessionCode"`
	LedgerGameID *int64            `json:"ledgerGameId,omitempty"`
	Participants []string          `json:"participants"`
	Rewards      []decimal.Decimal `json:"rewards"`
}

// SourceType selects where generation content comes from.
type SourceType string

const (
	SourcePrompt SourceType = "prompt"
	SourcePDF    SourceType = "pdf"
	SourceURL    SourceType = "url"
	SourceVideo  SourceType = "video"
)

// ContentSource describes the material items are generated from.
type ContentSource struct {
	Type   SourceType `json:"type"`
	Prompt string     `json:"prompt,omitempty"`
	Text   string     `json:"text,omitempty"`
	URL    string     `json:"url,omitempty"`
}

// GenerateRequest asks a generator for Count items of Kind.
type GenerateRequest struct {
	Kind   SessionKind
	Source ContentSource
	Count  int
}

// GeneratedContent is what the generation pipeline hands back to session creation.
type GeneratedContent struct {
	Title       string
	Description string
	Items       []Item
}
