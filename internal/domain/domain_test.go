package domain

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNormalizeAnswer(t *testing.T) {
	cases := []struct {
		kind    SessionKind
		raw     string
		want    string
		wantErr error
	}{
		{KindQuiz, "0", "A", nil},
		{KindQuiz, "3", "D", nil},
		{KindQuiz, "b", "B", nil},
		{KindQuiz, " c ", "C", nil},
		{KindQuiz, "4", "", ErrInvalidAnswer},
		{KindQuiz, "E", "", ErrInvalidAnswer},
		{KindQuiz, "no_answer", NoAnswer, nil},
		{KindFactCheck, "TRUE", "true", nil},
		{KindFactCheck, "false", "false", nil},
		{KindFactCheck, "A", "", ErrInvalidAnswer},
		{KindFactCheck, "no_answer", NoAnswer, nil},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%q", tc.kind, tc.raw), func(t *testing.T) {
			got, err := NormalizeAnswer(tc.kind, tc.raw)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNoAnswerIsNeverCorrect(t *testing.T) {
	item := Item{ID: "i1", Kind: KindFactCheck, TrueFalse: &TrueFalse{Statement: "s", Truth: false}}
	assert.False(t, item.IsCorrect(NoAnswer))
	assert.True(t, item.IsCorrect("false"))
}

func TestItemValidate(t *testing.T) {
	good := Item{Kind: KindQuiz, MultipleChoice: &MultipleChoice{
		Question: "2+2?",
		Options:  [4]string{"1", "2", "3", "4"},
		Correct:  "D",
	}}
	require.NoError(t, good.Validate())

	bad := good
	bad.MultipleChoice = &MultipleChoice{Question: "2+2?", Options: [4]string{"1", "2", "3", "4"}, Correct: "E"}
	require.ErrorIs(t, bad.Validate(), ErrInvalidItem)

	mixed := good
	mixed.TrueFalse = &TrueFalse{Statement: "x"}
	require.ErrorIs(t, mixed.Validate(), ErrInvalidItem)

	require.ErrorIs(t, Item{Kind: "poll"}.Validate(), ErrInvalidKind)
}

func TestParseLedgerGameID(t *testing.T) {
	id, err := ParseLedgerGameID("0x1f")
	require.NoError(t, err)
	assert.Equal(t, int64(31), id)

	id, err = ParseLedgerGameID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = ParseLedgerGameID("-1")
	require.ErrorIs(t, err, ErrInvalidLedgerID)
	_, err = ParseLedgerGameID("zz")
	require.ErrorIs(t, err, ErrInvalidLedgerID)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindGone, KindOf(fmt.Errorf("submit: %w", ErrSessionFinished)))
	assert.Equal(t, KindCapacityReached, KindOf(ErrCapacityReached))
	assert.Equal(t, KindForbidden, KindOf(fmt.Errorf("complete: %w", ErrAlreadyCompleted)))
	assert.Equal(t, KindConflict, KindOf(ErrAlreadyJoined))
	assert.Equal(t, KindGenerationUnavailable, KindOf(fmt.Errorf("%w: %w", ErrGenerationUnavailable, ErrInvalidItem)))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestNewCodeShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := NewCode(DefaultCodeLength)
		require.NoError(t, err)
		require.Len(t, code, DefaultCodeLength)
		require.True(t, ValidCode(code), code)
	}
	short, err := NewCode(1)
	require.NoError(t, err)
	assert.Len(t, short, MinCodeLength)
}

// TestRewardForProperty checks reward = score × rate for arbitrary inputs.
func TestRewardForProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		score := rapid.IntRange(0, 10_000).Draw(t, "score")
		units := rapid.Int64Range(0, 1_000_000).Draw(t, "units")
		exp := rapid.Int32Range(-6, 0).Draw(t, "exp")
		rate := decimal.New(units, exp)

		reward := RewardFor(score, rate)

		sum := decimal.Zero
		for i := 0; i < score; i++ {
			sum = sum.Add(rate)
		}
		if !reward.Equal(sum) {
			t.Fatalf("reward %s != repeated sum %s", reward, sum)
		}
		if score == 0 && !reward.IsZero() {
			t.Fatalf("zero score must earn zero, got %s", reward)
		}
	})
}

func TestBuildPayout(t *testing.T) {
	ten := decimal.NewFromInt(10)
	zero := decimal.Zero
	session := Session{Code: "abcde", RewardRate: ten}
	roster := []Participant{
		{Address: "a", Score: 2, Completed: true, Reward: ptr(RewardFor(2, ten))},
		{Address: "b", Score: 0, Completed: true, Reward: &zero},
		{Address: "c", Score: 3},
	}

	payout, err := BuildPayout(session, roster)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, payout.Participants)
	require.Len(t, payout.Rewards, 3)
	assert.True(t, payout.Rewards[0].Equal(decimal.NewFromInt(20)))
	assert.True(t, payout.Rewards[1].IsZero())
	assert.True(t, payout.Rewards[2].Equal(decimal.NewFromInt(30)), "incomplete participants are paid by score")
	assert.Nil(t, roster[2].Reward)

	// A stored reward wins over the current rate.
	session.RewardRate = decimal.NewFromInt(1)
	payout, err = BuildPayout(session, roster)
	require.NoError(t, err)
	assert.True(t, payout.Rewards[0].Equal(decimal.NewFromInt(20)))

	roster[1].Reward = nil
	_, err = BuildPayout(session, roster)
	require.ErrorIs(t, err, ErrInvalidRosterState)
}

func ptr[T any](v T) *T { return &v }
