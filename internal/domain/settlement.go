package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RewardFor computes score × rate exactly.
func RewardFor(score int, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(score)).Mul(rate)
}

// BuildPayout turns a roster (in join order) into index-aligned payout lists.
// Completed participants are paid their stored reward; anyone who never completed
// is paid score × rate without that reward being recorded on the participant.
func BuildPayout(session Session, roster []Participant) (Payout, error) {
	payout := Payout{
		SessionCode:  session.Code,
		LedgerGameID: session.LedgerGameID,
		Participants: make([]string, 0, len(roster)),
		Rewards:      make([]decimal.Decimal, 0, len(roster)),
	}
	for _, p := range roster {
		reward := RewardFor(p.Score, session.RewardRate)
		switch {
		case p.Completed && p.Reward == nil:
			return Payout{}, fmt.Errorf("%w: participant %s completed without a reward", ErrInvalidRosterState, p.Address)
		case p.Completed:
			reward = *p.Reward
		}
		payout.Participants = append(payout.Participants, p.Address)
		payout.Rewards = append(payout.Rewards, reward)
	}
	if len(payout.Participants) != len(payout.Rewards) {
		return Payout{}, ErrInvalidRosterState
	}
	return payout, nil
}
