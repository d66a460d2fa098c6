package domain

import (
	"strconv"
	"strings"
)

// NoAnswer is submitted when an item's timer expires without a selection.
const NoAnswer = "no_answer"

// NormalizeAnswer maps a raw submission onto the canonical form for kind.
// Multiple-choice answers accept "0".."3" as index aliases for "A".."D".
func NormalizeAnswer(kind SessionKind, raw string) (string, error) {
	answer := strings.TrimSpace(raw)
	if answer == NoAnswer {
		return NoAnswer, nil
	}
	switch kind {
	case KindQuiz:
		if len(answer) == 1 && answer[0] >= '0' && answer[0] <= '3' {
			return OptionLabels[answer[0]-'0'], nil
		}
		answer = strings.ToUpper(answer)
		if labelIndex(answer) < 0 {
			return "", ErrInvalidAnswer
		}
		return answer, nil
	case KindFactCheck:
		switch strings.ToLower(answer) {
		case "true":
			return "true", nil
		case "false":
			return "false", nil
		}
		return "", ErrInvalidAnswer
	}
	return "", ErrInvalidKind
}

// IsCorrect compares a normalized answer with the item's correct answer.
func (i Item) IsCorrect(normalized string) bool {
	return normalized != NoAnswer && normalized == i.CorrectAnswer()
}

// NormalizeAddress canonicalizes an account address for identity comparison.
func NormalizeAddress(raw string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(raw))
	if addr == "" || strings.ContainsAny(addr, " \t\n") {
		return "", ErrInvalidAddress
	}
	return addr, nil
}

// ParseLedgerGameID accepts decimal or 0x-prefixed hexadecimal identifiers.
func ParseLedgerGameID(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	id, err := strconv.ParseInt(s, base, 64)
	if err != nil || id < 0 {
		return 0, ErrInvalidLedgerID
	}
	return id, nil
}

func labelIndex(label string) int {
	for i, l := range OptionLabels {
		if l == label {
			return i
		}
	}
	return -1
}
