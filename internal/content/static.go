package content

import (
	"context"
	"fmt"
	"strings"

	"quizchain-service/internal/domain"
)

// StaticGenerator builds deterministic items from the words of the source text.
// It backs local runs and the simulate command when no generation service is configured.
type StaticGenerator struct{}

func NewStaticGenerator() *StaticGenerator { return &StaticGenerator{} }

func (StaticGenerator) GenerateItems(_ context.Context, kind domain.SessionKind, text string, count int) ([]domain.Item, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, domain.ErrInsufficientContent
	}
	items := make([]domain.Item, 0, count)
	for i := 0; i < count; i++ {
		word := words[i%len(words)]
		switch kind {
		case domain.KindQuiz:
			correct := i % len(domain.OptionLabels)
			var options [4]string
			for j := range options {
				options[j] = fmt.Sprintf("%s (%d)", word, (j-correct+4)%4)
			}
			items = append(items, domain.Item{
				Kind: kind,
				MultipleChoice: &domain.MultipleChoice{
					Question: fmt.Sprintf("Question %d: which option is %q (0)?", i+1, word),
					Options:  options,
					Correct:  domain.OptionLabels[correct],
				},
			})
		case domain.KindFactCheck:
			items = append(items, domain.Item{
				Kind: kind,
				TrueFalse: &domain.TrueFalse{
					Statement: fmt.Sprintf("Statement %d mentions %q.", i+1, word),
					Truth:     i%2 == 0,
				},
			})
		default:
			return nil, domain.ErrInvalidKind
		}
	}
	return items, nil
}
