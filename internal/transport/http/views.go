package http

import (
	"quizchain-service/internal/app"
	"quizchain-service/internal/domain"
)

type itemView struct {
	ID            string             `json:"id"`
	Kind          domain.SessionKind `json:"kind"`
	Question      string             `json:"question,omitempty"`
	Options       []string           `json:"options,omitempty"`
	Statement     string             `json:"statement,omitempty"`
	CorrectAnswer string             `json:"correctAnswer,omitempty"`
}

type sessionView struct {
	domain.SessionSummary
	Items         []itemView `json:"items"`
	AlreadyJoined bool       `json:"alreadyJoined"`
}

// newSessionView strips correct answers unless the view allows them.
func newSessionView(v app.SessionView) sessionView {
	items := make([]itemView, 0, len(v.Session.Items))
	for _, item := range v.Session.Items {
		iv := itemView{ID: item.ID, Kind: item.Kind}
		switch {
		case item.MultipleChoice != nil:
			iv.Question = item.MultipleChoice.Question
			iv.Options = append([]string(nil), item.MultipleChoice.Options[:]...)
		case item.TrueFalse != nil:
			iv.Statement = item.TrueFalse.Statement
		}
		if v.RevealAnswers {
			iv.CorrectAnswer = item.CorrectAnswer()
		}
		items = append(items, iv)
	}
	return sessionView{
		SessionSummary: v.Session.Summary(),
		Items:          items,
		AlreadyJoined:  v.AlreadyJoined,
	}
}
