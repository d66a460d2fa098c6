package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"quizchain-service/internal/app"
	"quizchain-service/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const wsWriteWait = 10 * time.Second

type WSHandler struct {
	service  *app.SessionService
	auth     *Authenticator
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.SessionService, auth *Authenticator) *WSHandler {
	return &WSHandler{
		service: service,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	ItemID string `json:"itemId"`
	Answer string `json:"answer"`
}

type answerResult struct {
	ItemID string `json:"itemId"`
	domain.AnswerResult
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string           `json:"message"`
	Kind    domain.ErrorKind `json:"kind,omitempty"`
}

// ServeWS streams leaderboard snapshots of one session. With a valid token the
// connection may also submit answers for that address.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("session")
	if code == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	var address string
	if token := r.URL.Query().Get("token"); token != "" {
		addr, err := h.auth.Verify(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		address = addr
	}

	ctx := r.Context()
	updates, cancel, err := h.service.Subscribe(ctx, code)
	if err != nil {
		http.Error(w, err.Error(), statusFor(domain.KindOf(err)))
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("session", code).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// Only this goroutine writes to conn.
	go func() {
		defer close(writerDone)
		for msg := range send {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("session", code).Msg("ws write failed")
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "leaderboard", Payload: update}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	reply := func(msg outboundMessage[any]) {
		select {
		case send <- msg:
		case <-writerDone:
		}
	}
	fail := func(err error) {
		reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error(), Kind: domain.KindOf(err)}})
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "answer":
			if address == "" {
				reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "token required to answer", Kind: domain.KindForbidden}})
				continue
			}
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload", Kind: domain.KindValidation}})
				continue
			}
			res, err := h.service.SubmitAnswer(ctx, code, address, payload.ItemID, payload.Answer)
			if err != nil {
				fail(err)
				continue
			}
			reply(outboundMessage[any]{Type: "answerResult", Payload: answerResult{ItemID: payload.ItemID, AnswerResult: res}})
		case "complete":
			if address == "" {
				reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "token required to complete", Kind: domain.KindForbidden}})
				continue
			}
			done, err := h.service.CompleteSession(ctx, code, address)
			if err != nil && !errors.Is(err, domain.ErrAlreadyCompleted) {
				fail(err)
				continue
			}
			reply(outboundMessage[any]{Type: "completed", Payload: done})
		default:
			reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type", Kind: domain.KindValidation}})
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}
