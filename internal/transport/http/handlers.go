package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"quizchain-service/internal/app"
	"quizchain-service/internal/breaker"
	"quizchain-service/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// SessionHandler serves the session lifecycle endpoints.
type SessionHandler struct {
	service *app.SessionService
}

func NewSessionHandler(service *app.SessionService) *SessionHandler {
	return &SessionHandler{service: service}
}

type sourceRequest struct {
	Type     domain.SourceType `json:"type"`
	Prompt   string            `json:"prompt"`
	PDFText  string            `json:"pdfText"`
	URL      string            `json:"url"`
	VideoURL string            `json:"videoUrl"`
}

func (s sourceRequest) toDomain() domain.ContentSource {
	src := domain.ContentSource{Type: s.Type, Prompt: s.Prompt, Text: s.PDFText, URL: s.URL}
	if s.Type == domain.SourceVideo && s.VideoURL != "" {
		src.URL = s.VideoURL
	}
	return src
}

type createSessionRequest struct {
	Kind        domain.SessionKind `json:"kind" binding:"required"`
	Source      sourceRequest      `json:"source"`
	Capacity    int                `json:"capacity"`
	RewardRate  decimal.Decimal    `json:"rewardRate"`
	ItemCount   int                `json:"itemCount"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	CreatorName string             `json:"creatorName"`
}

// CreateSession generates items and stores a draft owned by the caller.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	session, err := h.service.CreateSession(c.Request.Context(), app.CreateRequest{
		Kind:        req.Kind,
		Source:      req.Source.toDomain(),
		ItemCount:   req.ItemCount,
		Capacity:    req.Capacity,
		RewardRate:  req.RewardRate,
		Title:       req.Title,
		Description: req.Description,
		Creator:     identity(c),
		CreatorName: req.CreatorName,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionCode": session.Code, "session": session.Summary()})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	filter := domain.SessionFilter{
		OpenOnly: c.Query("open") == "true",
		Creator:  c.Query("creator"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	sessions, err := h.service.ListSessions(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession returns the participant view of a session.
func (h *SessionHandler) GetSession(c *gin.Context) {
	view, err := h.service.GetSessionView(c.Request.Context(), c.Param("code"), identity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(view))
}

type updateSessionRequest struct {
	Open         *bool           `json:"open"`
	Finished     *bool           `json:"finished"`
	LedgerGameID json.RawMessage `json:"ledgerGameId"`
}

// UpdateSession applies creator actions: bind a ledger id, open, close. Closing
// answers with the payout lists.
func (h *SessionHandler) UpdateSession(c *gin.Context) {
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Open == nil && req.Finished == nil && len(req.LedgerGameID) == 0 {
		badRequest(c, "nothing to update")
		return
	}
	if (req.Open != nil && !*req.Open) || (req.Finished != nil && !*req.Finished) {
		badRequest(c, "sessions cannot be reopened or unfinished")
		return
	}

	ctx := c.Request.Context()
	code, caller := c.Param("code"), identity(c)
	var (
		session domain.Session
		err     error
	)
	if len(req.LedgerGameID) > 0 {
		gameID, perr := parseLedgerID(req.LedgerGameID)
		if perr != nil {
			writeError(c, perr)
			return
		}
		if session, err = h.service.BindLedgerReference(ctx, code, caller, gameID); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Open != nil {
		if session, err = h.service.OpenSession(ctx, code, caller); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Finished != nil {
		payout, err := h.service.CloseSession(ctx, code, caller)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, payout)
		return
	}
	c.JSON(http.StatusOK, session.Summary())
}

// parseLedgerID accepts a JSON number or a decimal or 0x-hex string.
func parseLedgerID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	var s string
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, domain.ErrInvalidLedgerID
		}
	} else {
		s = string(raw)
	}
	return domain.ParseLedgerGameID(s)
}

type joinRequest struct {
	DisplayName string `json:"displayName"`
}

func (h *SessionHandler) JoinSession(c *gin.Context) {
	var req joinRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	p, err := h.service.JoinSession(c.Request.Context(), c.Param("code"), identity(c), req.DisplayName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

type answerRequest struct {
	ItemID string `json:"itemId" binding:"required"`
	Answer string `json:"answer" binding:"required"`
}

func (h *SessionHandler) SubmitAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.service.SubmitAnswer(c.Request.Context(), c.Param("code"), identity(c), req.ItemID, req.Answer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CompleteSession returns the final score and reward. A retry gets 403 with the
// same score and reward.
func (h *SessionHandler) CompleteSession(c *gin.Context) {
	done, err := h.service.CompleteSession(c.Request.Context(), c.Param("code"), identity(c))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, done)
	case errors.Is(err, domain.ErrAlreadyCompleted):
		c.JSON(http.StatusForbidden, gin.H{
			"score":  done.Score,
			"reward": done.Reward,
			"error":  err.Error(),
			"kind":   domain.KindForbidden,
		})
	default:
		writeError(c, err)
	}
}

func (h *SessionHandler) GetLeaderboard(c *gin.Context) {
	sortBy := app.LeaderboardSort(c.DefaultQuery("sort", string(app.SortByScore)))
	if sortBy != app.SortByScore && sortBy != app.SortByName {
		badRequest(c, "sort must be score or name")
		return
	}
	lb, err := h.service.GetLeaderboard(c.Request.Context(), c.Param("code"), sortBy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lb)
}

// BreakerHandler exposes circuit breaker state.
type BreakerHandler struct {
	breakers *breaker.Registry
}

func NewBreakerHandler(breakers *breaker.Registry) *BreakerHandler {
	return &BreakerHandler{breakers: breakers}
}

func (h *BreakerHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.Snapshots()})
}

type resetRequest struct {
	Name string `json:"name"`
}

// Reset closes one breaker, or all of them when no name is given.
func (h *BreakerHandler) Reset(c *gin.Context) {
	var req resetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if err := h.breakers.Reset(req.Name); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Kind: domain.KindNotFound})
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.Snapshots()})
}

// AuthHandler issues identity tokens. Only mounted when dev tokens are enabled.
type AuthHandler struct {
	auth *Authenticator
}

func NewAuthHandler(auth *Authenticator) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type tokenRequest struct {
	Address string `json:"address" binding:"required"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	token, err := h.auth.IssueToken(req.Address)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
