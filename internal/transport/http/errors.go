package http

import (
	"net/http"

	"quizchain-service/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type ErrorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind"`
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden, domain.KindCapacityReached:
		return http.StatusForbidden
	case domain.KindGone:
		return http.StatusGone
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindGenerationUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError maps err to its status code. Internal errors are logged and
// reported without detail.
func writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", c.GetString("request_id")).Str("path", c.FullPath()).Msg("request failed")
		msg = "internal error"
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: msg, Kind: kind})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Kind: domain.KindValidation})
}
