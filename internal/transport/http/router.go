// Package http exposes the session engine over REST and websockets.
package http

import (
	"net/http"
	"time"

	"quizchain-service/internal/app"
	"quizchain-service/internal/breaker"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries what NewRouter wires together.
type RouterConfig struct {
	Service        *app.SessionService
	Breakers       *breaker.Registry
	Auth           *Authenticator
	DevTokens      bool
	Operators      []string
	AllowedOrigins []string
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger())

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ws := NewWSHandler(cfg.Service, cfg.Auth)
	r.GET("/ws", gin.WrapF(ws.ServeWS))

	sessions := NewSessionHandler(cfg.Service)
	breakers := NewBreakerHandler(cfg.Breakers)
	requireID := RequireIdentity(cfg.Auth)

	v1 := r.Group("/api/v1")
	v1.Use(MetricsMiddleware())
	{
		if cfg.DevTokens {
			v1.POST("/auth/token", NewAuthHandler(cfg.Auth).IssueToken)
		}

		s := v1.Group("/sessions")
		s.GET("", sessions.ListSessions)
		s.POST("", requireID, sessions.CreateSession)
		s.GET("/:code", OptionalIdentity(cfg.Auth), sessions.GetSession)
		s.PATCH("/:code", requireID, sessions.UpdateSession)
		s.POST("/:code/join", requireID, sessions.JoinSession)
		s.POST("/:code/answers", requireID, sessions.SubmitAnswer)
		s.POST("/:code/complete", requireID, sessions.CompleteSession)
		s.GET("/:code/leaderboard", sessions.GetLeaderboard)

		v1.GET("/breakers", breakers.List)
		v1.POST("/breakers/reset", requireID, RequireOperator(cfg.Operators), breakers.Reset)
	}
	return r
}
