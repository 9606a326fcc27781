// Package health exposes liveness and current-round information over HTTP.
package health

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-trivia/bot/internal/middleware"
	"github.com/aura-trivia/bot/internal/models"
	"github.com/aura-trivia/bot/pkg/response"
)

// Pinger checks the backing store. *redis.Client from pkg/redis satisfies it.
type Pinger interface {
	Healthy(ctx context.Context) error
}

// RoundSource yields the current round. *rounds.Ledger satisfies it.
type RoundSource interface {
	CurrentRound(ctx context.Context) (models.Round, error)
}

// DeadlineCounter reports armed deadlines. *queue.Queue satisfies it.
type DeadlineCounter interface {
	Pending(ctx context.Context) (int64, error)
}

// Handler serves the health endpoints.
type Handler struct {
	store     Pinger
	rounds    RoundSource
	deadlines DeadlineCounter
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a health handler.
func NewHandler(store Pinger, rounds RoundSource, deadlines DeadlineCounter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, rounds: rounds, deadlines: deadlines, logger: logger, now: time.Now}
}

// RoundView is the public view of a round. Question indices are not exposed.
type RoundView struct {
	ID        string     `json:"id"`
	Questions int        `json:"questions"`
	DrawnAt   *time.Time `json:"drawn_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Open      bool       `json:"open"`
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Healthy(c.Request.Context()); err != nil {
		response.ServiceUnavailable(c, "redis unavailable")
		return
	}
	body := gin.H{"status": "ok"}
	if n, err := h.deadlines.Pending(c.Request.Context()); err == nil {
		body["pending_deadlines"] = n
	}
	response.OK(c, body)
}

// Round handles GET /round.
func (h *Handler) Round(c *gin.Context) {
	round, err := h.rounds.CurrentRound(c.Request.Context())
	if err != nil {
		h.logger.Error("read current round", zap.Error(err))
		response.Internal(c, "failed to read round")
		return
	}
	if round.Empty() {
		response.NotFound(c, "no round drawn")
		return
	}
	view := RoundView{
		ID:        round.ID.String(),
		Questions: round.Len(),
		Open:      !round.Closed(h.now()),
	}
	if !round.DrawnAt.IsZero() {
		view.DrawnAt = &round.DrawnAt
	}
	if !round.ExpiresAt.IsZero() {
		view.ExpiresAt = &round.ExpiresAt
	}
	response.OK(c, view)
}

// NewRouter builds the gin engine with recovery, request logging and the health routes.
func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.GET("/health", h.Health)
	router.GET("/round", h.Round)
	return router
}
