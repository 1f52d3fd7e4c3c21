package deadletter

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/internal/repository"
	"github.com/thedusen/booksphere-outbox/pkg/errors"
	"github.com/thedusen/booksphere-outbox/pkg/httputil"
)

const defaultLimit = 50

// Replayer re-enqueues a dead-lettered event.
type Replayer interface {
	Replay(ctx context.Context, dlqID uuid.UUID) (*model.OutboxEvent, error)
}

type Handler struct {
	store    repository.DeadLetterStore
	replayer Replayer
}

func NewHandler(store repository.DeadLetterStore, replayer Replayer) *Handler {
	return &Handler{store: store, replayer: replayer}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/organizations/:organization_id/dead-letters", h.List)

	dlq := r.Group("/dead-letters")
	{
		dlq.GET("/:dlq_id", h.Get)
		dlq.POST("/:dlq_id/replay", h.Replay)
	}
}

type organizationURI struct {
	OrganizationID string `uri:"organization_id" binding:"required,uuid"`
}

type entryURI struct {
	DLQID string `uri:"dlq_id" binding:"required,uuid"`
}

type listQuery struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

func (h *Handler) List(c *gin.Context) {
	var uri organizationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		httputil.RespondWithError(c, errors.BadRequest("invalid organization id", err))
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		httputil.RespondWithError(c, errors.BadRequest("invalid pagination", err))
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}

	entries, err := h.store.ListDeadLetters(c.Request.Context(), uuid.MustParse(uri.OrganizationID), q.Limit, q.Offset)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	if entries == nil {
		entries = []*model.DeadLetterEntry{}
	}
	httputil.RespondWithPage(c, entries, q.Limit, q.Offset, len(entries))
}

func (h *Handler) Get(c *gin.Context) {
	var uri entryURI
	if err := c.ShouldBindUri(&uri); err != nil {
		httputil.RespondWithError(c, errors.BadRequest("invalid dead letter id", err))
		return
	}

	entry, err := h.store.GetDeadLetter(c.Request.Context(), uuid.MustParse(uri.DLQID))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, entry)
}

func (h *Handler) Replay(c *gin.Context) {
	var uri entryURI
	if err := c.ShouldBindUri(&uri); err != nil {
		httputil.RespondWithError(c, errors.BadRequest("invalid dead letter id", err))
		return
	}

	evt, err := h.replayer.Replay(c.Request.Context(), uuid.MustParse(uri.DLQID))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, evt)
}
