package partition

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/internal/repository"
	"github.com/thedusen/booksphere-outbox/pkg/errors"
	"github.com/thedusen/booksphere-outbox/pkg/httputil"
)

// Quarantine is the subset of the processor the admin API drives.
type Quarantine interface {
	Quarantined() []uuid.UUID
	ClearQuarantine(organizationID uuid.UUID)
}

type Handler struct {
	cursors    repository.CursorStore
	quarantine Quarantine
}

func NewHandler(cursors repository.CursorStore, quarantine Quarantine) *Handler {
	return &Handler{cursors: cursors, quarantine: quarantine}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/organizations/:organization_id/cursors", h.ListCursors)

	if h.quarantine != nil {
		q := r.Group("/quarantine")
		{
			q.GET("", h.ListQuarantined)
			q.DELETE("/:organization_id", h.ClearQuarantine)
		}
	}
}

type organizationURI struct {
	OrganizationID string `uri:"organization_id" binding:"required,uuid"`
}

func (h *Handler) ListCursors(c *gin.Context) {
	var uri organizationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		httputil.RespondWithError(c, errors.BadRequest("invalid organization id", err))
		return
	}

	cursors, err := h.cursors.ListCursors(c.Request.Context(), uuid.MustParse(uri.OrganizationID))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	if cursors == nil {
		cursors = []*model.OutboxCursor{}
	}
	httputil.RespondWithSuccess(c, cursors)
}

func (h *Handler) ListQuarantined(c *gin.Context) {
	orgs := h.quarantine.Quarantined()
	if orgs == nil {
		orgs = []uuid.UUID{}
	}
	httputil.RespondWithSuccess(c, gin.H{"organization_ids": orgs})
}

// ClearQuarantine lets the partition run again after an operator has
// resolved the ordering violation.
func (h *Handler) ClearQuarantine(c *gin.Context) {
	var uri organizationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		httputil.RespondWithError(c, errors.BadRequest("invalid organization id", err))
		return
	}
	h.quarantine.ClearQuarantine(uuid.MustParse(uri.OrganizationID))
	httputil.RespondWithSuccess(c, gin.H{"organization_id": uri.OrganizationID})
}
