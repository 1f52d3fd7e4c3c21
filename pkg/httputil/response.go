package httputil

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thedusen/booksphere-outbox/pkg/errors"
)

// Response wraps all API responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents API error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Page describes one limit/offset window of a listing.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

// PaginatedResponse wraps paginated data
type PaginatedResponse struct {
	Data interface{} `json:"data"`
	Page Page        `json:"page"`
}

// RespondWithSuccess sends a success response
func RespondWithSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithCreated sends a 201 success response
func RespondWithCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithError maps err to an application error and sends it. Internal
// causes are attached to the gin context for the logger, not the client.
func RespondWithError(c *gin.Context, err error) {
	appErr := errors.FromDomain(err)
	statusCode := appErr.Code.HTTPStatus()
	if statusCode >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	c.AbortWithStatusJSON(statusCode, Response{
		Success: false,
		Error: &Error{
			Code:    statusCode,
			Message: appErr.Message,
			TraceID: c.GetString("request_id"),
		},
	})
}

// RespondWithPage sends one page of a listing
func RespondWithPage(c *gin.Context, data interface{}, limit, offset, count int) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: PaginatedResponse{
			Data: data,
			Page: Page{
				Limit:  limit,
				Offset: offset,
				Count:  count,
			},
		},
	})
}
