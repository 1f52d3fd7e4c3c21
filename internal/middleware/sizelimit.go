package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
	"github.com/thedusen/booksphere-outbox/pkg/httputil"
)

// SizeLimitConfig represents size limit configuration
type SizeLimitConfig struct {
	MaxBodySize   int64 // in bytes
	MaxHeaderSize int   // in bytes
}

func DefaultSizeLimitConfig() SizeLimitConfig {
	return SizeLimitConfig{
		MaxBodySize:   64 << 10, // 64KB
		MaxHeaderSize: 1 << 14,  // 16KB
	}
}

// SizeLimit rejects oversized requests with 413 and caps the body reader so
// a missing or false Content-Length cannot get past the limit.
func SizeLimit(config SizeLimitConfig) gin.HandlerFunc {
	defaults := DefaultSizeLimitConfig()
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaults.MaxBodySize
	}
	if config.MaxHeaderSize <= 0 {
		config.MaxHeaderSize = defaults.MaxHeaderSize
	}
	return func(c *gin.Context) {
		if c.Request.ContentLength > config.MaxBodySize {
			httputil.RespondWithError(c, apperrors.TooLarge(
				fmt.Sprintf("body size exceeds %d bytes", config.MaxBodySize), nil))
			return
		}

		headerSize := 0
		for name, values := range c.Request.Header {
			headerSize += len(name)
			for _, value := range values {
				headerSize += len(value)
			}
		}
		if headerSize > config.MaxHeaderSize {
			httputil.RespondWithError(c, apperrors.TooLarge(
				fmt.Sprintf("header size exceeds %d bytes", config.MaxHeaderSize), nil))
			return
		}

		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.MaxBodySize)
		}
		c.Next()
	}
}
