package middleware

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"conductor.io/conductor/internal/pkg/logger"
)

type requestIDKey struct{}

const (
	// RequestIDHeader carries the operator's trace id. It is echoed on the
	// response and recorded on every job the request enqueues.
	RequestIDHeader = "X-Request-ID"

	maxRequestIDLen = 64
)

// RequestID tags the request with a trace id. A caller-supplied id is kept
// only when it is a short token; anything else is replaced so it can be
// logged and stored on job metadata verbatim.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if !validRequestID(rid) {
			id, _ := uuid.NewV7()
			rid = id.String()
		}
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestIDKey{}, rid))
		c.Next()
	}
}

func validRequestID(rid string) bool {
	if rid == "" || len(rid) > maxRequestIDLen {
		return false
	}
	for _, r := range rid {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// GetRequestID returns the request's trace id, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey{}).(string)
	return rid
}

// RequestLogger returns the global logger tagged with the request id.
func RequestLogger(ctx context.Context) *zap.Logger {
	return logger.With(zap.String("request_id", GetRequestID(ctx)))
}

// JobMetadata is the river job metadata linking a job to the request that
// enqueued it. It is nil outside a request.
func JobMetadata(ctx context.Context) []byte {
	rid := GetRequestID(ctx)
	if rid == "" {
		return nil
	}
	raw, _ := json.Marshal(map[string]string{"request_id": rid})
	return raw
}
