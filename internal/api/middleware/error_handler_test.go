package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	apperrors "conductor.io/conductor/internal/pkg/errors"
	"conductor.io/conductor/internal/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

func serve(t *testing.T, handler gin.HandlerFunc, header string) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	router.Use(RequestID(), ErrorHandler())
	router.GET("/x", handler)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if header != "" {
		req.Header.Set(RequestIDHeader, header)
	}
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "not found",
			err:        apperrors.NotFound(apperrors.CodeInstanceNotFound, "instance not found"),
			wantStatus: http.StatusNotFound,
			wantCode:   apperrors.CodeInstanceNotFound,
		},
		{
			name:       "validation",
			err:        apperrors.BadRequest(apperrors.CodeValidationFailed, "bad operation"),
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeValidationFailed,
		},
		{
			name:       "wrapped app error",
			err:        fmt.Errorf("spawn: %w", apperrors.Conflict(apperrors.CodeInstanceUnacceptable, "wrong state")),
			wantStatus: http.StatusConflict,
			wantCode:   apperrors.CodeInstanceUnacceptable,
		},
		{
			name:       "generic",
			err:        fmt.Errorf("something unexpected"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, func(c *gin.Context) { _ = c.Error(tt.err) }, "")
			require.Equal(t, tt.wantStatus, w.Code)
			require.Equal(t, tt.wantCode, decode(t, w)["code"])
		})
	}
}

func TestErrorHandler_NoErrors(t *testing.T) {
	w := serve(t, func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) }, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", decode(t, w)["status"])
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := func(c *gin.Context) {
		seen = GetRequestID(c.Request.Context())
		c.Status(http.StatusNoContent)
	}

	w := serve(t, handler, "req-123")
	require.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
	require.Equal(t, "req-123", seen)

	w = serve(t, handler, "")
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
	require.Equal(t, w.Header().Get(RequestIDHeader), seen)
}

func TestRequestID_ReplacesUnsafeIDs(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{name: "token", header: "deploy-42.retry_1", keep: true},
		{name: "uuid", header: "0190a3c4-7b1e-7c00-8000-000000000001", keep: true},
		{name: "whitespace", header: "req 1", keep: false},
		{name: "json breaker", header: `req"}`, keep: false},
		{name: "too long", header: strings.Repeat("a", maxRequestIDLen+1), keep: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			w := serve(t, func(c *gin.Context) {
				seen = GetRequestID(c.Request.Context())
				c.Status(http.StatusNoContent)
			}, tt.header)
			got := w.Header().Get(RequestIDHeader)
			require.Equal(t, got, seen)
			if tt.keep {
				require.Equal(t, tt.header, got)
				return
			}
			require.NotEqual(t, tt.header, got)
			_, err := uuid.Parse(got)
			require.NoError(t, err)
		})
	}
}

func TestJobMetadata(t *testing.T) {
	require.Nil(t, JobMetadata(context.Background()))

	var meta []byte
	serve(t, func(c *gin.Context) {
		meta = JobMetadata(c.Request.Context())
		c.Status(http.StatusNoContent)
	}, "req-7")
	require.JSONEq(t, `{"request_id":"req-7"}`, string(meta))
}
