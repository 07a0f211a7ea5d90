package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestAccessLog はAccessLogミドルウェアを検証する。
func TestAccessLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantLevel zapcore.Level
	}{
		{name: "2xxはInfoで出力すること", status: http.StatusOK, wantLevel: zapcore.InfoLevel},
		{name: "4xxはWarnで出力すること", status: http.StatusUnauthorized, wantLevel: zapcore.WarnLevel},
		{name: "5xxはErrorで出力すること", status: http.StatusBadGateway, wantLevel: zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zapcore.DebugLevel)
			router := gin.New()
			router.Use(RequestID())
			router.Use(AccessLog(zap.New(core)))
			router.GET("/api/patients", func(c *gin.Context) {
				c.Status(tt.status)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
			req.Header.Set(HeaderRequestID, "log-test")
			router.ServeHTTP(httptest.NewRecorder(), req)

			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("ログ件数 = %d, want 1", len(entries))
			}
			if entries[0].Level != tt.wantLevel {
				t.Errorf("Level = %v, want %v", entries[0].Level, tt.wantLevel)
			}
			fields := entries[0].ContextMap()
			if fields["path"] != "/api/patients" {
				t.Errorf("path = %v, want %q", fields["path"], "/api/patients")
			}
			if fields["status"] != int64(tt.status) {
				t.Errorf("status = %v, want %d", fields["status"], tt.status)
			}
			if fields["request_id"] != "log-test" {
				t.Errorf("request_id = %v, want %q", fields["request_id"], "log-test")
			}
		})
	}
}
