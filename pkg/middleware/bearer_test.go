package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestParseBearer はAuthorizationヘッダーの解析を検証する。
func TestParseBearer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
		wantOK bool
	}{
		{name: "正しいBearer形式", header: "Bearer abc.def.ghi", want: "abc.def.ghi", wantOK: true},
		{name: "スキーム名の大文字小文字を区別しない", header: "bearer abc.def.ghi", want: "abc.def.ghi", wantOK: true},
		{name: "前後の空白を除去する", header: "Bearer   abc.def.ghi  ", want: "abc.def.ghi", wantOK: true},
		{name: "空ヘッダー", header: ""},
		{name: "Basic形式", header: "Basic dXNlcjpwYXNz"},
		{name: "トークンが空", header: "Bearer "},
		{name: "空白のみのトークン", header: "Bearer    "},
		{name: "区切りの空白がない", header: "Bearerabc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := ParseBearer(tt.header)
			if ok != tt.wantOK {
				t.Fatalf("ParseBearer(%q) ok = %v, want %v", tt.header, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ParseBearer(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

// TestBearerToken はGinコンテキストからのトークン取り出しを検証する。
func TestBearerToken(t *testing.T) {
	t.Parallel()

	var (
		got string
		ok  bool
	)
	router := gin.New()
	router.GET("/test", func(c *gin.Context) {
		got, ok = BearerToken(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer token-value")
	router.ServeHTTP(httptest.NewRecorder(), req)

	if !ok {
		t.Fatal("BearerToken()がトークンを取り出せなかった")
	}
	if got != "token-value" {
		t.Errorf("BearerToken() = %q, want %q", got, "token-value")
	}
}
