package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAuthorization は認証情報を運ぶHTTPヘッダーキー。
const HeaderAuthorization = "Authorization"

// bearerPrefix はBearerスキームの接頭辞。
const bearerPrefix = "Bearer "

// ParseBearer はAuthorizationヘッダーの値からBearerトークンを取り出す。
// ヘッダーが空、Bearer形式でない、トークンが空の場合はfalseを返す。
func ParseBearer(header string) (string, bool) {
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// BearerToken はリクエストのAuthorizationヘッダーからBearerトークンを取り出す。
func BearerToken(c *gin.Context) (string, bool) {
	return ParseBearer(c.GetHeader(HeaderAuthorization))
}
