// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// リクエストIDの付与、構造化アクセスログ、パニックリカバリ、CORS設定、
// Bearerトークンの取り出しなど、authサービスとgatewayの両方で使用する処理を含む。
package middleware
