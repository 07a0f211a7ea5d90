// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// gatewayがauthサービスのトークン検証APIを呼び出す際などに使用する。
// リクエストIDの伝播、追加ヘッダー、タイムアウトの扱いを統一する。
package httpclient
