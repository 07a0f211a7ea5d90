// Package token はサービス間で共有する署名付きトークンの発行と検証を提供する。
//
// トークンはHS256で署名したJWTで、サブジェクト（メールアドレス）、ロール、
// 発行時刻、有効期限を含む。検証失敗は「形式不正」「署名不一致」「期限切れ」の
// 3種類に区別され、呼び出し側はerrors.Isで判定する。
package token
