// Package auth は認証サービス（トークンサービス）の内部実装を提供する。
//
// メールアドレスとパスワードで資格情報を照合し、成功した場合にトークンを
// 発行する。発行済みトークンの検証APIも提供し、gatewayはこれを呼び出して
// 保護されたルートへのアクセスを判定する。
//
// 主な機能:
//   - ログイン（POST /login）: 資格情報の照合とトークン発行
//   - トークン検証（GET /validate）: Bearerトークンの有効性判定
//   - 資格情報ストア: SQLite（必要に応じてRedisキャッシュを前段に置く）
package auth
