package token

import "errors"

var (
	// ErrMalformed はトークンを期待する構造にデコードできないことを表す。
	ErrMalformed = errors.New("token: malformed")
	// ErrInvalidSignature は署名が一致しないことを表す。
	ErrInvalidSignature = errors.New("token: invalid signature")
	// ErrExpired は有効期限を過ぎていることを表す。
	ErrExpired = errors.New("token: expired")
)

// Reason は検証エラーをログやメトリクス用の固定ラベルに変換する。
// nilの場合は "ok" を返す。
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "malformed"
	}
}
