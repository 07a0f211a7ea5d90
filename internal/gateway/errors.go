package gateway

import "errors"

var (
	// ErrRouteNotFound はリクエストパスに一致するルートが存在しないことを表す。
	ErrRouteNotFound = errors.New("ルートが見つかりません")
	// ErrFilterRejected はフィルタがリクエストを拒否したことを表す。
	ErrFilterRejected = errors.New("フィルタによりリクエストが拒否されました")
	// ErrUpstreamUnavailable はバックエンドサービスと通信できないことを表す。
	ErrUpstreamUnavailable = errors.New("上流サービスと通信できません")
	// ErrCircuitOpen はサーキットブレーカーが開いていることを表す。
	// ErrUpstreamUnavailableと組み合わせて返される。
	ErrCircuitOpen = errors.New("サーキットブレーカーが開いています")
	// ErrRequestTooLarge はリクエストボディが上限サイズを超えたことを表す。
	ErrRequestTooLarge = errors.New("リクエストボディが上限サイズを超えています")
)
