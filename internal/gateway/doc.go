// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一の入口として、リクエストパスをルートテーブルと
// 照合し、ルートに定義されたフィルタ（パスの書き換え、トークン検証）を
// 宣言順に適用したうえで、対応するバックエンドサービスへプロキシする。
//
// 主な構成要素:
//   - RouteTable: 完全一致または "/**" 前方一致でルートを選択する
//   - Filter: StripPrefix、RewritePath、RequireValidToken
//   - Validator: 認証サービスへの問い合わせ、またはプロセス内での署名検証
//   - Proxy: ルートごとのサーキットブレーカーと冪等リクエストの再試行
package gateway
