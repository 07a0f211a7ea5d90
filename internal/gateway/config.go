package gateway

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ValidationRemote は認証サービスに問い合わせてトークンを検証する方式。
	ValidationRemote = "remote"
	// ValidationLocal は共有の署名鍵でプロセス内検証する方式。
	ValidationLocal = "local"
)

// defaultRoutes は埋め込みの既定ルートテーブル。
//
//go:embed routes/default.yaml
var defaultRoutes []byte

// Config はGatewayの設定。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string
	// RoutesFile はルートテーブルのYAMLファイルのパス。空の場合は既定のテーブルを使う。
	RoutesFile string
	// AuthServiceURL は認証サービスのベースURL。
	AuthServiceURL string
	// TokenValidation はトークンの検証方式（remote または local）。
	TokenValidation string
	// JWTSecret はlocal方式で使う署名鍵。
	JWTSecret string
	// TokenLeeway はlocal方式での有効期限判定の許容誤差。
	TokenLeeway time.Duration
	// UpstreamTimeout はバックエンド呼び出しのタイムアウト。
	UpstreamTimeout time.Duration
	// ValidateTimeout は認証サービスへの問い合わせのタイムアウト。
	ValidateTimeout time.Duration
	// StripHeaders はバックエンドに転送しないヘッダー。
	StripHeaders []string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// BreakerThreshold はサーキットブレーカーが開く連続失敗回数。
	BreakerThreshold int
	// BreakerTimeout はサーキットブレーカーが開いている時間。
	BreakerTimeout time.Duration
	// MaxBodyBytes はリクエストボディの上限サイズ。
	MaxBodyBytes int64
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:            getEnvOr("PORT", "4004"),
		RoutesFile:      os.Getenv("ROUTES_FILE"),
		AuthServiceURL:  getEnvOr("AUTH_SERVICE_URL", "http://auth-service:4005"),
		TokenValidation: strings.ToLower(getEnvOr("TOKEN_VALIDATION", ValidationRemote)),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		StripHeaders:    splitList(os.Getenv("STRIP_HEADERS")),
		AllowedOrigins:  splitList(getEnvOr("ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	var err error
	if cfg.TokenLeeway, err = getDurationOr("TOKEN_LEEWAY", 0); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeout, err = getDurationOr("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout); err != nil {
		return nil, err
	}
	if cfg.ValidateTimeout, err = getDurationOr("VALIDATE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.BreakerTimeout, err = getDurationOr("CIRCUIT_BREAKER_TIMEOUT", DefaultBreakerTimeout); err != nil {
		return nil, err
	}
	if cfg.BreakerThreshold, err = getIntOr("CIRCUIT_BREAKER_THRESHOLD", DefaultBreakerThreshold); err != nil {
		return nil, err
	}
	maxBody, err := getIntOr("MAX_BODY_BYTES", int(DefaultMaxBodyBytes))
	if err != nil {
		return nil, err
	}
	if maxBody <= 0 {
		return nil, fmt.Errorf("MAX_BODY_BYTESは正の値である必要があります: %d", maxBody)
	}
	cfg.MaxBodyBytes = int64(maxBody)

	switch cfg.TokenValidation {
	case ValidationRemote:
	case ValidationLocal:
		if cfg.JWTSecret == "" {
			return nil, errors.New("TOKEN_VALIDATION=localの場合はJWT_SECRETが必要です")
		}
	default:
		return nil, fmt.Errorf("TOKEN_VALIDATIONの値が不正です: %q", cfg.TokenValidation)
	}
	return cfg, nil
}

// routeFile はルートテーブルファイルの構造。
type routeFile struct {
	Routes []RouteDefinition `yaml:"routes"`
}

// LoadRoutes はルート定義を読み込む。pathが空の場合は埋め込みの既定テーブルを使う。
func LoadRoutes(path string) ([]RouteDefinition, error) {
	if path == "" {
		return ParseRoutes(defaultRoutes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ルートファイルの読み込みに失敗: %w", err)
	}
	return ParseRoutes(data)
}

// ParseRoutes はYAML形式のルート定義を解析する。
// uriに含まれる ${NAME} および ${NAME:-default} 形式の環境変数参照を展開する。
// RewritePathの置換文字列の${name}はグループ参照のため展開しない。
// 未知のフィールドはエラーとする。
func ParseRoutes(data []byte) ([]RouteDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f routeFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("ルートファイルの解析に失敗: %w", err)
	}
	if len(f.Routes) == 0 {
		return nil, errors.New("ルートが1件も定義されていません")
	}
	for i := range f.Routes {
		f.Routes[i].URI = os.Expand(f.Routes[i].URI, expandEnv)
	}
	return f.Routes, nil
}

// expandEnv は環境変数を参照する。"NAME:-default" 形式では未設定時にdefaultを返す。
func expandEnv(key string) string {
	name, fallback, hasDefault := strings.Cut(key, ":-")
	if v := os.Getenv(name); v != "" {
		return v
	}
	if hasDefault {
		return fallback
	}
	return ""
}

// splitList はカンマ区切りの値を分割する。空要素は取り除く。
func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getDurationOr は環境変数を期間として解析する。未設定の場合はデフォルト値を返す。
func getDurationOr(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%sの値が不正です: %q", key, v)
	}
	return d, nil
}

// getIntOr は環境変数を整数として解析する。未設定の場合はデフォルト値を返す。
func getIntOr(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%sの値が不正です: %q", key, v)
	}
	return n, nil
}
