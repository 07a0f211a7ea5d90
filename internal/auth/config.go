package auth

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nao1215/medgate/pkg/token"
)

// devJWTSecret はDEV_MODEでJWT_SECRETが未設定の場合に使用する開発用の署名鍵。
const devJWTSecret = "dev-secret-key-change-me-in-production"

// Config は認証サービスの設定。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string
	// DevMode は開発用の設定を許可するかどうか。
	DevMode bool
	// JWTSecret はトークンの署名鍵。
	JWTSecret string
	// TokenTTL は発行するトークンの有効期間。
	TokenTTL time.Duration
	// TokenLeeway は有効期限判定の許容誤差。
	TokenLeeway time.Duration
	// DatabasePath はSQLiteファイルのパス。
	DatabasePath string
	// RedisAddr は資格情報キャッシュのRedisアドレス。空の場合はキャッシュを使わない。
	RedisAddr string
	// CacheTTL はキャッシュエントリの保持期間。
	CacheTTL time.Duration
	// LookupTimeout は資格情報の取得にかけるタイムアウト。
	LookupTimeout time.Duration
	// BcryptCost はシードユーザーのハッシュ生成に使うコスト。
	BcryptCost int
	// SeedEmail は起動時に登録するユーザーのメールアドレス。
	SeedEmail string
	// SeedPassword は起動時に登録するユーザーのパスワード。
	SeedPassword string
	// SeedRole は起動時に登録するユーザーのロール。
	SeedRole string
}

// LoadConfig は環境変数から設定を読み込む。
// JWT_SECRETは必須で、DEV_MODE=trueの場合のみ未設定を許可して開発用の署名鍵を使う。
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:         getEnvOr("PORT", "4005"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		DatabasePath: getEnvOr("DATABASE_PATH", "/data/auth.db"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		SeedEmail:    os.Getenv("SEED_USER_EMAIL"),
		SeedPassword: os.Getenv("SEED_USER_PASSWORD"),
		SeedRole:     getEnvOr("SEED_USER_ROLE", "ADMIN"),
	}

	var err error
	if cfg.DevMode, err = getBoolOr("DEV_MODE", false); err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		if !cfg.DevMode {
			return nil, errors.New("JWT_SECRETが設定されていません。開発環境ではDEV_MODE=trueを指定してください")
		}
		cfg.JWTSecret = devJWTSecret
	}
	if cfg.TokenTTL, err = getDurationOr("TOKEN_TTL", token.DefaultTTL); err != nil {
		return nil, err
	}
	if cfg.TokenLeeway, err = getDurationOr("TOKEN_LEEWAY", 0); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getDurationOr("CACHE_TTL", DefaultCacheTTL); err != nil {
		return nil, err
	}
	if cfg.LookupTimeout, err = getDurationOr("LOOKUP_TIMEOUT", DefaultLookupTimeout); err != nil {
		return nil, err
	}
	if cfg.BcryptCost, err = getIntOr("BCRYPT_COST", 10); err != nil {
		return nil, err
	}

	if (cfg.SeedEmail == "") != (cfg.SeedPassword == "") {
		return nil, fmt.Errorf("SEED_USER_EMAILとSEED_USER_PASSWORDは両方指定する必要があります")
	}
	return cfg, nil
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

// getBoolOr は環境変数を真偽値として解析する。未設定の場合はデフォルト値を返す。
func getBoolOr(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%sの値が不正です: %q", key, v)
	}
	return b, nil
}
