package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTTL はトークンの既定の有効期間。
	DefaultTTL = 24 * time.Hour
	// DefaultIssuer は既定の発行者名。
	DefaultIssuer = "medgate-auth"
)

// Token は検証済みトークンの内容を表す。
type Token struct {
	// ID はトークンの一意識別子（jti）。
	ID string
	// Subject は認証されたユーザーのメールアドレス。
	Subject string
	// Role はユーザーのロール。
	Role string
	// IssuedAt は発行時刻。
	IssuedAt time.Time
	// ExpiresAt は有効期限。この時刻以降は無効。
	ExpiresAt time.Time
}

// Claims はJWTのペイロードを表す。
type Claims struct {
	jwt.RegisteredClaims
	// Role はユーザーのロール。
	Role string `json:"role"`
}

// Codec はトークンの署名と検証を行う。
// 生成後は不変であり、複数のゴルーチンから同時に使用できる。
type Codec struct {
	// secret はHS256の署名鍵。
	secret []byte
	// ttl は発行するトークンの有効期間。
	ttl time.Duration
	// leeway は有効期限判定で許容する時計のずれ。
	leeway time.Duration
	// issuer はissクレームに設定する発行者名。
	issuer string
	// now は現在時刻を返す関数。
	now func() time.Time
}

// Option はCodecの設定を変更する関数。
type Option func(*Codec)

// WithTTL はトークンの有効期間を設定する。
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLeeway は有効期限判定の許容誤差を設定する。既定は0。
func WithLeeway(leeway time.Duration) Option {
	return func(c *Codec) {
		if leeway >= 0 {
			c.leeway = leeway
		}
	}
}

// WithIssuer は発行者名を設定する。
func WithIssuer(issuer string) Option {
	return func(c *Codec) {
		if issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithClock は現在時刻の取得元を差し替える。テストで使用する。
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec は新しいCodecを生成する。secretが空の場合はエラーを返す。
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("署名鍵が設定されていません")
	}
	c := &Codec{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL は発行するトークンの有効期間を返す。
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Sign はサブジェクトとロールを含むトークンを発行する。
func (c *Codec) Sign(subject, role string) (string, error) {
	now := c.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		Role: role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Verify はトークン文字列を検証して内容を返す。
// 失敗時はErrMalformed、ErrInvalidSignature、ErrExpiredのいずれかをラップして返す。
func (c *Codec) Verify(tokenString string) (*Token, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if claims.Subject == "" || claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: 必須クレームがありません", ErrMalformed)
	}

	return &Token{
		ID:        claims.ID,
		Subject:   claims.Subject,
		Role:      claims.Role,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// classify はjwtライブラリのエラーを3種類の検証エラーに分類する。
// 署名検証はクレーム検証より先に行われるため、期限切れは署名が正しい場合にのみ返る。
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
