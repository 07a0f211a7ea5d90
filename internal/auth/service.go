package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/medgate/pkg/token"
)

// DefaultLookupTimeout は資格情報の取得にかける既定のタイムアウト。
const DefaultLookupTimeout = 3 * time.Second

// PasswordMatcher は平文パスワードとハッシュを照合する。
type PasswordMatcher interface {
	Matches(plaintext, hash string) bool
}

// Service はトークンの発行と検証を行うトークンサービス。
// 状態を持たないため複数のゴルーチンから同時に呼び出せる。
type Service struct {
	// store は資格情報ストア。
	store CredentialStore
	// matcher はパスワード照合。
	matcher PasswordMatcher
	// codec はトークンの署名と検証。
	codec *token.Codec
	// logger はロガー。
	logger *zap.Logger
	// lookupTimeout は資格情報の取得にかけるタイムアウト。
	lookupTimeout time.Duration
	// dummyHash はユーザーが存在しない場合にも照合を行うためのハッシュ。
	dummyHash string
	// metrics はPrometheusメトリクス。
	metrics *serviceMetrics
}

// ServiceOption はServiceの設定を変更する関数。
type ServiceOption func(*Service)

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLookupTimeout は資格情報の取得にかけるタイムアウトを設定する。
func WithLookupTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.lookupTimeout = d
		}
	}
}

// WithDummyHash はユーザーが存在しない場合に照合するハッシュを設定する。
// 存在しないユーザーとパスワード不一致で応答時間の差を小さくする。
func WithDummyHash(hash string) ServiceOption {
	return func(s *Service) {
		s.dummyHash = hash
	}
}

// NewService は新しいトークンサービスを生成する。
func NewService(store CredentialStore, matcher PasswordMatcher, codec *token.Codec, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		matcher:       matcher,
		codec:         codec,
		logger:        zap.NewNop(),
		lookupTimeout: DefaultLookupTimeout,
		metrics:       getMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate はメールアドレスとパスワードを照合し、成功した場合にトークンを返す。
// ユーザーが存在しない、パスワードが一致しない、ストアの障害やタイムアウトは
// すべて同じく("", false)を返し、呼び出し側からは区別できない。
func (s *Service) Authenticate(ctx context.Context, email, password string) (string, bool) {
	cred, ok := s.lookup(ctx, email)
	if !ok {
		if s.dummyHash != "" {
			s.matcher.Matches(password, s.dummyHash)
		}
		s.metrics.loginAttempts.WithLabelValues("failure").Inc()
		return "", false
	}

	if !s.matcher.Matches(password, cred.PasswordHash) {
		s.logger.Debug("パスワードが一致しません", zap.String("email", email))
		s.metrics.loginAttempts.WithLabelValues("failure").Inc()
		return "", false
	}

	signed, err := s.codec.Sign(cred.Email, cred.Role)
	if err != nil {
		s.logger.Error("トークンの発行に失敗", zap.String("email", email), zap.Error(err))
		s.metrics.loginAttempts.WithLabelValues("error").Inc()
		return "", false
	}

	s.metrics.loginAttempts.WithLabelValues("success").Inc()
	return signed, true
}

// lookup はタイムアウト付きで資格情報を取得する。
func (s *Service) lookup(ctx context.Context, email string) (*Credential, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	start := time.Now()
	cred, err := s.store.FindByEmail(ctx, email)
	s.metrics.lookupDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil && cred != nil:
		return cred, true
	case err == nil, errors.Is(err, ErrCredentialNotFound):
		s.logger.Debug("資格情報が存在しません", zap.String("email", email))
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("資格情報の取得がタイムアウトしました", zap.String("email", email), zap.Duration("timeout", s.lookupTimeout))
	default:
		s.logger.Warn("資格情報の取得に失敗", zap.String("email", email), zap.Error(err))
	}
	return nil, false
}

// ValidateToken はトークンが有効かどうかを返す。失敗の種類は区別しない。
func (s *Service) ValidateToken(tokenString string) bool {
	_, err := s.Inspect(tokenString)
	return err == nil
}

// Inspect はトークンを検証し、内容または失敗の種類を返す。
// 失敗の種類はログとメトリクスにのみ使用し、利用者には公開しない。
func (s *Service) Inspect(tokenString string) (*token.Token, error) {
	tok, err := s.codec.Verify(tokenString)
	reason := token.Reason(err)
	s.metrics.tokenValidations.WithLabelValues(reason).Inc()
	if err != nil {
		s.logger.Debug("トークンの検証に失敗", zap.String("reason", reason))
		return nil, err
	}
	return tok, nil
}
