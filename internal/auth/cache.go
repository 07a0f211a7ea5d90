package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// cacheKeyPrefix はRedisに保存する資格情報キーの接頭辞。
const cacheKeyPrefix = "medgate:credential:"

// DefaultCacheTTL はキャッシュエントリの既定の保持期間。
const DefaultCacheTTL = 5 * time.Minute

// CachedStore はRedisを読み取りキャッシュとして前段に置く資格情報ストア。
// Redisの障害時は警告ログを出して背後のストアに委譲する。
// 存在しないメールアドレスはキャッシュしない。
//
// キャッシュにはパスワードハッシュを含む資格情報をそのまま保存する。
// CreateUserとUpdatePasswordは書き込み後にエントリを削除するが、
// 背後のストアを直接更新した場合やRedisの削除に失敗した場合は、
// 最大でTTLの間、古いハッシュでの認証が成功し得る。
type CachedStore struct {
	// next は背後の資格情報ストア。
	next CredentialStore
	// client はRedisクライアント。
	client redis.UniversalClient
	// ttl はキャッシュエントリの保持期間。
	ttl time.Duration
	// logger はロガー。
	logger *zap.Logger
}

// NewCachedStore は新しいCachedStoreを生成する。
func NewCachedStore(next CredentialStore, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// FindByEmail はキャッシュを参照し、無ければ背後のストアから取得してキャッシュする。
func (s *CachedStore) FindByEmail(ctx context.Context, email string) (*Credential, error) {
	key := cacheKeyPrefix + email

	raw, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var c Credential
		if err := json.Unmarshal(raw, &c); err == nil {
			return &c, nil
		}
		s.logger.Warn("キャッシュの資格情報を復元できません", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		s.logger.Warn("資格情報キャッシュの参照に失敗", zap.Error(err))
	}

	c, err := s.next.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(c); err == nil {
		if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
			s.logger.Warn("資格情報キャッシュの保存に失敗", zap.Error(err))
		}
	}
	return c, nil
}

// Invalidate は指定したメールアドレスのキャッシュを削除する。
func (s *CachedStore) Invalidate(ctx context.Context, email string) error {
	return s.client.Del(ctx, cacheKeyPrefix+email).Err()
}

// CreateUser は背後のストアにユーザーを登録し、キャッシュを削除する。
func (s *CachedStore) CreateUser(ctx context.Context, c Credential) (string, error) {
	w, err := s.writer()
	if err != nil {
		return "", err
	}
	id, err := w.CreateUser(ctx, c)
	if err != nil {
		return "", err
	}
	s.invalidateAfterWrite(ctx, c.Email)
	return id, nil
}

// UpdatePassword は背後のストアでパスワードハッシュを更新し、キャッシュを削除する。
func (s *CachedStore) UpdatePassword(ctx context.Context, email, passwordHash string) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	if err := w.UpdatePassword(ctx, email, passwordHash); err != nil {
		return err
	}
	s.invalidateAfterWrite(ctx, email)
	return nil
}

// writer は背後のストアを書き込み可能なストアとして返す。
func (s *CachedStore) writer() (CredentialWriter, error) {
	w, ok := s.next.(CredentialWriter)
	if !ok {
		return nil, fmt.Errorf("背後の資格情報ストアは書き込みに対応していません: %T", s.next)
	}
	return w, nil
}

// invalidateAfterWrite は書き込み後にキャッシュを削除する。失敗はログにのみ出力する。
func (s *CachedStore) invalidateAfterWrite(ctx context.Context, email string) {
	if err := s.Invalidate(ctx, email); err != nil {
		s.logger.Warn("資格情報キャッシュの削除に失敗", zap.String("email", email), zap.Error(err))
	}
}
