package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Bcrypt はbcryptによるパスワードハッシュの生成と照合を行う。
type Bcrypt struct {
	// cost はハッシュ生成時のコスト。
	cost int
}

// NewBcrypt は指定コストのBcryptを生成する。範囲外のコストは既定値に置き換える。
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

// Hash は平文パスワードからハッシュを生成する。
func (b *Bcrypt) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("パスワードが空です")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), b.cost)
	if err != nil {
		return "", fmt.Errorf("パスワードハッシュの生成に失敗: %w", err)
	}
	return string(hash), nil
}

// Matches は平文パスワードがハッシュと一致するかを返す。
// ハッシュの形式が不正な場合も一致しないとみなす。
func (b *Bcrypt) Matches(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
