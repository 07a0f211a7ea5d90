package auth

import (
	"context"
	"errors"
	"fmt"
)

// PasswordHasher は平文パスワードからハッシュを生成する。
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
}

// SeedUser はユーザーが存在しない場合に登録する。
// 登録した場合はtrue、既に存在した場合はfalseを返す。
func SeedUser(ctx context.Context, store CredentialWriter, hasher PasswordHasher, c Credential, plaintext string) (bool, error) {
	_, err := store.FindByEmail(ctx, c.Email)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrCredentialNotFound) {
		return false, err
	}

	hash, err := hasher.Hash(plaintext)
	if err != nil {
		return false, fmt.Errorf("シードユーザーのパスワードハッシュ生成に失敗: %w", err)
	}
	c.PasswordHash = hash
	if _, err := store.CreateUser(ctx, c); err != nil {
		return false, err
	}
	return true, nil
}
