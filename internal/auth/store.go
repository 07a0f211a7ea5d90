package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/medgate/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCredentialNotFound は指定したメールアドレスの資格情報が存在しないことを表す。
var ErrCredentialNotFound = errors.New("資格情報が見つかりません")

// Credential はユーザーの資格情報を表す。トークンサービスからは読み取り専用。
type Credential struct {
	// Email はユーザーの一意識別子となるメールアドレス。
	Email string `json:"email"`
	// PasswordHash はパスワードのハッシュ値。
	PasswordHash string `json:"password_hash"`
	// Role はトークンに埋め込むユーザーのロール。
	Role string `json:"role"`
}

// CredentialStore はメールアドレスで資格情報を取得するストア。
// 見つからない場合はErrCredentialNotFoundを返す。
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*Credential, error)
}

// CredentialWriter は資格情報の参照に加えて登録と更新を行うストア。
type CredentialWriter interface {
	CredentialStore
	CreateUser(ctx context.Context, c Credential) (string, error)
	UpdatePassword(ctx context.Context, email, passwordHash string) error
}

// OpenDatabase はSQLiteデータベースを開き、マイグレーションを適用する。
func OpenDatabase(path string, logger *zap.Logger) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		// インメモリDBは接続ごとに独立するため、接続を1本に固定する
		db.SetMaxOpenConns(1)
	}

	if _, err := migration.Run(db, migrationsFS, "migrations", logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return db, nil
}

// SQLiteStore はSQLiteに保存されたユーザーの資格情報ストア。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewSQLiteStore は新しいSQLiteStoreを生成する。
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// FindByEmail はメールアドレスで資格情報を取得する。
func (s *SQLiteStore) FindByEmail(ctx context.Context, email string) (*Credential, error) {
	var c Credential
	err := s.db.QueryRowContext(ctx,
		"SELECT email, password, role FROM users WHERE email = ?", email,
	).Scan(&c.Email, &c.PasswordHash, &c.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("資格情報の取得に失敗: %w", err)
	}
	return &c, nil
}

// CreateUser はユーザーを登録し、割り当てたIDを返す。
// 同じメールアドレスが既に存在する場合はエラーを返す。
func (s *SQLiteStore) CreateUser(ctx context.Context, c Credential) (string, error) {
	id := uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, password, role) VALUES (?, ?, ?, ?)",
		id, c.Email, c.PasswordHash, c.Role,
	); err != nil {
		return "", fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return id, nil
}

// UpdatePassword はユーザーのパスワードハッシュを更新する。
// ユーザーが存在しない場合はErrCredentialNotFoundを返す。
func (s *SQLiteStore) UpdatePassword(ctx context.Context, email, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET password = ? WHERE email = ?", passwordHash, email,
	)
	if err != nil {
		return fmt.Errorf("パスワードの更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("パスワードの更新に失敗: %w", err)
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
