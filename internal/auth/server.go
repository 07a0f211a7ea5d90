package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/medgate/pkg/middleware"
	"github.com/nao1215/medgate/pkg/password"
	"github.com/nao1215/medgate/pkg/token"
)

// Server は認証サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// service はトークンサービス。
	service *Service
	// db はSQLiteデータベース接続。
	db *sql.DB
	// cache は資格情報キャッシュのRedisクライアント。未使用の場合はnil。
	cache redis.UniversalClient
	// logger はロガー。
	logger *zap.Logger
}

// NewServer は新しい認証サーバーを生成する。
// 設定の読み込み後、署名鍵の構築、データベースの初期化、ルーティングの設定を順に行う。
func NewServer(cfg *Config, logger *zap.Logger) (*Server, error) {
	if cfg.JWTSecret == devJWTSecret {
		logger.Warn("開発用の署名鍵を使用しています。本番環境ではJWT_SECRETを設定してください")
	}
	codec, err := token.NewCodec(cfg.JWTSecret,
		token.WithTTL(cfg.TokenTTL),
		token.WithLeeway(cfg.TokenLeeway),
	)
	if err != nil {
		return nil, fmt.Errorf("トークンコーデックの初期化に失敗: %w", err)
	}

	db, err := OpenDatabase(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	hasher := password.NewBcrypt(cfg.BcryptCost)
	sqlStore := NewSQLiteStore(db)

	var (
		store CredentialWriter = sqlStore
		cache redis.UniversalClient
	)
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store = NewCachedStore(sqlStore, cache, cfg.CacheTTL, logger)
	}

	if cfg.SeedEmail != "" {
		created, err := SeedUser(context.Background(), store, hasher, Credential{
			Email: cfg.SeedEmail,
			Role:  cfg.SeedRole,
		}, cfg.SeedPassword)
		if err != nil {
			db.Close()
			return nil, err
		}
		if created {
			logger.Info("シードユーザーを登録しました", zap.String("email", cfg.SeedEmail))
		}
	}

	dummyHash, err := hasher.Hash(uuid.New().String())
	if err != nil {
		db.Close()
		return nil, err
	}

	service := NewService(store, hasher, codec,
		WithLogger(logger),
		WithLookupTimeout(cfg.LookupTimeout),
		WithDummyHash(dummyHash),
	)

	s := &Server{
		router:  newRouter(logger),
		port:    cfg.Port,
		service: service,
		db:      db,
		cache:   cache,
		logger:  logger,
	}
	s.setupRoutes()

	return s, nil
}

// newRouter は共通ミドルウェアを適用したGinルーターを生成する。
func newRouter(logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.AccessLog(logger))
	return router
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// Handler はルーティング設定済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close はデータベースとキャッシュの接続を閉じる。
func (s *Server) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// ログイン（トークン発行）
	s.router.POST("/login", s.handleLogin())
	// トークン検証
	s.router.GET("/validate", s.handleValidate())

	// ヘルスチェック
	s.router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "auth-service"})
	})
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Email はユーザーのメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password は平文のパスワード。
	Password string `json:"password" binding:"required,min=8"`
}

// loginResponse はログイン成功時のJSONレスポンス構造。
type loginResponse struct {
	// Token は発行したトークン。
	Token string `json:"token"`
}

// handleLogin はログインを処理するハンドラを返す。
// ユーザーが存在しない場合とパスワードが一致しない場合で同じレスポンスを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエスト形式が不正です"})
			return
		}

		signed, ok := s.service.Authenticate(c.Request.Context(), req.Email, req.Password)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "認証に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, loginResponse{Token: signed})
	}
}

// handleValidate はAuthorizationヘッダーのBearerトークンを検証するハンドラを返す。
// 失敗の理由はレスポンスに含めない。
func (s *Server) handleValidate() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := middleware.BearerToken(c)
		if !ok || !s.service.ValidateToken(tokenString) {
			c.JSON(http.StatusUnauthorized, gin.H{"valid": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true})
	}
}
