// 認証サービスのエントリポイント。
// メールアドレスとパスワードによるログインでトークンを発行し、
// 発行済みトークンの検証APIをGatewayに提供する。
package main

import (
	"log"

	"go.uber.org/zap"

	"github.com/nao1215/medgate/internal/auth"
	"github.com/nao1215/medgate/pkg/logging"
)

func main() {
	logger, err := logging.New("auth-service", logging.ConfigFromEnv())
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := auth.LoadConfig()
	if err != nil {
		logger.Fatal("設定の読み込みに失敗", zap.Error(err))
	}

	server, err := auth.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("認証サーバーの初期化に失敗", zap.Error(err))
	}
	defer server.Close()

	logger.Info("認証サービスを起動します", zap.String("port", cfg.Port))
	if err := server.Run(); err != nil {
		logger.Error("認証サービスの起動に失敗", zap.Error(err))
	}
}
