// API Gatewayサービスのエントリポイント。
// ルートテーブルに従ってリクエストをバックエンドサービスへ転送し、
// 保護されたルートではBearerトークンを検証する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"log"

	"go.uber.org/zap"

	"github.com/nao1215/medgate/internal/gateway"
	"github.com/nao1215/medgate/pkg/logging"
)

func main() {
	logger, err := logging.New("gateway", logging.ConfigFromEnv())
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := gateway.LoadConfig()
	if err != nil {
		logger.Fatal("設定の読み込みに失敗", zap.Error(err))
	}

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Gatewayサーバーの初期化に失敗", zap.Error(err))
	}

	logger.Info("Gatewayサービスを起動します",
		zap.String("port", cfg.Port),
		zap.String("token_validation", cfg.TokenValidation),
	)
	if err := server.Run(); err != nil {
		logger.Fatal("Gatewayサービスの起動に失敗", zap.Error(err))
	}
}
