package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/medgate/pkg/httpclient"
	"github.com/nao1215/medgate/pkg/middleware"
	"github.com/nao1215/medgate/pkg/token"
)

// Validator はトークンの有効性を判定する。
// 失敗の種類は区別せず、有効な場合のみtrueを返す。
type Validator interface {
	Validate(ctx context.Context, token string) bool
}

// LocalValidator は共有の署名鍵を使ってプロセス内でトークンを検証する。
type LocalValidator struct {
	codec  *token.Codec
	logger *zap.Logger
}

// NewLocalValidator は新しいLocalValidatorを生成する。
func NewLocalValidator(codec *token.Codec, logger *zap.Logger) *LocalValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalValidator{codec: codec, logger: logger}
}

// Validate はトークンの署名と有効期限を検証する。
func (v *LocalValidator) Validate(_ context.Context, tokenString string) bool {
	_, err := v.codec.Verify(tokenString)
	reason := token.Reason(err)
	getMetrics().tokenValidations.WithLabelValues("local", reason).Inc()
	if err != nil {
		v.logger.Debug("トークンの検証に失敗", zap.String("reason", reason))
		return false
	}
	return true
}

// RemoteValidator は認証サービスのGET /validateに問い合わせてトークンを検証する。
type RemoteValidator struct {
	client *httpclient.Client
	logger *zap.Logger
}

// NewRemoteValidator は新しいRemoteValidatorを生成する。
// timeoutは1回の問い合わせにかける上限時間。
func NewRemoteValidator(authServiceURL string, timeout time.Duration, logger *zap.Logger) *RemoteValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteValidator{
		client: httpclient.New(authServiceURL, httpclient.WithTimeout(timeout)),
		logger: logger,
	}
}

// Validate は認証サービスが2xxを返した場合のみtrueを返す。
// 2xx以外の応答、通信エラー、タイムアウトはすべてfalseとなる。
func (v *RemoteValidator) Validate(ctx context.Context, tokenString string) bool {
	err := v.client.GetJSON(ctx, "/validate", nil,
		httpclient.WithHeader(middleware.HeaderAuthorization, "Bearer "+tokenString),
	)
	if err == nil {
		getMetrics().tokenValidations.WithLabelValues("remote", "ok").Inc()
		return true
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		getMetrics().tokenValidations.WithLabelValues("remote", "rejected").Inc()
		v.logger.Debug("認証サービスがトークンを拒否しました")
		return false
	}

	getMetrics().tokenValidations.WithLabelValues("remote", "error").Inc()
	v.logger.Warn("認証サービスへの問い合わせに失敗", zap.Error(err))
	return false
}
