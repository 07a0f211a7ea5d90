package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nao1215/medgate/pkg/middleware"
	"github.com/nao1215/medgate/pkg/token"
)

// tracerName はGatewayのトレーサー名。
const tracerName = "medgate/gateway"

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// routes はルートテーブル。
	routes *RouteTable
	// proxy はバックエンドへの転送を行う。
	proxy *Proxy
	// logger はロガー。
	logger *zap.Logger
	// tracer はリクエストごとのスパンを生成する。
	tracer trace.Tracer
}

// NewServer は新しいGatewayサーバーを生成する。
// 設定からトークン検証器を構築し、ルートテーブルを読み込んでからルーティングを設定する。
func NewServer(cfg *Config, logger *zap.Logger) (*Server, error) {
	validator, err := newValidator(cfg, logger)
	if err != nil {
		return nil, err
	}

	defs, err := LoadRoutes(cfg.RoutesFile)
	if err != nil {
		return nil, err
	}
	routes, err := NewRouteTable(defs, WithValidator(validator))
	if err != nil {
		return nil, err
	}
	for _, r := range routes.Routes() {
		logger.Info("ルートを登録しました", zap.String("route", r.ID), zap.String("uri", r.Target()))
	}

	proxy := NewProxy(routes.Routes(),
		WithUpstreamTimeout(cfg.UpstreamTimeout),
		WithStripHeaders(cfg.StripHeaders...),
		WithCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout),
		WithMaxBodyBytes(cfg.MaxBodyBytes),
		WithProxyLogger(logger),
	)

	return newServer(cfg.Port, routes, proxy, cfg.AllowedOrigins, logger), nil
}

// newServer はルートテーブルとProxyからサーバーを組み立てる。
func newServer(port string, routes *RouteTable, proxy *Proxy, allowedOrigins []string, logger *zap.Logger) *Server {
	router := gin.New()
	// パスはルートテーブルで照合するため、Ginによるパスの補正は行わない
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.AccessLog(logger))
	router.Use(middleware.CORS(allowedOrigins))

	s := &Server{
		router: router,
		port:   port,
		routes: routes,
		proxy:  proxy,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
	s.setupRoutes()
	return s
}

// newValidator は設定された方式のトークン検証器を生成する。
func newValidator(cfg *Config, logger *zap.Logger) (Validator, error) {
	switch cfg.TokenValidation {
	case ValidationLocal:
		codec, err := token.NewCodec(cfg.JWTSecret, token.WithLeeway(cfg.TokenLeeway))
		if err != nil {
			return nil, fmt.Errorf("トークンコーデックの初期化に失敗: %w", err)
		}
		return NewLocalValidator(codec, logger), nil
	case ValidationRemote, "":
		return NewRemoteValidator(cfg.AuthServiceURL, cfg.ValidateTimeout, logger), nil
	default:
		return nil, fmt.Errorf("未知のトークン検証方式です: %q", cfg.TokenValidation)
	}
}

// Handler はルーティング設定済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
// Gateway自身のエンドポイント以外はすべてルートテーブルで処理する。
func (s *Server) setupRoutes() {
	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.NoRoute(s.handleGateway())
}

// handleGateway はルートの照合、フィルタの適用、プロキシを行うハンドラを返す。
func (s *Server) handleGateway() gin.HandlerFunc {
	return func(c *gin.Context) {
		// フィルタと転送はエスケープを保持したパスで行う
		path := c.Request.URL.EscapedPath()
		ctx, span := s.tracer.Start(c.Request.Context(), "gateway.route",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", path),
			),
		)
		defer span.End()

		route, ok := s.routes.Match(path)
		if !ok {
			span.SetStatus(codes.Error, ErrRouteNotFound.Error())
			getMetrics().requests.WithLabelValues("", "not_found").Inc()
			c.JSON(http.StatusNotFound, gin.H{"error": "ルートが見つかりません"})
			return
		}
		span.SetAttributes(attribute.String("gateway.route", route.ID))

		ex := &Exchange{Path: path, Header: c.Request.Header}
		if err := route.ApplyFilters(ctx, ex); err != nil {
			s.reject(c, route, err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetAttributes(attribute.String("gateway.upstream_path", ex.Path))

		resp, err := s.proxy.Forward(ctx, route, c.Request, ex.Path)
		if errors.Is(err, ErrRequestTooLarge) {
			span.SetStatus(codes.Error, err.Error())
			getMetrics().requests.WithLabelValues(route.ID, "too_large").Inc()
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "リクエストボディが大きすぎます"})
			return
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.upstreamFailure(c, route, err)
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		getMetrics().requests.WithLabelValues(route.ID, "proxied").Inc()
		s.relay(c, route, resp)
	}
}

// reject はフィルタによる拒否をクライアントに返す。
// 拒否理由はログにのみ出力し、レスポンスには含めない。
func (s *Server) reject(c *gin.Context, route *Route, err error) {
	status := http.StatusUnauthorized
	reason := err.Error()
	var rej *Rejection
	if errors.As(err, &rej) {
		status = rej.Status
		reason = rej.Reason
	}
	s.logger.Info("フィルタによりリクエストを拒否しました",
		zap.String("route", route.ID),
		zap.String("reason", reason),
		zap.String("request_id", middleware.GetRequestID(c)),
	)
	getMetrics().requests.WithLabelValues(route.ID, "rejected").Inc()
	c.JSON(status, gin.H{"error": "認証が必要です"})
}

// upstreamFailure はバックエンドとの通信失敗をクライアントに返す。
func (s *Server) upstreamFailure(c *gin.Context, route *Route, err error) {
	fields := []zap.Field{
		zap.String("route", route.ID),
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.Error(err),
	}
	if errors.Is(err, ErrCircuitOpen) {
		s.logger.Warn("サーキットブレーカーが開いているため転送を中止しました", fields...)
		getMetrics().requests.WithLabelValues(route.ID, "circuit_open").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "サービスが一時的に利用できません"})
		return
	}
	s.logger.Error("バックエンドとの通信に失敗", fields...)
	getMetrics().requests.WithLabelValues(route.ID, "upstream_error").Inc()
	c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
}

// relay はバックエンドのレスポンスをステータス、ヘッダー、ボディともにそのまま返す。
func (s *Server) relay(c *gin.Context, route *Route, resp *http.Response) {
	header := resp.Header.Clone()
	removeHopHeaders(header)
	for k, vs := range header {
		c.Writer.Header()[k] = vs
	}
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()

	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		s.logger.Warn("レスポンスの転送に失敗",
			zap.String("route", route.ID),
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(err),
		)
	}
}
