package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	// DefaultUpstreamTimeout はバックエンド呼び出しの既定タイムアウト。
	DefaultUpstreamTimeout = 10 * time.Second
	// DefaultBreakerThreshold はサーキットブレーカーが開くまでの連続失敗回数の既定値。
	DefaultBreakerThreshold = 5
	// DefaultBreakerTimeout はサーキットブレーカーが開いている時間の既定値。
	DefaultBreakerTimeout = 30 * time.Second
	// DefaultMaxBodyBytes はリクエストボディの上限サイズの既定値。
	DefaultMaxBodyBytes int64 = 10 << 20
)

// hopHeaders は転送しないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// idempotentMethods は再試行してよいHTTPメソッド。
var idempotentMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodOptions: {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodTrace:   {},
}

// Proxy はリクエストをルートのバックエンドに転送する。
// ルートごとにサーキットブレーカーを持つ。
type Proxy struct {
	// client はバックエンド呼び出しに使うHTTPクライアント。
	client *http.Client
	// timeout は1回のバックエンド呼び出しにかける上限時間。
	timeout time.Duration
	// stripHeaders は転送しない追加のヘッダー。
	stripHeaders []string
	// breakerThreshold はサーキットブレーカーが開く連続失敗回数。
	breakerThreshold uint32
	// breakerTimeout はサーキットブレーカーが開いている時間。
	breakerTimeout time.Duration
	// maxBodyBytes はリクエストボディの上限サイズ。
	maxBodyBytes int64
	// breakers はルートIDごとのサーキットブレーカー。
	breakers map[string]*gobreaker.CircuitBreaker
	// logger はロガー。
	logger *zap.Logger
}

// ProxyOption はProxyの設定を変更する関数。
type ProxyOption func(*Proxy)

// WithUpstreamTimeout はバックエンド呼び出しのタイムアウトを設定する。
func WithUpstreamTimeout(d time.Duration) ProxyOption {
	return func(p *Proxy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithStripHeaders は転送しないヘッダーを追加する。
func WithStripHeaders(headers ...string) ProxyOption {
	return func(p *Proxy) {
		for _, h := range headers {
			if h = strings.TrimSpace(h); h != "" {
				p.stripHeaders = append(p.stripHeaders, h)
			}
		}
	}
}

// WithCircuitBreaker はサーキットブレーカーの閾値と開放時間を設定する。
func WithCircuitBreaker(threshold int, timeout time.Duration) ProxyOption {
	return func(p *Proxy) {
		if threshold > 0 {
			p.breakerThreshold = uint32(threshold) //nolint:gosec // 正の値のみ
		}
		if timeout > 0 {
			p.breakerTimeout = timeout
		}
	}
}

// WithMaxBodyBytes はリクエストボディの上限サイズを設定する。
func WithMaxBodyBytes(n int64) ProxyOption {
	return func(p *Proxy) {
		if n > 0 {
			p.maxBodyBytes = n
		}
	}
}

// WithProxyLogger はロガーを設定する。
func WithProxyLogger(logger *zap.Logger) ProxyOption {
	return func(p *Proxy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTransport はバックエンド呼び出しに使うトランスポートを差し替える。
func WithTransport(rt http.RoundTripper) ProxyOption {
	return func(p *Proxy) {
		if rt != nil {
			p.client.Transport = rt
		}
	}
}

// NewProxy はルート一覧に対応するサーキットブレーカーを持つProxyを生成する。
func NewProxy(routes []*Route, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		client: &http.Client{
			// リダイレクトはクライアントにそのまま返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:          DefaultUpstreamTimeout,
		breakerThreshold: DefaultBreakerThreshold,
		breakerTimeout:   DefaultBreakerTimeout,
		maxBodyBytes:     DefaultMaxBodyBytes,
		breakers:         make(map[string]*gobreaker.CircuitBreaker, len(routes)),
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, r := range routes {
		p.breakers[r.ID] = p.newBreaker(r.ID)
	}
	return p
}

// newBreaker はルート用のサーキットブレーカーを生成する。
// 呼び出し元によるキャンセルは失敗として数えない。
func (p *Proxy) newBreaker(routeID string) *gobreaker.CircuitBreaker {
	threshold := p.breakerThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        routeID,
		MaxRequests: 1,
		Timeout:     p.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || isTooLarge(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("サーキットブレーカーの状態が変化しました",
				zap.String("route", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			getMetrics().breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

// BreakerState はルートのサーキットブレーカーの状態を返す。
func (p *Proxy) BreakerState(routeID string) (gobreaker.State, bool) {
	cb, ok := p.breakers[routeID]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

// Forward はリクエストをルートのバックエンドに転送し、レスポンスを返す。
// pathはフィルタ適用後のエスケープ済みのパス。
// 呼び出し側はレスポンスボディを必ずCloseすること。
// 通信エラーとタイムアウトはErrUpstreamUnavailableを、サーキットブレーカーが
// 開いている場合はさらにErrCircuitOpenをラップして返す。
// ボディが上限サイズを超える場合はErrRequestTooLargeを返す。
// バックエンドが返したエラーステータスはそのままレスポンスとして返す。
func (p *Proxy) Forward(ctx context.Context, route *Route, r *http.Request, path string) (*http.Response, error) {
	if r.ContentLength > p.maxBodyBytes {
		return nil, ErrRequestTooLarge
	}

	target, err := route.targetURL(path, r.URL.RawQuery)
	if err != nil {
		return nil, err
	}
	header := p.outboundHeader(r.Header)

	// 再試行しないメソッドのボディは読み込まずにそのまま流す
	retryable := isIdempotent(r.Method)
	var body outboundBody
	if retryable {
		buf, err := readBody(r, p.maxBodyBytes)
		if err != nil {
			if isTooLarge(err) {
				return nil, ErrRequestTooLarge
			}
			return nil, fmt.Errorf("リクエストボディの読み取りに失敗: %w", err)
		}
		body = outboundBody{buf: buf}
	} else if r.Body != nil && r.Body != http.NoBody {
		body = outboundBody{stream: http.MaxBytesReader(nil, r.Body, p.maxBodyBytes), length: r.ContentLength}
	}

	cb, ok := p.breakers[route.ID]
	if !ok {
		cb = p.newBreaker(route.ID)
	}

	result, err := cb.Execute(func() (any, error) {
		resp, err := p.roundTrip(ctx, route.ID, r.Method, target.String(), header, body)
		if err == nil || !retryable || ctx.Err() != nil {
			return resp, err
		}

		p.logger.Info("バックエンド呼び出しを再試行します",
			zap.String("route", route.ID),
			zap.String("method", r.Method),
			zap.Error(err),
		)
		getMetrics().upstreamRetries.WithLabelValues(route.ID).Inc()
		return p.roundTrip(ctx, route.ID, r.Method, target.String(), header, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ErrCircuitOpen)
		}
		if isTooLarge(err) {
			return nil, ErrRequestTooLarge
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return result.(*http.Response), nil
}

// outboundBody はバックエンドに送るリクエストボディ。
// 再試行するリクエストは読み込み済みのbufを、それ以外はstreamを使う。
type outboundBody struct {
	buf    []byte
	stream io.Reader
	length int64
}

// reader は1回の送信に使うReaderを返す。ボディが無い場合はnilを返す。
func (b outboundBody) reader() io.Reader {
	switch {
	case b.stream != nil:
		return b.stream
	case b.buf != nil:
		return bytes.NewReader(b.buf)
	default:
		return nil
	}
}

// roundTrip はタイムアウト付きでバックエンドを1回呼び出す。
// タイムアウトのキャンセルはレスポンスボディのClose時に行う。
func (p *Proxy) roundTrip(ctx context.Context, routeID, method, target string, header http.Header, body outboundBody) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)

	req, err := http.NewRequestWithContext(ctx, method, target, body.reader())
	if err != nil {
		cancel()
		return nil, err
	}
	if body.stream != nil {
		req.ContentLength = body.length
	}
	req.Header = header.Clone()

	start := time.Now()
	resp, err := p.client.Do(req)
	getMetrics().upstreamDuration.WithLabelValues(routeID).Observe(time.Since(start).Seconds())
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// outboundHeader は転送用のヘッダーを組み立てる。
// ホップバイホップヘッダー、Connectionヘッダーに列挙されたヘッダー、
// 設定された除外ヘッダーを取り除く。
func (p *Proxy) outboundHeader(in http.Header) http.Header {
	out := in.Clone()
	removeHopHeaders(out)
	for _, h := range p.stripHeaders {
		out.Del(h)
	}
	return out
}

// removeHopHeaders はホップバイホップヘッダーを取り除く。
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// readBody はリクエストボディを再送できるように上限サイズまで読み込む。
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, limit))
}

// isTooLarge はエラーがボディの上限超過によるものかを返す。
func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// isIdempotent はメソッドが再試行可能かどうかを返す。
func isIdempotent(method string) bool {
	_, ok := idempotentMethods[method]
	return ok
}

// cancelOnClose はClose時にコンテキストをキャンセルするReadCloser。
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

// Close はボディを閉じてコンテキストをキャンセルする。
func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
