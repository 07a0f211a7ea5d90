package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// wildcardSuffix は前方一致パターンの接尾辞。
const wildcardSuffix = "/**"

// RouteDefinition はルートの宣言。
type RouteDefinition struct {
	// ID はルートの一意な識別子。
	ID string `yaml:"id"`
	// URI はプロキシ先のベースURL。
	URI string `yaml:"uri"`
	// Paths は照合するパスパターン。完全一致または "/**" で終わる前方一致。
	Paths []string `yaml:"paths"`
	// Filters は宣言順に適用するフィルタ。
	Filters []FilterSpec `yaml:"filters,omitempty"`
}

// pathPattern は照合用に解析したパスパターン。
type pathPattern struct {
	// raw は元のパターン文字列。
	raw string
	// segments はパターンのセグメント。前方一致パターンでは接頭辞のセグメント。
	segments []string
	// wildcard は前方一致パターンかどうか。
	wildcard bool
}

// compilePattern はパスパターンを解析する。
func compilePattern(p string) (pathPattern, error) {
	if !strings.HasPrefix(p, "/") {
		return pathPattern{}, fmt.Errorf("パスパターンは/で始まる必要があります: %q", p)
	}
	if strings.HasSuffix(p, wildcardSuffix) {
		prefix := strings.TrimSuffix(p, wildcardSuffix)
		if strings.Contains(prefix, "*") {
			return pathPattern{}, fmt.Errorf("ワイルドカードはパターンの末尾にのみ使用できます: %q", p)
		}
		var segments []string
		if prefix != "" {
			segments = strings.Split(strings.TrimPrefix(prefix, "/"), "/")
		}
		return pathPattern{raw: p, segments: segments, wildcard: true}, nil
	}
	if strings.Contains(p, "*") {
		return pathPattern{}, fmt.Errorf("ワイルドカードはパターンの末尾にのみ使用できます: %q", p)
	}
	return pathPattern{raw: p, segments: strings.Split(strings.TrimPrefix(p, "/"), "/")}, nil
}

// matches はデコード済みのセグメント列がパターンに一致するかを返す。
// 前方一致パターンは接頭辞そのもの、および接頭辞以下の任意のパスに一致する。
func (p pathPattern) matches(segments []string) bool {
	if !p.wildcard {
		return slices.Equal(segments, p.segments)
	}
	return len(segments) >= len(p.segments) && slices.Equal(segments[:len(p.segments)], p.segments)
}

// splitSegments はエスケープ済みのパスをセグメントに分割し、セグメントごとにデコードする。
// %2F はセグメント内の文字として扱い、区切りとはみなさない。
// 不正なエスケープを含む場合はfalseを返す。
func splitSegments(escapedPath string) ([]string, bool) {
	segments := strings.Split(strings.TrimPrefix(escapedPath, "/"), "/")
	for i, s := range segments {
		decoded, err := url.PathUnescape(s)
		if err != nil {
			return nil, false
		}
		segments[i] = decoded
	}
	return segments, true
}

// hasDotSegment はデコード後のパスに "." または ".." のセグメントが含まれるかを返す。
// エンコードされたスラッシュで区切られた部分も対象とする。
func hasDotSegment(segments []string) bool {
	for _, s := range segments {
		for _, part := range strings.Split(s, "/") {
			if part == "." || part == ".." {
				return true
			}
		}
	}
	return false
}

// routableSegments は照合に使うセグメント列を返す。
// 不正なエスケープやドットセグメントを含むパスはどのルートにも一致させない。
func routableSegments(escapedPath string) ([]string, bool) {
	segments, ok := splitSegments(escapedPath)
	if !ok || hasDotSegment(segments) {
		return nil, false
	}
	return segments, true
}

// Route は検証済みのルート。生成後は変更されない。
type Route struct {
	// ID はルートの一意な識別子。
	ID string
	// target はプロキシ先のベースURL。
	target *url.URL
	// patterns は照合するパスパターン。
	patterns []pathPattern
	// filters は宣言順のフィルタ。
	filters []Filter
}

// Target はプロキシ先のベースURLを返す。
func (r *Route) Target() string {
	return r.target.String()
}

// Matches はエスケープ済みのパスがいずれかのパターンに一致するかを返す。
func (r *Route) Matches(escapedPath string) bool {
	segments, ok := routableSegments(escapedPath)
	if !ok {
		return false
	}
	return r.matchSegments(segments)
}

// matchSegments はセグメント列がいずれかのパターンに一致するかを返す。
func (r *Route) matchSegments(segments []string) bool {
	for _, p := range r.patterns {
		if p.matches(segments) {
			return true
		}
	}
	return false
}

// ApplyFilters はフィルタを宣言順に適用する。
// いずれかのフィルタが拒否した時点で後続のフィルタは実行しない。
func (r *Route) ApplyFilters(ctx context.Context, ex *Exchange) error {
	for _, f := range r.filters {
		if err := f.Apply(ctx, ex); err != nil {
			return err
		}
	}
	return nil
}

// targetURL はフィルタ適用後のエスケープ済みパスとクエリからプロキシ先のURLを組み立てる。
// パスのエスケープはそのまま保持するため、%3F や %23 がクエリやフラグメントになることはない。
func (r *Route) targetURL(escapedPath, rawQuery string) (*url.URL, error) {
	rawPath := strings.TrimSuffix(r.target.EscapedPath(), "/") + escapedPath
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, fmt.Errorf("転送先のパスが不正です: %q: %w", rawPath, err)
	}

	u := *r.target
	u.Path = path
	u.RawPath = rawPath
	u.RawQuery = rawQuery
	u.Fragment = ""
	u.RawFragment = ""
	return &u, nil
}

// RouteTable は登録順に照合されるルートの一覧。生成後は変更されない。
type RouteTable struct {
	routes []*Route
}

// RouteTableOption はRouteTableの生成オプション。
type RouteTableOption func(*routeTableConfig)

// routeTableConfig はRouteTableの生成時設定。
type routeTableConfig struct {
	validator Validator
}

// WithValidator はRequireValidTokenフィルタが使用するトークン検証器を設定する。
func WithValidator(v Validator) RouteTableOption {
	return func(c *routeTableConfig) {
		c.validator = v
	}
}

// NewRouteTable はルート宣言を検証してRouteTableを生成する。
// IDの重複や空、パスの欠如、不正なURI、不正なフィルタがある場合はエラーを返す。
func NewRouteTable(defs []RouteDefinition, opts ...RouteTableOption) (*RouteTable, error) {
	cfg := &routeTableConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	seen := make(map[string]struct{}, len(defs))
	routes := make([]*Route, 0, len(defs))
	var errs []error
	for i, def := range defs {
		route, err := compileRoute(def, cfg.validator)
		if err != nil {
			errs = append(errs, fmt.Errorf("routes[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[route.ID]; dup {
			errs = append(errs, fmt.Errorf("routes[%d]: ルートIDが重複しています: %q", i, route.ID))
			continue
		}
		seen[route.ID] = struct{}{}
		routes = append(routes, route)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("ルート定義が不正です: %w", errors.Join(errs...))
	}
	return &RouteTable{routes: routes}, nil
}

// compileRoute は1件のルート宣言を検証して変換する。
func compileRoute(def RouteDefinition, validator Validator) (*Route, error) {
	if strings.TrimSpace(def.ID) == "" {
		return nil, fmt.Errorf("ルートIDが空です")
	}
	if len(def.Paths) == 0 {
		return nil, fmt.Errorf("ルート%qにパスがありません", def.ID)
	}

	target, err := url.Parse(def.URI)
	if err != nil {
		return nil, fmt.Errorf("ルート%qのURIが不正です: %w", def.ID, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("ルート%qのURIはhttpまたはhttpsの絶対URLである必要があります: %q", def.ID, def.URI)
	}
	if target.RawQuery != "" || target.Fragment != "" {
		return nil, fmt.Errorf("ルート%qのURIにクエリやフラグメントは指定できません: %q", def.ID, def.URI)
	}

	route := &Route{ID: def.ID, target: target}
	for _, p := range def.Paths {
		pattern, err := compilePattern(p)
		if err != nil {
			return nil, fmt.Errorf("ルート%q: %w", def.ID, err)
		}
		route.patterns = append(route.patterns, pattern)
	}
	for _, spec := range def.Filters {
		f, err := buildFilter(spec, validator)
		if err != nil {
			return nil, fmt.Errorf("ルート%q: %w", def.ID, err)
		}
		route.filters = append(route.filters, f)
	}
	return route, nil
}

// Match はエスケープ済みのパスに一致する最初のルートを返す。
// パスはセグメントごとにデコードして照合する。
// "." や ".." のセグメントを含むパスはどのルートにも一致しない。
func (t *RouteTable) Match(escapedPath string) (*Route, bool) {
	segments, ok := routableSegments(escapedPath)
	if !ok {
		return nil, false
	}
	for _, r := range t.routes {
		if r.matchSegments(segments) {
			return r, true
		}
	}
	return nil, false
}

// Routes は登録順のルート一覧を返す。
func (t *RouteTable) Routes() []*Route {
	routes := make([]*Route, len(t.routes))
	copy(routes, t.routes)
	return routes
}
