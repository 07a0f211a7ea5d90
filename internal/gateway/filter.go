package gateway

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nao1215/medgate/pkg/middleware"
)

// FilterKind はフィルタの種類。
type FilterKind string

const (
	// FilterStripPrefix は先頭からN個のパスセグメントを取り除く。
	FilterStripPrefix FilterKind = "StripPrefix"
	// FilterRewritePath は正規表現に一致したパスを置換する。
	FilterRewritePath FilterKind = "RewritePath"
	// FilterRequireValidToken は有効なBearerトークンを要求する。
	FilterRequireValidToken FilterKind = "RequireValidToken"
)

// FilterSpec はルート定義に記述するフィルタの宣言。
// Kindに応じて使用するフィールドが異なる。
type FilterSpec struct {
	// Kind はフィルタの種類。
	Kind FilterKind `yaml:"kind"`
	// Parts はStripPrefixで取り除くセグメント数。
	Parts int `yaml:"parts,omitempty"`
	// From はRewritePathの置換元の正規表現。
	From string `yaml:"from,omitempty"`
	// To はRewritePathの置換後の文字列。
	// ${name} や $1 でグループを参照できるため、リテラルの$は$$と記述する。
	To string `yaml:"to,omitempty"`
}

// StripPrefix はStripPrefixフィルタの宣言を返す。
func StripPrefix(parts int) FilterSpec {
	return FilterSpec{Kind: FilterStripPrefix, Parts: parts}
}

// RewritePath はRewritePathフィルタの宣言を返す。
func RewritePath(from, to string) FilterSpec {
	return FilterSpec{Kind: FilterRewritePath, From: from, To: to}
}

// RequireValidToken はRequireValidTokenフィルタの宣言を返す。
func RequireValidToken() FilterSpec {
	return FilterSpec{Kind: FilterRequireValidToken}
}

// UnmarshalYAML はマッピング形式に加えて "StripPrefix=1" のような短縮形式を受け付ける。
func (f *FilterSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		spec, err := parseFilterShorthand(value.Value)
		if err != nil {
			return err
		}
		*f = spec
		return nil
	}

	type plain FilterSpec
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*f = FilterSpec(p)
	return nil
}

// parseFilterShorthand は "名前=引数1,引数2" 形式のフィルタ宣言を解析する。
func parseFilterShorthand(s string) (FilterSpec, error) {
	name, args, _ := strings.Cut(strings.TrimSpace(s), "=")
	switch FilterKind(name) {
	case FilterStripPrefix:
		n, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return FilterSpec{}, fmt.Errorf("StripPrefixの引数が不正です: %q", s)
		}
		return StripPrefix(n), nil
	case FilterRewritePath:
		from, to, ok := strings.Cut(args, ",")
		if !ok {
			return FilterSpec{}, fmt.Errorf("RewritePathには置換元と置換後の2つの引数が必要です: %q", s)
		}
		return RewritePath(strings.TrimSpace(from), strings.TrimSpace(to)), nil
	case FilterRequireValidToken:
		return RequireValidToken(), nil
	default:
		return FilterSpec{}, fmt.Errorf("未知のフィルタです: %q", s)
	}
}

// AuthContext はリクエスト単位の認証状態。
type AuthContext struct {
	// RawToken はAuthorizationヘッダーから取り出したトークン。
	RawToken string
	// Authorized はトークンが検証済みかどうか。
	Authorized bool
}

// Exchange はフィルタチェーンを流れるリクエストの状態。
type Exchange struct {
	// Path はプロキシ先に送るエスケープ済みのパス。フィルタにより書き換えられる。
	Path string
	// Header は受信したリクエストヘッダー。
	Header http.Header
	// Auth は認証状態。
	Auth AuthContext
}

// Rejection はフィルタによる拒否を表す。
type Rejection struct {
	// Filter は拒否したフィルタの種類。
	Filter FilterKind
	// Status はクライアントに返すHTTPステータスコード。
	Status int
	// Reason はログ用の拒否理由。クライアントには返さない。
	Reason string
}

// Error はエラーメッセージを返す。
func (r *Rejection) Error() string {
	return fmt.Sprintf("%sにより拒否されました: %s", r.Filter, r.Reason)
}

// Unwrap はErrFilterRejectedを返す。
func (r *Rejection) Unwrap() error {
	return ErrFilterRejected
}

// Filter はリクエストを検査または変更する処理。
// 処理を続行する場合はnil、打ち切る場合は*Rejectionを返す。
type Filter interface {
	// Kind はフィルタの種類を返す。
	Kind() FilterKind
	// Apply はフィルタを適用する。
	Apply(ctx context.Context, ex *Exchange) error
}

// buildFilter はフィルタ宣言から実行可能なフィルタを生成する。
func buildFilter(spec FilterSpec, validator Validator) (Filter, error) {
	switch spec.Kind {
	case FilterStripPrefix:
		if spec.Parts < 0 {
			return nil, fmt.Errorf("StripPrefixのセグメント数は0以上である必要があります: %d", spec.Parts)
		}
		return stripPrefixFilter{parts: spec.Parts}, nil
	case FilterRewritePath:
		if spec.From == "" {
			return nil, fmt.Errorf("RewritePathの置換元が空です")
		}
		re, err := regexp.Compile(spec.From)
		if err != nil {
			return nil, fmt.Errorf("RewritePathの正規表現が不正です: %w", err)
		}
		return rewritePathFilter{from: re, to: spec.To}, nil
	case FilterRequireValidToken:
		if validator == nil {
			return nil, fmt.Errorf("RequireValidTokenにはトークン検証器が必要です")
		}
		return requireValidTokenFilter{validator: validator}, nil
	default:
		return nil, fmt.Errorf("未知のフィルタです: %q", spec.Kind)
	}
}

// stripPrefixFilter は先頭からparts個のセグメントを取り除く。
type stripPrefixFilter struct {
	parts int
}

// Kind はフィルタの種類を返す。
func (f stripPrefixFilter) Kind() FilterKind { return FilterStripPrefix }

// Apply はパスの先頭セグメントを取り除く。
func (f stripPrefixFilter) Apply(_ context.Context, ex *Exchange) error {
	ex.Path = stripSegments(ex.Path, f.parts)
	return nil
}

// stripSegments はパスの先頭からn個のセグメントを取り除く。
// セグメント数がnに満たない場合はパスをそのまま返す。
// 末尾のスラッシュは保持し、すべてのセグメントを取り除いた場合は "/" を返す。
// 連続するスラッシュは1つの区切りとして扱う。
func stripSegments(path string, n int) string {
	if n == 0 {
		return path
	}

	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(segments) < n {
		return path
	}

	rest := segments[n:]
	if len(rest) == 0 {
		return "/"
	}
	stripped := "/" + strings.Join(rest, "/")
	if strings.HasSuffix(path, "/") {
		stripped += "/"
	}
	return stripped
}

// rewritePathFilter は正規表現に一致したパスを置換する。
type rewritePathFilter struct {
	from *regexp.Regexp
	to   string
}

// Kind はフィルタの種類を返す。
func (f rewritePathFilter) Kind() FilterKind { return FilterRewritePath }

// Apply は一致した場合のみ、エスケープ済みのパスのうち一致した部分を置換する。
func (f rewritePathFilter) Apply(_ context.Context, ex *Exchange) error {
	if f.from.MatchString(ex.Path) {
		ex.Path = f.from.ReplaceAllString(ex.Path, f.to)
	}
	return nil
}

// requireValidTokenFilter はAuthorizationヘッダーのBearerトークンを検証する。
type requireValidTokenFilter struct {
	validator Validator
}

// Kind はフィルタの種類を返す。
func (f requireValidTokenFilter) Kind() FilterKind { return FilterRequireValidToken }

// Apply はトークンを検証する。パスは変更しない。
// ヘッダーが無い、またはBearer形式でない場合は検証器を呼び出さずに拒否する。
func (f requireValidTokenFilter) Apply(ctx context.Context, ex *Exchange) error {
	raw, ok := middleware.ParseBearer(ex.Header.Get(middleware.HeaderAuthorization))
	if !ok {
		return &Rejection{Filter: FilterRequireValidToken, Status: http.StatusUnauthorized, Reason: "missing_token"}
	}
	ex.Auth.RawToken = raw

	if !f.validator.Validate(ctx, raw) {
		return &Rejection{Filter: FilterRequireValidToken, Status: http.StatusUnauthorized, Reason: "invalid_token"}
	}
	ex.Auth.Authorized = true
	return nil
}
