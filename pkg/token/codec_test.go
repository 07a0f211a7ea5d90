package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testSecret はテスト用の署名鍵。
const testSecret = "test-secret-key-for-unit-tests-0123456789"

// fixedTime はテストで使用する固定時刻。JWTの時刻は秒精度のため秒未満を含めない。
var fixedTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// newTestCodec はテスト用のCodecを生成する。
func newTestCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()

	c, err := NewCodec(testSecret, opts...)
	if err != nil {
		t.Fatalf("NewCodec()でエラーが発生: %v", err)
	}
	return c
}

// TestNewCodec はNewCodec関数を検証する。
func TestNewCodec(t *testing.T) {
	t.Parallel()

	t.Run("署名鍵が空の場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		if _, err := NewCodec(""); err == nil {
			t.Fatal("空の署名鍵でエラーが返されなかった")
		}
	})

	t.Run("既定の有効期間が24時間であること", func(t *testing.T) {
		t.Parallel()

		c := newTestCodec(t)
		if c.TTL() != 24*time.Hour {
			t.Errorf("TTL() = %v, want %v", c.TTL(), 24*time.Hour)
		}
	})

	t.Run("不正なオプション値は無視されること", func(t *testing.T) {
		t.Parallel()

		c := newTestCodec(t, WithTTL(-time.Hour), WithLeeway(-time.Second), WithIssuer(""), WithClock(nil))
		if c.TTL() != DefaultTTL {
			t.Errorf("TTL() = %v, want %v", c.TTL(), DefaultTTL)
		}
		if c.leeway != 0 {
			t.Errorf("leeway = %v, want 0", c.leeway)
		}
		if c.issuer != DefaultIssuer {
			t.Errorf("issuer = %q, want %q", c.issuer, DefaultIssuer)
		}
		if c.now == nil {
			t.Error("nowがnil")
		}
	})
}

// TestSignAndVerify は発行したトークンの検証を確認する。
func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	t.Run("発行直後のトークンはサブジェクトとロールを復元できること", func(t *testing.T) {
		t.Parallel()

		c := newTestCodec(t, WithClock(func() time.Time { return fixedTime }))
		signed, err := c.Sign("patient@example.com", "ADMIN")
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}

		tok, err := c.Verify(signed)
		if err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
		if tok.Subject != "patient@example.com" {
			t.Errorf("Subject = %q, want %q", tok.Subject, "patient@example.com")
		}
		if tok.Role != "ADMIN" {
			t.Errorf("Role = %q, want %q", tok.Role, "ADMIN")
		}
		if !tok.IssuedAt.Equal(fixedTime) {
			t.Errorf("IssuedAt = %v, want %v", tok.IssuedAt, fixedTime)
		}
		if !tok.ExpiresAt.Equal(fixedTime.Add(DefaultTTL)) {
			t.Errorf("ExpiresAt = %v, want %v", tok.ExpiresAt, fixedTime.Add(DefaultTTL))
		}
		if tok.ID == "" {
			t.Error("IDが空")
		}
	})

	t.Run("署名アルゴリズムがHS256であること", func(t *testing.T) {
		t.Parallel()

		c := newTestCodec(t)
		signed, err := c.Sign("alg@example.com", "USER")
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}

		parsed, _, err := jwt.NewParser().ParseUnverified(signed, &Claims{})
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if parsed.Method.Alg() != "HS256" {
			t.Errorf("署名アルゴリズム = %q, want %q", parsed.Method.Alg(), "HS256")
		}
	})

	t.Run("発行ごとに異なるIDが割り当てられること", func(t *testing.T) {
		t.Parallel()

		c := newTestCodec(t, WithClock(func() time.Time { return fixedTime }))
		first, _ := c.Sign("same@example.com", "USER")
		second, _ := c.Sign("same@example.com", "USER")
		if first == second {
			t.Error("同一時刻に発行したトークンが同一になった")
		}
	})
}

// TestVerifyExpiry は有効期限の判定を検証する。
func TestVerifyExpiry(t *testing.T) {
	t.Parallel()

	t.Run("有効期限の直前までは有効であること", func(t *testing.T) {
		t.Parallel()

		now := fixedTime
		c := newTestCodec(t, WithTTL(time.Hour), WithClock(func() time.Time { return now }))
		signed, err := c.Sign("exp@example.com", "USER")
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}

		now = fixedTime.Add(time.Hour - time.Second)
		if _, err := c.Verify(signed); err != nil {
			t.Errorf("期限前のトークンでエラーが発生: %v", err)
		}
	})

	t.Run("現在時刻が有効期限と等しい場合はErrExpiredを返すこと", func(t *testing.T) {
		t.Parallel()

		now := fixedTime
		c := newTestCodec(t, WithTTL(time.Hour), WithClock(func() time.Time { return now }))
		signed, err := c.Sign("exp@example.com", "USER")
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}

		now = fixedTime.Add(time.Hour)
		_, err = c.Verify(signed)
		if !errors.Is(err, ErrExpired) {
			t.Errorf("Verify() error = %v, want ErrExpired", err)
		}
		if Reason(err) != "expired" {
			t.Errorf("Reason() = %q, want %q", Reason(err), "expired")
		}
	})

	t.Run("許容誤差の範囲内であれば期限後も有効であること", func(t *testing.T) {
		t.Parallel()

		now := fixedTime
		c := newTestCodec(t, WithTTL(time.Hour), WithLeeway(30*time.Second), WithClock(func() time.Time { return now }))
		signed, err := c.Sign("leeway@example.com", "USER")
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}

		now = fixedTime.Add(time.Hour + 10*time.Second)
		if _, err := c.Verify(signed); err != nil {
			t.Errorf("許容誤差内のトークンでエラーが発生: %v", err)
		}

		now = fixedTime.Add(time.Hour + 30*time.Second)
		if _, err := c.Verify(signed); !errors.Is(err, ErrExpired) {
			t.Errorf("許容誤差を超えたトークンのエラー = %v, want ErrExpired", err)
		}
	})
}

// TestVerifyTampering は改ざんされたトークンの検出を検証する。
func TestVerifyTampering(t *testing.T) {
	t.Parallel()

	t.Run("任意の1バイトを書き換えると検証に失敗すること", func(t *testing.T) {
		t.Parallel()

		c := newTestCodec(t, WithClock(func() time.Time { return fixedTime }))
		signed, err := c.Sign("tamper@example.com", "ADMIN")
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}

		for i := range len(signed) {
			b := []byte(signed)
			if b[i] == 'A' {
				b[i] = 'B'
			} else {
				b[i] = 'A'
			}

			_, err := c.Verify(string(b))
			if err == nil {
				t.Fatalf("位置%dを書き換えたトークンが検証を通過した", i)
			}
			if !errors.Is(err, ErrInvalidSignature) && !errors.Is(err, ErrMalformed) {
				t.Fatalf("位置%dの書き換えで想定外のエラー: %v", i, err)
			}
		}
	})

	t.Run("異なる署名鍵のトークンはErrInvalidSignatureを返すこと", func(t *testing.T) {
		t.Parallel()

		other, err := NewCodec("another-secret-key-for-unit-tests-987654")
		if err != nil {
			t.Fatalf("NewCodec()でエラーが発生: %v", err)
		}
		signed, err := other.Sign("other@example.com", "USER")
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}

		_, err = newTestCodec(t).Verify(signed)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("Verify() error = %v, want ErrInvalidSignature", err)
		}
		if Reason(err) != "invalid_signature" {
			t.Errorf("Reason() = %q, want %q", Reason(err), "invalid_signature")
		}
	})

	t.Run("期限切れかつ署名不一致の場合は署名不一致が優先されること", func(t *testing.T) {
		t.Parallel()

		past := fixedTime.Add(-48 * time.Hour)
		other, err := NewCodec("another-secret-key-for-unit-tests-987654", WithClock(func() time.Time { return past }))
		if err != nil {
			t.Fatalf("NewCodec()でエラーが発生: %v", err)
		}
		signed, _ := other.Sign("old@example.com", "USER")

		_, err = newTestCodec(t, WithClock(func() time.Time { return fixedTime })).Verify(signed)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("Verify() error = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("alg=noneのトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "none@example.com",
				IssuedAt:  jwt.NewNumericDate(fixedTime),
				ExpiresAt: jwt.NewNumericDate(fixedTime.Add(time.Hour)),
			},
			Role: "ADMIN",
		}
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("署名なしトークンの生成に失敗: %v", err)
		}

		if _, err := newTestCodec(t, WithClock(func() time.Time { return fixedTime })).Verify(unsigned); err == nil {
			t.Fatal("alg=noneのトークンが検証を通過した")
		}
	})
}

// TestVerifyMalformed は形式不正なトークンの検出を検証する。
func TestVerifyMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "空文字列", input: ""},
		{name: "区切りがない", input: "not-a-token"},
		{name: "セグメントが2つ", input: "abc.def"},
		{name: "base64として不正", input: "!!!.@@@.###"},
		{name: "セグメントが4つ", input: "a.b.c.d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := newTestCodec(t).Verify(tt.input)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Verify(%q) error = %v, want ErrMalformed", tt.input, err)
			}
			if Reason(err) != "malformed" {
				t.Errorf("Reason() = %q, want %q", Reason(err), "malformed")
			}
		})
	}

	t.Run("サブジェクトのないトークンはErrMalformedを返すこと", func(t *testing.T) {
		t.Parallel()

		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(fixedTime),
				ExpiresAt: jwt.NewNumericDate(fixedTime.Add(time.Hour)),
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの生成に失敗: %v", err)
		}

		_, err = newTestCodec(t, WithClock(func() time.Time { return fixedTime })).Verify(signed)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Verify() error = %v, want ErrMalformed", err)
		}
	})

	t.Run("有効期限のないトークンはErrMalformedを返すこと", func(t *testing.T) {
		t.Parallel()

		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:  "noexp@example.com",
				IssuedAt: jwt.NewNumericDate(fixedTime),
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの生成に失敗: %v", err)
		}

		_, err = newTestCodec(t).Verify(signed)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Verify() error = %v, want ErrMalformed", err)
		}
	})
}

// TestReason はReason関数を検証する。
func TestReason(t *testing.T) {
	t.Parallel()

	if got := Reason(nil); got != "ok" {
		t.Errorf("Reason(nil) = %q, want %q", got, "ok")
	}
	if got := Reason(errors.New("unknown")); !strings.EqualFold(got, "malformed") {
		t.Errorf("Reason(unknown) = %q, want %q", got, "malformed")
	}
}
