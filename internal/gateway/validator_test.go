package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nao1215/medgate/pkg/token"
)

// testSecret はテスト用の署名鍵。
const testSecret = "gateway-test-secret-key-0123456789"

// TestLocalValidator はLocalValidatorを検証する。
func TestLocalValidator(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	codec, err := token.NewCodec(testSecret, token.WithTTL(time.Hour), token.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewCodec()でエラーが発生: %v", err)
	}
	signed, err := codec.Sign("doctor@example.com", "DOCTOR")
	if err != nil {
		t.Fatalf("Sign()でエラーが発生: %v", err)
	}
	other, err := token.NewCodec("another-secret-key-0123456789")
	if err != nil {
		t.Fatalf("NewCodec()でエラーが発生: %v", err)
	}
	forged, err := other.Sign("doctor@example.com", "DOCTOR")
	if err != nil {
		t.Fatalf("Sign()でエラーが発生: %v", err)
	}

	v := NewLocalValidator(codec, nil)

	if !v.Validate(context.Background(), signed) {
		t.Error("有効なトークンがfalseと判定された")
	}
	if v.Validate(context.Background(), forged) {
		t.Error("別の鍵で署名されたトークンがtrueと判定された")
	}
	if v.Validate(context.Background(), "not-a-token") {
		t.Error("形式不正のトークンがtrueと判定された")
	}

	// 有効期限ちょうどの時刻は期限切れとして扱う
	now = now.Add(time.Hour)
	if v.Validate(context.Background(), signed) {
		t.Error("有効期限に達したトークンがtrueと判定された")
	}
	now = now.Add(time.Minute)
	if v.Validate(context.Background(), signed) {
		t.Error("有効期限切れのトークンがtrueと判定された")
	}
}

// TestRemoteValidator はRemoteValidatorを検証する。
func TestRemoteValidator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    bool
	}{
		{
			name: "認証サービスが200を返した場合はtrue",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"valid":true}`))
			},
			want: true,
		},
		{
			name: "認証サービスが401を返した場合はfalse",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"valid":false}`))
			},
			want: false,
		},
		{
			name: "認証サービスが500を返した場合はfalse",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			v := NewRemoteValidator(ts.URL, time.Second, nil)
			if got := v.Validate(context.Background(), "some-token"); got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("BearerヘッダーをGET /validateに送信すること", func(t *testing.T) {
		t.Parallel()

		var method, path, auth string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			path = r.URL.Path
			auth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		if !NewRemoteValidator(ts.URL, time.Second, nil).Validate(context.Background(), "abc.def.ghi") {
			t.Fatal("Validate()がfalseを返した")
		}
		if method != http.MethodGet || path != "/validate" {
			t.Errorf("リクエスト = %s %s, want GET /validate", method, path)
		}
		if auth != "Bearer abc.def.ghi" {
			t.Errorf("Authorization = %q, want %q", auth, "Bearer abc.def.ghi")
		}
	})

	t.Run("タイムアウトした場合はfalseを返し警告を記録すること", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			<-release
		}))
		defer ts.Close()
		defer close(release)

		core, logs := observer.New(zap.WarnLevel)
		v := NewRemoteValidator(ts.URL, 50*time.Millisecond, zap.New(core))
		if v.Validate(context.Background(), "slow-token") {
			t.Error("タイムアウト時にtrueが返された")
		}
		if logs.FilterMessage("認証サービスへの問い合わせに失敗").Len() != 1 {
			t.Errorf("警告ログが記録されていない: %v", logs.All())
		}
	})

	t.Run("接続できない場合はfalseを返すこと", func(t *testing.T) {
		t.Parallel()

		if NewRemoteValidator("http://127.0.0.1:1", time.Second, nil).Validate(context.Background(), "token") {
			t.Error("接続失敗時にtrueが返された")
		}
	})
}
