package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/fanlive/internal/model"
)

const defaultGoogleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// IDTokenVerifier は外部IdPが発行したIDトークンを検証するインターフェース。
type IDTokenVerifier interface {
	// Verify はIDトークンを検証し、検証済みのユーザー情報を返す。
	Verify(ctx context.Context, idToken string) (*model.ExternalIdentity, error)
}

// GoogleIDTokenConfig はGoogle IDトークン検証の設定。
type GoogleIDTokenConfig struct {
	ClientID string

	// テスト用にオーバーライド可能なURL
	TokenInfoURL string
	HTTPClient   *http.Client
}

// GoogleIDTokenVerifier はGoogleのtokeninfoエンドポイントでIDトークンを検証する。
type GoogleIDTokenVerifier struct {
	config GoogleIDTokenConfig
	now    func() time.Time
}

// NewGoogleIDTokenVerifier はGoogleIDTokenVerifierを生成する。
func NewGoogleIDTokenVerifier(config GoogleIDTokenConfig) *GoogleIDTokenVerifier {
	if config.TokenInfoURL == "" {
		config.TokenInfoURL = defaultGoogleTokenInfoURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleIDTokenVerifier{config: config, now: time.Now}
}

// googleTokenInfo はtokeninfoエンドポイントのレスポンス。
// 数値・真偽値も文字列で返却される。
type googleTokenInfo struct {
	Iss           string `json:"iss"`
	Aud           string `json:"aud"`
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
	Exp           string `json:"exp"`
}

// Verify はIDトークンを検証する。
// audienceがクライアントIDと一致しない場合、発行者が不正な場合、期限切れの場合はエラーを返す。
func (v *GoogleIDTokenVerifier) Verify(ctx context.Context, idToken string) (*model.ExternalIdentity, error) {
	if idToken == "" {
		return nil, fmt.Errorf("id token is empty")
	}

	endpoint := v.config.TokenInfoURL + "?" + url.Values{"id_token": {idToken}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokeninfo request: %w", err)
	}

	resp, err := v.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tokeninfo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read tokeninfo response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tokeninfo rejected id token with status %d", resp.StatusCode)
	}

	var info googleTokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse tokeninfo response: %w", err)
	}

	if info.Aud != v.config.ClientID {
		return nil, fmt.Errorf("id token audience mismatch: %q", info.Aud)
	}
	if !googleIssuers[info.Iss] {
		return nil, fmt.Errorf("unexpected id token issuer: %q", info.Iss)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in tokeninfo response")
	}
	exp, err := strconv.ParseInt(info.Exp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid exp in tokeninfo response: %w", err)
	}
	if !v.now().Before(time.Unix(exp, 0)) {
		return nil, fmt.Errorf("id token expired")
	}

	return &model.ExternalIdentity{
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified == "true",
		Name:          info.Name,
	}, nil
}

// compile-time interface check
var _ IDTokenVerifier = (*GoogleIDTokenVerifier)(nil)
