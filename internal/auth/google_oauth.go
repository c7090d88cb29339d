package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// OAuthUserInfo は外部IdPから取得したユーザー情報。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool // IdPがメールアドレスの所有を確認済みか
	Name           string
	Provider       string
}

// OAuthProvider は認可コードフロー（PKCE付き）を提供する外部IdP。
type OAuthProvider interface {
	// AuthCodeURL は同意画面へのURLを返す。codeChallengeはS256で計算済みの値。
	AuthCodeURL(state, codeChallenge string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*OAuthUserInfo, error)
}

// ProviderGoogle はidentities.providerに保存するGoogleの識別子。
const ProviderGoogle = "google"

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

	maxResponseBytes = 1 << 20
)

// GoogleOAuthConfig はGoogleログインの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// エンドポイント（テストでの差し替え用）
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// HTTPClient はnilの場合http.DefaultClient。本番では送信先を検査するクライアントを渡す。
	HTTPClient *http.Client
}

// GoogleOAuthProvider はGoogleのOpenID Connectエンドポイントでログインを行う。
type GoogleOAuthProvider struct {
	config GoogleOAuthConfig
}

// NewGoogleOAuthProvider は未指定のエンドポイントを既定値で補ってプロバイダーを生成する。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	return &GoogleOAuthProvider{config: config}
}

func (p *GoogleOAuthProvider) AuthCodeURL(state, codeChallenge string) string {
	params := url.Values{
		"client_id":             {p.config.ClientID},
		"redirect_uri":          {p.config.RedirectURL},
		"response_type":         {"code"},
		"scope":                 {"openid email profile"},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
		"prompt":                {"select_account"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// OAuthError はIdPが返したOAuthエラー（RFC 6749 5.2）。
type OAuthError struct {
	StatusCode  int
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %d %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("oauth error %d %s", e.StatusCode, e.Code)
}

type googleTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*OAuthUserInfo, error) {
	form := url.Values{
		"code":          {code},
		"code_verifier": {codeVerifier},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"grant_type":    {"authorization_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token googleTokenResponse
	if err := p.doJSON(req, &token); err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("failed to exchange token: empty access token")
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	var info googleUserInfo
	if err := p.doJSON(req, &info); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("failed to fetch user info: empty sub")
	}

	return &OAuthUserInfo{
		ProviderUserID: info.Sub,
		Email:          info.Email,
		EmailVerified:  info.EmailVerified,
		Name:           info.Name,
		Provider:       ProviderGoogle,
	}, nil
}

// doJSON はリクエストを送り、200ならdstへデコードする。
// それ以外のステータスは本文をOAuthErrorとして解釈して返す。
func (p *GoogleOAuthProvider) doJSON(req *http.Request, dst any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		oauthErr := &OAuthError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, oauthErr) != nil || oauthErr.Code == "" {
			oauthErr.Code = http.StatusText(resp.StatusCode)
		}
		return oauthErr
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// newPKCEVerifier はRFC 7636のcode_verifier（43文字）を生成する。
func newPKCEVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// pkceChallenge はcode_verifierからS256のcode_challengeを計算する。
func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// newOAuthState はCSRF対策のstate値を生成する。
func newOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
