package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/dsadrill/internal/model"
)

// トークン検証エラー
var (
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrInvalidToken     = errors.New("invalid token")
)

// tokenClaims はJWTに埋め込むクレーム。
type tokenClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
	Kind string `json:"typ"`
}

// TokenIssuerConfig はトークン発行の設定。
type TokenIssuerConfig struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenIssuer はHS256署名のアクセストークンとリフレッシュトークンを発行・検証する。
// ストレージには触れない。
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(cfg.Secret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
}

// Issue はアカウントIDをsubjectとするトークンペアを発行する。
func (t *TokenIssuer) Issue(accountID string, role model.Role) (*model.TokenPair, error) {
	now := t.now()

	access, err := t.sign(accountID, role, model.TokenKindAccess, now, t.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := t.sign(accountID, role, model.TokenKindRefresh, now, t.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &model.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify は署名と有効期限を検証し、種別が一致する場合にクレームを返す。
func (t *TokenIssuer) Verify(token string, kind model.TokenKind) (*model.TokenClaims, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	if claims.Subject == "" || model.TokenKind(claims.Kind) != kind {
		return nil, ErrInvalidToken
	}

	result := &model.TokenClaims{
		Subject: claims.Subject,
		Role:    model.Role(claims.Role),
		Kind:    model.TokenKind(claims.Kind),
		ID:      claims.ID,
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}

func (t *TokenIssuer) sign(accountID string, role model.Role, kind model.TokenKind, now time.Time, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(role),
		Kind: string(kind),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return signed, nil
}

// compile-time interface check
var _ TokenService = (*TokenIssuer)(nil)
