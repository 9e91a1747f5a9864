package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/fanlive/internal/model"
)

// トークン種別。typ クレームに格納し、アクセストークンとリフレッシュトークンの取り違えを防ぐ。
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims は発行するJWTのクレーム。
type Claims struct {
	Email     string `json:"email,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// UserID はクレームの subject を返す。
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenCodec は署名付きアクセストークン・リフレッシュトークンの生成と検証を行う。
// 状態を持たないためゴルーチン間で共有できる。
type TokenCodec struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenCodec はHS256で署名するTokenCodecを生成する。
func NewTokenCodec(secret, issuer string, accessTTL, refreshTTL time.Duration) *TokenCodec {
	return &TokenCodec{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// GenerateAccessToken はユーザーのアクセストークンを生成し、トークンと有効期限を返す。
func (c *TokenCodec) GenerateAccessToken(userID, email string) (string, time.Time, error) {
	return c.sign(userID, email, TokenTypeAccess, c.accessTTL)
}

// GenerateRefreshToken はユーザーのリフレッシュトークンを生成し、トークンと有効期限を返す。
// jti に毎回新しいUUIDを設定するため、同一秒内に発行しても値は重複しない。
func (c *TokenCodec) GenerateRefreshToken(userID string) (string, time.Time, error) {
	return c.sign(userID, "", TokenTypeRefresh, c.refreshTTL)
}

func (c *TokenCodec) sign(userID, email, tokenType string, ttl time.Duration) (string, time.Time, error) {
	now := c.now().UTC()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		Email:     email,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, expiresAt, nil
}

// ValidateAccessToken は署名・発行者・有効期限を検証し、クレームを返す。
// 期限切れは model.ErrTokenExpired、それ以外の不正は model.ErrTokenInvalid を返す。
func (c *TokenCodec) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := c.parse(tokenString,
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", model.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrTokenInvalid, err)
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, fmt.Errorf("%w: unexpected token type %q", model.ErrTokenInvalid, claims.TokenType)
	}
	return claims, nil
}

// ValidateRefreshToken は署名とトークン種別のみを検証する。
// 有効期限と無効化状態は永続化されたレコードで判定する。
func (c *TokenCodec) ValidateRefreshToken(tokenString string) (*Claims, error) {
	claims, err := c.parse(tokenString, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTokenInvalid, err)
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, fmt.Errorf("%w: unexpected token type %q", model.ErrTokenInvalid, claims.TokenType)
	}
	return claims, nil
}

func (c *TokenCodec) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
