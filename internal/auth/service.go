// Package auth はGoogleログイン、リフレッシュトークンのローテーションと再利用検知を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fanlive/internal/model"
	"github.com/hitoshi/fanlive/internal/repository"
)

// リフレッシュ結果のメトリクスラベル。
const (
	RefreshResultSuccess = "success"
	RefreshResultInvalid = "invalid"
	RefreshResultExpired = "expired"
	RefreshResultReused  = "reused"
	RefreshResultError   = "error"
)

// Metrics は認証処理のメトリクス記録先。
type Metrics interface {
	IncAuthRefresh(result string)
	IncAuthReuseDetected()
}

// Service は認証トークンのライフサイクルを管理する。
type Service struct {
	verifier  IDTokenVerifier
	userRepo  repository.UserRepository
	identRepo repository.IdentityRepository
	tokenRepo repository.RefreshTokenRepository
	codec     *TokenCodec
	metrics   Metrics
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	verifier IDTokenVerifier,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	tokenRepo repository.RefreshTokenRepository,
	codec *TokenCodec,
) *Service {
	return &Service{
		verifier:  verifier,
		userRepo:  userRepo,
		identRepo: identRepo,
		tokenRepo: tokenRepo,
		codec:     codec,
		now:       time.Now,
	}
}

// SetMetrics はメトリクス記録先を設定する。nilの場合は記録しない。
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

// GoogleLogin はGoogle IDトークンを検証してユーザーを特定し、新しいトークンペアを発行する。
// 未登録ユーザーの場合はusersレコードとidentitiesレコードを同時に作成する。
func (s *Service) GoogleLogin(ctx context.Context, idToken string) (*model.TokenPair, error) {
	ext, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		slog.Warn("Google IDトークンの検証に失敗しました", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", model.ErrExternalVerificationFailed, err)
	}

	user, err := s.resolveUser(ctx, ext)
	if err != nil {
		return nil, err
	}

	pair, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, err
	}

	slog.Info("ユーザーがログインしました", slog.String("user_id", user.ID))
	return pair, nil
}

// resolveUser は外部IdPのユーザー情報から既存ユーザーを特定し、存在しなければ作成する。
func (s *Service) resolveUser(ctx context.Context, ext *model.ExternalIdentity) (*model.User, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, model.IdentityProviderGoogle, ext.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	if identity != nil {
		return s.userFor(ctx, identity)
	}

	now := s.now()
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     ext.Email,
		Username:  usernameFor(ext),
		CreatedAt: now,
		UpdatedAt: now,
	}
	newIdentity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       model.IdentityProviderGoogle,
		ProviderUserID: ext.Subject,
		CreatedAt:      now,
	}
	err = s.userRepo.CreateWithIdentity(ctx, user, newIdentity)
	if errors.Is(err, repository.ErrIdentityConflict) {
		// 並行した初回ログインが先にユーザーを作成した
		return s.existingUser(ctx, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("新規ユーザーを作成しました",
		slog.String("user_id", user.ID),
		slog.String("provider", model.IdentityProviderGoogle),
	)
	return user, nil
}

// existingUser は作成競合に負けた後、既に存在するidentityからユーザーを引き直す。
func (s *Service) existingUser(ctx context.Context, ext *model.ExternalIdentity) (*model.User, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, model.IdentityProviderGoogle, ext.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		return nil, fmt.Errorf("identity disappeared after conflict: %s", ext.Subject)
	}
	return s.userFor(ctx, identity)
}

func (s *Service) userFor(ctx context.Context, identity *model.Identity) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found for identity: %s", identity.ID)
	}
	return user, nil
}

// usernameFor は表示名、なければメールアドレスのローカル部をユーザー名とする。
func usernameFor(ext *model.ExternalIdentity) string {
	if name := strings.TrimSpace(ext.Name); name != "" {
		return name
	}
	if at := strings.Index(ext.Email, "@"); at > 0 {
		return ext.Email[:at]
	}
	return ext.Email
}

// issueTokens はアクセストークンとリフレッシュトークンを発行し、リフレッシュトークンを保存する。
func (s *Service) issueTokens(ctx context.Context, user *model.User) (*model.TokenPair, error) {
	access, accessExp, err := s.codec.GenerateAccessToken(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.codec.GenerateRefreshToken(user.ID)
	if err != nil {
		return nil, err
	}

	record := &model.RefreshToken{
		ID:        uuid.New().String(),
		Token:     refresh,
		UserID:    user.ID,
		ExpiresAt: refreshExp,
		CreatedAt: s.now(),
	}
	if err := s.tokenRepo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	return &model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		UserID:       user.ID,
		ExpiresAt:    accessExp,
	}, nil
}

// RefreshToken はリフレッシュトークンをローテーションし、新しいトークンペアを返す。
//
// 無効化済みトークンの提示は盗用または競合の兆候として扱い、そのユーザーの
// 全リフレッシュトークンを無効化したうえで model.ErrRefreshTokenReused を返す。
// 同一トークンでの並行呼び出しは条件付き更新により1件のみ成功し、
// 競合に負けた呼び出しも再利用として扱う。
func (s *Service) RefreshToken(ctx context.Context, token string) (*model.TokenPair, error) {
	claims, err := s.codec.ValidateRefreshToken(token)
	if err != nil {
		s.recordRefresh(RefreshResultInvalid)
		return nil, err
	}

	record, err := s.tokenRepo.FindByToken(ctx, token)
	if err != nil {
		s.recordRefresh(RefreshResultError)
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}
	if record == nil || record.UserID != claims.UserID() {
		s.recordRefresh(RefreshResultInvalid)
		return nil, model.ErrTokenInvalid
	}

	if record.Invalidated {
		return nil, s.handleReuse(ctx, record.UserID)
	}

	if record.IsExpired(s.now()) {
		s.recordRefresh(RefreshResultExpired)
		return nil, model.ErrTokenExpired
	}

	user, err := s.userRepo.FindByID(ctx, record.UserID)
	if err != nil {
		s.recordRefresh(RefreshResultError)
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		s.recordRefresh(RefreshResultInvalid)
		return nil, model.ErrTokenInvalid
	}

	access, accessExp, err := s.codec.GenerateAccessToken(user.ID, user.Email)
	if err != nil {
		s.recordRefresh(RefreshResultError)
		return nil, err
	}
	refresh, refreshExp, err := s.codec.GenerateRefreshToken(user.ID)
	if err != nil {
		s.recordRefresh(RefreshResultError)
		return nil, err
	}

	next := &model.RefreshToken{
		ID:        uuid.New().String(),
		Token:     refresh,
		UserID:    user.ID,
		ExpiresAt: refreshExp,
		CreatedAt: s.now(),
	}
	rotated, err := s.tokenRepo.Rotate(ctx, token, next)
	if err != nil {
		s.recordRefresh(RefreshResultError)
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if !rotated {
		return nil, s.handleReuse(ctx, user.ID)
	}

	s.recordRefresh(RefreshResultSuccess)
	return &model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		UserID:       user.ID,
		ExpiresAt:    accessExp,
	}, nil
}

// handleReuse はユーザーの全リフレッシュトークンを無効化し、再利用エラーを返す。
func (s *Service) handleReuse(ctx context.Context, userID string) error {
	s.recordRefresh(RefreshResultReused)
	if s.metrics != nil {
		s.metrics.IncAuthReuseDetected()
	}

	n, err := s.tokenRepo.InvalidateAllByUserID(ctx, userID)
	if err != nil {
		slog.Error("リフレッシュトークン再利用検知後の一括無効化に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: failed to invalidate token chain: %w", model.ErrRefreshTokenReused, err)
	}

	slog.Warn("リフレッシュトークンの再利用を検知し、全トークンを無効化しました",
		slog.String("user_id", userID),
		slog.Int64("invalidated", n),
	)
	return model.ErrRefreshTokenReused
}

func (s *Service) recordRefresh(result string) {
	if s.metrics != nil {
		s.metrics.IncAuthRefresh(result)
	}
}

// Logout はユーザーの全リフレッシュトークンを無効化する。
// トークンが存在しない場合や既に無効化済みの場合も成功する。
func (s *Service) Logout(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}

	n, err := s.tokenRepo.InvalidateAllByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to invalidate refresh tokens: %w", err)
	}

	slog.Info("ユーザーがログアウトしました",
		slog.String("user_id", userID),
		slog.Int64("invalidated", n),
	)
	return nil
}

// DeleteExpiredTokens は有効期限切れのリフレッシュトークンを削除し、削除件数を返す。
func (s *Service) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.tokenRepo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	return n, nil
}

// AuthenticateAccessToken はアクセストークンを検証し、クレームを返す。
func (s *Service) AuthenticateAccessToken(token string) (*Claims, error) {
	return s.codec.ValidateAccessToken(token)
}

// GetCurrentUser は指定ユーザーを取得する。存在しない場合は model.ErrTokenInvalid を返す。
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, errors.Join(model.ErrTokenInvalid, fmt.Errorf("user not found: %s", userID))
	}
	return user, nil
}
