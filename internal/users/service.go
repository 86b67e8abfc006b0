package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/suPer8Hu/tomodachi-api/internal/auth"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
)

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type Service struct {
	repo          *Repo
	secret        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	signupCredits int
}

func NewService(repo *Repo, secret string, accessTTL, refreshTTL time.Duration, signupCredits int) *Service {
	return &Service{
		repo:          repo,
		secret:        secret,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		signupCredits: signupCredits,
	}
}

type SignupInput struct {
	Email     string
	FirstName string
	LastName  string
	Password  string
}

func (s *Service) Signup(ctx context.Context, in SignupInput) (*User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("user already exists: %w", common.ErrConflict)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	u := &User{
		Email:        email,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		PasswordHash: hash,
		Role:         RoleUser,
		Credits:      s.signupCredits,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		// unique index on email catches the signup race
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (*Tokens, error) {
	u, err := s.repo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("invalid email or password: %w", common.ErrUnauthorized)
		}
		return nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, fmt.Errorf("invalid email or password: %w", common.ErrUnauthorized)
	}

	access, err := auth.SignJWT(u.ID, u.Email, string(u.Role), auth.TokenAccess, s.secret, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := auth.SignJWT(u.ID, u.Email, string(u.Role), auth.TokenRefresh, s.secret, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, u.ID, map[string]any{"refresh_token": refresh}); err != nil {
		return nil, err
	}
	return &Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh issues a new access token. The presented refresh token must be the
// one stored at the last login, so logging in again revokes older ones.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	claims, err := auth.ParseJWT(refreshToken, s.secret, auth.TokenRefresh)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, common.ErrUnauthorized)
	}
	u, err := s.repo.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrUnauthorized
		}
		return nil, err
	}
	if u.RefreshToken == nil || *u.RefreshToken != refreshToken {
		return nil, fmt.Errorf("refresh token revoked: %w", common.ErrUnauthorized)
	}

	access, err := auth.SignJWT(u.ID, u.Email, string(u.Role), auth.TokenAccess, s.secret, s.accessTTL)
	if err != nil {
		return nil, err
	}
	return &Tokens{AccessToken: access}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateProfile(ctx context.Context, id, firstName, lastName string) (*User, error) {
	if err := s.repo.Update(ctx, id, map[string]any{
		"first_name": strings.TrimSpace(firstName),
		"last_name":  strings.TrimSpace(lastName),
	}); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]User, int64, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 10
	}
	if f.Role != "" && !f.Role.Valid() {
		return nil, 0, fmt.Errorf("role %q: %w", f.Role, common.ErrValidation)
	}
	return s.repo.List(ctx, f)
}

func (s *Service) AddCredits(ctx context.Context, id string, n int) (before, after int, err error) {
	if n <= 0 {
		return 0, 0, fmt.Errorf("credits must be positive: %w", common.ErrValidation)
	}
	return s.repo.AddCredits(ctx, id, n)
}

// DeductCredits is the billing hook used by the agent service and the reply pipeline.
func (s *Service) DeductCredits(ctx context.Context, userID string, n int) error {
	if err := s.repo.DeductCredits(ctx, userID, n); err != nil {
		return err
	}
	slog.Info("credits deducted", "user_id", userID, "credits", n)
	return nil
}
