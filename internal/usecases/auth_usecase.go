package usecases

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLockedOut          = errors.New("too many failed login attempts")
	ErrInvalidToken       = errors.New("invalid token")
)

const tokenTTL = 24 * time.Hour

// LoginGuard is the per-subject lockout consulted before checking a password.
type LoginGuard interface {
	Allow(ctx context.Context, key string) bool
	Record(ctx context.Context, key string)
	Reset(ctx context.Context, key string)
}

type AuthUsecase struct {
	users     interfaces.UserStore
	guard     LoginGuard
	jwtSecret []byte
	now       func() time.Time
}

func NewAuthUsecase(users interfaces.UserStore, guard LoginGuard, secret string) *AuthUsecase {
	return &AuthUsecase{
		users:     users,
		guard:     guard,
		jwtSecret: []byte(secret),
		now:       time.Now,
	}
}

// Login checks the lockout for subject (the client IP), then the password.
// Every failure counts towards the lockout; success clears it.
func (uc *AuthUsecase) Login(ctx context.Context, subject, username, password string) (string, *entities.User, error) {
	if !uc.guard.Allow(ctx, subject) {
		return "", nil, ErrLockedOut
	}

	user, err := uc.users.GetUserByUsername(ctx, username)
	if err != nil {
		return "", nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil || !user.IsActive {
		uc.guard.Record(ctx, subject)
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		uc.guard.Record(ctx, subject)
		return "", nil, ErrInvalidCredentials
	}
	uc.guard.Reset(ctx, subject)

	token, err := uc.IssueToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

func (uc *AuthUsecase) IssueToken(user *entities.User) (string, error) {
	now := uc.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  strconv.Itoa(user.ID),
		"role": user.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(tokenTTL).Unix(),
	})

	tokenString, err := token.SignedString(uc.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ParseToken validates an HS256 token and returns the user id and role it carries.
func (uc *AuthUsecase) ParseToken(tokenString string) (int, string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return uc.jwtSecret, nil
	}, jwt.WithTimeFunc(uc.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return 0, "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return 0, "", ErrInvalidToken
	}
	id, err := strconv.Atoi(sub)
	if err != nil {
		return 0, "", ErrInvalidToken
	}
	role, _ := claims["role"].(string)
	return id, role, nil
}

func (uc *AuthUsecase) CurrentUser(ctx context.Context, id int) (*entities.User, error) {
	return uc.users.GetUserByID(ctx, id)
}

// EnsureAdmin creates the admin account if none exists (called on startup)
func (uc *AuthUsecase) EnsureAdmin(ctx context.Context, username, password string) error {
	user, err := uc.users.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if user != nil {
		return nil
	}
	if password == "" {
		return errors.New("ADMIN_PASSWORD is required to create the admin account")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	return uc.users.CreateUser(ctx, &entities.User{
		Username:     username,
		PasswordHash: string(hashed),
		Role:         "admin",
		IsActive:     true,
	})
}
