package services

import (
	"context"
	"errors"
	"time"

	"amalive/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

type userContextKey struct{}

// AuthService verifies access tokens issued by the identity provider.
// GenerateToken exists for local development and tests.
type AuthService interface {
	GenerateToken(user domain.User) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	UserID    domain.UserID   `json:"user_id"`
	Username  string          `json:"username"`
	AvatarURL string          `json:"avatar_url,omitempty"`
	Role      domain.UserRole `json:"role"`
	Tier      domain.UserTier `json:"tier"`
	jwt.RegisteredClaims
}

// User converts the claims into the domain user. Unknown roles and tiers
// fall back to the least privileged value.
func (c *Claims) User() domain.User {
	role := c.Role
	if !role.Valid() {
		role = domain.RoleViewer
	}
	tier := c.Tier
	if !tier.Valid() {
		tier = domain.TierFree
	}
	return domain.User{
		ID:        c.UserID,
		Name:      c.Username,
		AvatarURL: c.AvatarURL,
		Role:      role,
		Tier:      tier,
	}
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
	}
}

func (s *authService) GenerateToken(user domain.User) (string, error) {
	claims := &Claims{
		UserID:    user.ID,
		Username:  user.Name,
		AvatarURL: user.AvatarURL,
		Role:      user.Role,
		Tier:      user.Tier,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// ContextWithUser stores the authenticated user in ctx.
func ContextWithUser(ctx context.Context, user domain.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the authenticated user stored by ContextWithUser.
func UserFromContext(ctx context.Context) (domain.User, error) {
	user, ok := ctx.Value(userContextKey{}).(domain.User)
	if !ok || user.ID == "" {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}
