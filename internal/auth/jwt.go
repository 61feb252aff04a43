// Package auth provides user accounts, JWT token issuance and verification,
// and HTTP middleware that attaches the authenticated user to the request
// context.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims are the JWT claims carried by access and refresh tokens.
type Claims struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	IsAdmin   bool   `json:"is_admin"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenManager signs and verifies JWTs with an HMAC secret.
type TokenManager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenManager creates a token manager.
func NewTokenManager(secret string, accessTTL, refreshTTL time.Duration) *TokenManager {
	return &TokenManager{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// Issue creates an access/refresh token pair for the user.
func (tm *TokenManager) Issue(user *domain.User) (*TokenPair, error) {
	access, err := tm.sign(user, tokenTypeAccess, tm.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := tm.sign(user, tokenTypeRefresh, tm.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(tm.accessTTL.Seconds()),
	}, nil
}

func (tm *TokenManager) sign(user *domain.User, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Email:     user.Email,
		Username:  user.Username,
		IsAdmin:   user.IsAdmin,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

// VerifyAccess parses an access token and returns its claims.
func (tm *TokenManager) VerifyAccess(token string) (*Claims, error) {
	return tm.verify(token, tokenTypeAccess)
}

// VerifyRefresh parses a refresh token and returns its claims.
func (tm *TokenManager) VerifyRefresh(token string) (*Claims, error) {
	return tm.verify(token, tokenTypeRefresh)
}

func (tm *TokenManager) verify(tokenString, wantType string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, shared.Wrap(shared.CodeUnauthorized, "invalid token", err)
	}
	if !token.Valid {
		return nil, shared.New(shared.CodeUnauthorized, "invalid token")
	}
	if claims.TokenType != wantType {
		return nil, shared.New(shared.CodeUnauthorized, fmt.Sprintf("expected %s token", wantType))
	}
	return claims, nil
}
