// Package auth issues and checks device access tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/medrex/referral-sync/pkg/config"
	"github.com/medrex/referral-sync/pkg/types"
)

// deviceClaims is the JWT body of a device access token
type deviceClaims struct {
	DeviceID string `json:"device_id"`
	Facility string `json:"facility,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates HS256 device tokens
type TokenManager struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	now      func() time.Time
}

// NewTokenManager creates a token manager from the JWT configuration
func NewTokenManager(cfg config.JWTConfig) (*TokenManager, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("JWT secret key is required")
	}

	ttl := time.Duration(cfg.AccessTokenTTL) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	return &TokenManager{
		secret:   []byte(cfg.SecretKey),
		ttl:      ttl,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}, nil
}

// Issue signs a token for the device
func (tm *TokenManager) Issue(claims types.DeviceClaims) (*types.AuthToken, error) {
	now := tm.now()

	jwtClaims := &deviceClaims{
		DeviceID: claims.DeviceID,
		Facility: claims.Facility,
		UserID:   claims.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   claims.DeviceID,
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
	}
	if tm.audience != "" {
		jwtClaims.Audience = jwt.ClaimStrings{tm.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &types.AuthToken{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tm.ttl / time.Second),
		IssuedAt:    now.UTC(),
	}, nil
}

// Validate checks a token and returns its device claims. Every failure wraps types.ErrUnauthorized.
func (tm *TokenManager) Validate(tokenString string) (*types.DeviceClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(tm.now),
		jwt.WithExpirationRequired(),
	}
	if tm.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tm.issuer))
	}
	if tm.audience != "" {
		opts = append(opts, jwt.WithAudience(tm.audience))
	}

	claims := &deviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return tm.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnauthorized, err)
	}
	if !token.Valid || claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: invalid token claims", types.ErrUnauthorized)
	}

	return &types.DeviceClaims{
		DeviceID: claims.DeviceID,
		Facility: claims.Facility,
		UserID:   claims.UserID,
	}, nil
}
