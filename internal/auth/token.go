// Package auth is the authentication collaborator consumed by the relay
// engine. The relay only ever sees the Validator surface; the WebAuthn
// ceremony itself lives outside this server.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"breaker/server/internal/store"
)

// ErrInvalidToken is returned for any token that fails validation: bad
// signature, expired, malformed claims, or an unknown/inactive account.
var ErrInvalidToken = errors.New("invalid access token")

// Identity is the validated result of an access token.
type Identity struct {
	UserID   int64
	Username string
}

// Validator validates opaque access tokens presented on the wire.
type Validator interface {
	ValidateAccessToken(ctx context.Context, token string) (Identity, error)
}

// accessClaims are the claims carried by an access token.
type accessClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenService mints and validates HS256 access tokens and manages hashed
// refresh tokens. Accounts are checked against the store on every
// validation so a deactivated user loses access immediately.
type TokenService struct {
	secret []byte
	store  *store.Store
}

// NewTokenService returns a token service. secret must be non-empty for
// minting or validation to succeed.
func NewTokenService(secret string, st *store.Store) *TokenService {
	return &TokenService{secret: []byte(secret), store: st}
}

// MintAccessToken issues an access token for a registered user.
func (t *TokenService) MintAccessToken(ctx context.Context, username string, ttl time.Duration) (string, error) {
	if len(t.secret) == 0 {
		return "", fmt.Errorf("AUTH_TOKEN_SECRET is not configured")
	}
	u, err := t.store.UserByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("look up user: %w", err)
	}

	now := time.Now()
	claims := accessClaims{
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", u.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and verifies an access token and confirms the
// account is still active. Implements Validator.
func (t *TokenService) ValidateAccessToken(ctx context.Context, token string) (Identity, error) {
	if len(t.secret) == 0 || token == "" {
		return Identity{}, ErrInvalidToken
	}

	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	var userID int64
	if _, err := fmt.Sscanf(claims.Subject, "%d", &userID); err != nil || userID <= 0 {
		return Identity{}, ErrInvalidToken
	}

	u, err := t.store.UserByID(ctx, userID)
	if err != nil || !u.Active || u.Username != claims.Username {
		return Identity{}, ErrInvalidToken
	}

	if err := t.store.TouchLastLogin(ctx, u.ID); err != nil {
		return Identity{}, fmt.Errorf("record login: %w", err)
	}
	return Identity{UserID: u.ID, Username: u.Username}, nil
}

// MintRefreshToken issues an opaque refresh token, storing only its hash.
func (t *TokenService) MintRefreshToken(ctx context.Context, userID int64, ttl time.Duration, ip, ua string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	token := hex.EncodeToString(raw)

	_, err := t.store.InsertRefreshToken(ctx, store.RefreshToken{
		UserID:    userID,
		TokenHash: HashRefreshToken(token),
		ExpiresAt: time.Now().Add(ttl).Unix(),
		IP:        ip,
		UA:        ua,
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// RedeemRefreshToken resolves a refresh token to its user id.
func (t *TokenService) RedeemRefreshToken(ctx context.Context, token string) (int64, error) {
	row, err := t.store.RefreshTokenByHash(ctx, HashRefreshToken(token))
	if err != nil {
		return 0, err
	}
	return row.UserID, nil
}

// RevokeRefreshToken invalidates a refresh token.
func (t *TokenService) RevokeRefreshToken(ctx context.Context, token string) error {
	return t.store.RevokeRefreshToken(ctx, HashRefreshToken(token))
}

// HashRefreshToken is the storage hash for refresh tokens.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
