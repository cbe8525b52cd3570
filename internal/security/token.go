package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTokenMalformed = errors.New("sync token malformed")
	ErrTokenSignature = errors.New("sync token signature invalid")
	ErrTokenExpired   = errors.New("sync token expired")
)

// Claims bind a sync session to one store. Admin grants access to the
// conflict and full-queue notification channels and to the audit trail.
type Claims struct {
	StoreID   string    `json:"store_id"`
	Admin     bool      `json:"admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenManager issues and verifies HMAC-SHA256 signed, time-limited sync
// tokens.
type TokenManager struct {
	secret   []byte
	lifetime time.Duration
}

func NewTokenManager(secret string, lifetime time.Duration) *TokenManager {
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), lifetime: lifetime}
}

type tokenEnvelope struct {
	Claims    Claims `json:"claims"`
	Signature string `json:"signature"`
}

// Generate issues a token for the given store.
func (t *TokenManager) Generate(storeID string, admin bool) (string, error) {
	claims := Claims{
		StoreID:   storeID,
		Admin:     admin,
		ExpiresAt: time.Now().Add(t.lifetime),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to serialize claims: %w", err)
	}

	env := tokenEnvelope{
		Claims:    claims,
		Signature: t.sign(payload),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize token: %w", err)
	}

	return base64.URLEncoding.EncodeToString(raw), nil
}

// Validate checks signature and expiry and returns the claims.
func (t *TokenManager) Validate(token string) (*Claims, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrTokenMalformed
	}

	var env tokenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrTokenMalformed
	}
	if env.Claims.StoreID == "" || env.Signature == "" {
		return nil, ErrTokenMalformed
	}

	payload, err := json.Marshal(env.Claims)
	if err != nil {
		return nil, ErrTokenMalformed
	}
	expected := t.sign(payload)
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		return nil, ErrTokenSignature
	}

	if time.Now().After(env.Claims.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	return &env.Claims, nil
}

func (t *TokenManager) sign(payload []byte) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// sensitiveFields are never transmitted in sync payloads.
var sensitiveFields = []string{"password", "secret", "token", "api_key", "credential"}

// Redact masks sensitive fields in a payload snapshot. Returns a copy; the
// input map is not modified. Field matching is case-insensitive and matches
// substrings so "user_password" is caught too.
func Redact(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitive(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(field string) bool {
	lower := strings.ToLower(field)
	for _, s := range sensitiveFields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
