package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TokenManager manages per-capture authentication tokens. A token is
// issued when a capture registers and expires with the capture.
type TokenManager struct {
	tokens map[string]*TokenInfo
	mu     sync.RWMutex
}

// TokenInfo contains token metadata
type TokenInfo struct {
	Hash      string
	CaptureID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*TokenInfo),
	}
}

// GenerateToken generates a new authentication token for a capture
func (tm *TokenManager) GenerateToken(captureID string, duration time.Duration) (string, error) {
	// Generate random token
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	token := base64.URLEncoding.EncodeToString(tokenBytes)

	// Only the hash is stored
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.tokens[captureID] = &TokenInfo{
		Hash:      string(hash),
		CaptureID: captureID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	return token, nil
}

// ValidateToken validates an authentication token for a capture
func (tm *TokenManager) ValidateToken(captureID, token string) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tokenInfo, ok := tm.tokens[captureID]
	if !ok {
		return ErrInvalidToken
	}

	// Check expiration
	if time.Now().After(tokenInfo.ExpiresAt) {
		return ErrTokenExpired
	}

	// Validate token hash
	if err := bcrypt.CompareHashAndPassword([]byte(tokenInfo.Hash), []byte(token)); err != nil {
		return ErrInvalidToken
	}

	return nil
}

// RevokeToken revokes the token for a capture
func (tm *TokenManager) RevokeToken(captureID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	delete(tm.tokens, captureID)
}

// CleanupExpiredTokens removes expired tokens and returns how many were dropped
func (tm *TokenManager) CleanupExpiredTokens() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	removed := 0
	for captureID, tokenInfo := range tm.tokens {
		if now.After(tokenInfo.ExpiresAt) {
			delete(tm.tokens, captureID)
			removed++
		}
	}
	return removed
}

// APIKeyManager manages API keys for authentication
type APIKeyManager struct {
	keys map[string]string // key -> description
	mu   sync.RWMutex
}

// NewAPIKeyManager creates a new API key manager
func NewAPIKeyManager() *APIKeyManager {
	return &APIKeyManager{
		keys: make(map[string]string),
	}
}

// GenerateAPIKey generates a new API key
func (akm *APIKeyManager) GenerateAPIKey(description string) (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}

	apiKey := base64.URLEncoding.EncodeToString(keyBytes)

	akm.mu.Lock()
	defer akm.mu.Unlock()

	akm.keys[apiKey] = description
	return apiKey, nil
}

// RegisterAPIKey adds a pre-shared key, e.g. one configured via flag or
// environment rather than generated at runtime
func (akm *APIKeyManager) RegisterAPIKey(apiKey, description string) {
	akm.mu.Lock()
	defer akm.mu.Unlock()

	akm.keys[apiKey] = description
}

// ValidateAPIKey validates an API key and returns its description
func (akm *APIKeyManager) ValidateAPIKey(apiKey string) (string, bool) {
	akm.mu.RLock()
	defer akm.mu.RUnlock()

	for known, description := range akm.keys {
		if SecureCompare(known, apiKey) {
			return description, true
		}
	}
	return "", false
}

// Enabled reports whether any keys are registered
func (akm *APIKeyManager) Enabled() bool {
	akm.mu.RLock()
	defer akm.mu.RUnlock()

	return len(akm.keys) > 0
}

// RevokeAPIKey revokes an API key
func (akm *APIKeyManager) RevokeAPIKey(apiKey string) {
	akm.mu.Lock()
	defer akm.mu.Unlock()

	delete(akm.keys, apiKey)
}

// ListAPIKeys returns all API keys with their descriptions
func (akm *APIKeyManager) ListAPIKeys() map[string]string {
	akm.mu.RLock()
	defer akm.mu.RUnlock()

	keys := make(map[string]string, len(akm.keys))
	for k, v := range akm.keys {
		keys[k] = v
	}
	return keys
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
