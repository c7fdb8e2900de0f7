// Package auth manages the shared token that WebSocket clients present to a
// node.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const tokenLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// TokenEnv pre-sets the node token, mainly for containers.
const TokenEnv = "PACKETWIRE_TOKEN"

// GenerateToken creates a random 32-character alphanumeric token
// and writes it to dataDir/token with permissions 0600.
func GenerateToken(dataDir string) (string, error) {
	token, err := randomAlphanumeric(tokenLength)
	if err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	if err := writeToken(dataDir, token); err != nil {
		return "", err
	}
	return token, nil
}

// LoadOrGenerateToken returns the auth token using this priority:
//  1. PACKETWIRE_TOKEN environment variable (also written to disk so
//     ValidateToken sees it)
//  2. Existing token file on disk
//  3. Newly generated token
func LoadOrGenerateToken(dataDir string) (string, error) {
	if envToken := strings.TrimSpace(os.Getenv(TokenEnv)); envToken != "" {
		if err := writeToken(dataDir, envToken); err != nil {
			return "", err
		}
		return envToken, nil
	}

	if token, err := ReadToken(dataDir); err == nil && token != "" {
		return token, nil
	}

	return GenerateToken(dataDir)
}

// ReadToken returns the stored token.
func ReadToken(dataDir string) (string, error) {
	data, err := os.ReadFile(tokenPath(dataDir))
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ValidateToken compares a candidate token against the stored token on disk
// in constant time. It returns false if the token file cannot be read.
func ValidateToken(dataDir string, candidate string) bool {
	stored, err := ReadToken(dataDir)
	if err != nil || stored == "" {
		return false
	}
	candidate = strings.TrimSpace(candidate)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

// RequestToken extracts the token from an "Authorization: Bearer" header,
// falling back to the "token" query parameter.
func RequestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func writeToken(dataDir, token string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	path := tokenPath(dataDir)
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token to %s: %w", path, err)
	}
	return nil
}

func tokenPath(dataDir string) string {
	return filepath.Join(dataDir, "token")
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
