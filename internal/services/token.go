package services

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenMissing = errors.New("token hash not configured")
)

// TokenService issues the shared secret between the migrator and its helper.
// The helper only ever stores the bcrypt hash.
type TokenService struct {
	hash string
	cost int
}

func NewTokenService(hash string) *TokenService {
	return &TokenService{hash: strings.TrimSpace(hash), cost: bcrypt.DefaultCost}
}

// LoadTokenService reads the bcrypt hash written at install time.
func LoadTokenService(hashPath string) (*TokenService, error) {
	data, err := os.ReadFile(hashPath) // #nosec G304 - path from helper config
	if err != nil {
		return nil, fmt.Errorf("failed to read token hash: %w", err)
	}
	return NewTokenService(string(data)), nil
}

func (s *TokenService) HashToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), s.cost)
	return string(bytes), err
}

func (s *TokenService) CheckToken(token string) error {
	if s.hash == "" {
		return ErrTokenMissing
	}
	if token == "" || bcrypt.CompareHashAndPassword([]byte(s.hash), []byte(token)) != nil {
		return ErrInvalidToken
	}
	return nil
}

// GenerateToken generates a random token of length characters.
func GenerateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes)[:length], nil
}

// WriteTokenPair generates a token and stores it at tokenPath (0600) with its
// bcrypt hash at hashPath.
func WriteTokenPair(tokenPath, hashPath string) (string, error) {
	token, err := GenerateToken(32)
	if err != nil {
		return "", err
	}

	hash, err := NewTokenService("").HashToken(token)
	if err != nil {
		return "", err
	}

	for path, content := range map[string]string{tokenPath: token, hashPath: hash} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			return "", err
		}
	}
	return token, nil
}
