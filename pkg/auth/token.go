package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
)

const (
	// TokenFile holds the todo API access and refresh tokens.
	TokenFile = "token.json"
	// GoogleTokenFile holds the Google Calendar token.
	GoogleTokenFile = "google_token.json"
)

// LoadToken reads an oauth2.Token from a JSON file.
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("failed to decode token from file %s: %w", path, err)
	}
	return tok, nil
}

// SaveToken writes tok to path, readable by the owner only.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to cache token to %s: %w", path, err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("failed to encode token to %s: %w", path, err)
	}
	return nil
}

// savingSource rewrites the token file whenever the wrapped source hands
// out a token different from the last one saved.
type savingSource struct {
	src    oauth2.TokenSource
	path   string
	logger *log.Logger

	mu   sync.Mutex
	last *oauth2.Token
}

// SavingTokenSource wraps src so refreshed tokens are persisted to path.
func SavingTokenSource(src oauth2.TokenSource, path string, initial *oauth2.Token, logger *log.Logger) oauth2.TokenSource {
	if logger == nil {
		logger = log.Default()
	}
	return &savingSource{src: src, path: path, last: initial, logger: logger}
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && s.last.AccessToken == tok.AccessToken && s.last.RefreshToken == tok.RefreshToken {
		return tok, nil
	}
	s.logger.Debug("token was refreshed, saving", "path", s.path)
	if err := SaveToken(s.path, tok); err != nil {
		// The token is still usable for this process.
		s.logger.Warn("could not save refreshed token", "err", err)
	}
	s.last = tok
	return tok, nil
}
