package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"squadwars/internal/auth"
)

var (
	ErrNotLoggedIn    = errors.New("not logged in, run `squadctl login`")
	ErrSessionExpired = errors.New("access token expired, run `squadctl login`")
)

// Session is the login squadctl keeps in its state directory. The token is
// only decoded here; the command server verifies it on every request.
type Session struct {
	AccessToken string `json:"access_token"`
	PlayerID    string `json:"player_id"`
	APIBaseURL  string `json:"api_base_url,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

func NewSession(token, apiBaseURL string) (Session, error) {
	token = strings.TrimSpace(token)
	claims, err := auth.ParseUnverified(token)
	if err != nil {
		return Session{}, err
	}
	s := Session{AccessToken: token, PlayerID: claims.PlayerID, APIBaseURL: apiBaseURL}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return s, nil
}

func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt != 0 && now.Unix() >= s.ExpiresAt
}

func sessionPath(stateDir string) string {
	return filepath.Join(stateDir, "session.json")
}

func SaveSession(stateDir string, s Session) error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sessionPath(stateDir), body, 0o600)
}

// LoadSession returns the stored login, ErrNotLoggedIn when there is none,
// or ErrSessionExpired once its token has lapsed.
func LoadSession(stateDir string, now time.Time) (Session, error) {
	body, err := os.ReadFile(sessionPath(stateDir))
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrNotLoggedIn
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, fmt.Errorf("read session: %w", err)
	}
	if strings.TrimSpace(s.AccessToken) == "" {
		return Session{}, ErrNotLoggedIn
	}
	if s.Expired(now) {
		return s, ErrSessionExpired
	}
	return s, nil
}

func ClearSession(stateDir string) error {
	err := os.Remove(sessionPath(stateDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
