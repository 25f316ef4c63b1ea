package platform

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Session is the immutable tuple the Credential Session component produces:
// access token, numeric user id, device id, login name. Persisted to the
// session file (default auth.json) and reloaded on start.
type Session struct {
	AccessToken string `json:"access_token"`
	UserID      int64  `json:"user_id"`
	DeviceID    string `json:"device_id"`
	Login       string `json:"login"`
}

// ClientSessionID returns the first 16 characters of DeviceID, required by
// the GQL endpoint as Client-Session-Id.
func (s *Session) ClientSessionID() string {
	if len(s.DeviceID) < 16 {
		return s.DeviceID
	}
	return s.DeviceID[:16]
}

// newDeviceID produces a 32-hex-character random device id (crypto/rand),
// the fallback when the platform home page carries no unique-id cookie.
func newDeviceID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SaveSession JSON-encodes s to path (0600: it carries a live access
// token).
func SaveSession(path string, s *Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadSession decodes path into a Session.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
