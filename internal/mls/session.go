package mls

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// sessionLifetime bounds how long persisted cookies are trusted before a
// fresh cold load is forced.
const sessionLifetime = 12 * time.Hour

// Session is the persisted browser state that lets the scraper resume
// without a cold login: cookies, local storage, and the user agent they
// were issued under.
type Session struct {
	Cookies      []*proto.NetworkCookie `json:"cookies"`
	UserAgent    string                 `json:"user_agent"`
	StorageState map[string]string      `json:"storage_state,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	LastUsedAt   time.Time              `json:"last_used_at"`
	ValidUntil   time.Time              `json:"valid_until"`
}

// Valid reports whether the session can still be restored.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && len(s.Cookies) > 0 && now.Before(s.ValidUntil)
}

// loadSession reads a persisted session from path. A missing file is not an
// error; it simply yields nil.
func loadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "mls: read session file")
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		// A corrupt session file is treated as absent; the scraper cold-loads.
		zap.L().Warn("mls session file corrupt, ignoring", zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	return &s, nil
}

// saveSession writes the session to path atomically.
func saveSession(path string, s *Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "mls: create session directory")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "mls: marshal session")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return eris.Wrap(err, "mls: write session file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return eris.Wrap(err, "mls: rename session file")
	}
	return nil
}

// captureSession snapshots cookies from the browser into a Session.
func captureSession(browser *rod.Browser, userAgent string, prev *Session) (*Session, error) {
	cookies, err := browser.GetCookies()
	if err != nil {
		return nil, eris.Wrap(err, "mls: get cookies")
	}
	now := time.Now().UTC()
	s := &Session{
		Cookies:    cookies,
		UserAgent:  userAgent,
		CreatedAt:  now,
		LastUsedAt: now,
		ValidUntil: now.Add(sessionLifetime),
	}
	if prev != nil {
		s.CreatedAt = prev.CreatedAt
		s.StorageState = prev.StorageState
		if !prev.ValidUntil.IsZero() {
			s.ValidUntil = prev.ValidUntil
		}
	}
	return s, nil
}

// restoreSession loads cookies into a freshly launched browser.
func restoreSession(browser *rod.Browser, s *Session) error {
	params := make([]*proto.NetworkCookieParam, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
			Expires:  c.Expires,
		})
	}
	if err := browser.SetCookies(params); err != nil {
		return eris.Wrap(err, "mls: set cookies")
	}
	return nil
}

// clearSessionFile removes persisted state from disk.
func clearSessionFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "mls: remove session file")
	}
	return nil
}
