package harvest

import (
	"encoding/json"
	"fmt"
	"time"
)

// Cookie is a serializable browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

// Expired reports whether a persistent cookie has passed its expiry.
// Session cookies (no expiry) never expire on their own.
func (c Cookie) Expired(now time.Time) bool {
	if c.Expires <= 0 {
		return false
	}
	return now.After(time.Unix(int64(c.Expires), 0))
}

// Session is the authenticated handle shared by session bound adapters for
// the duration of one stage. It is read-only once handed out.
type Session struct {
	Origin    string    `json:"origin"`
	Cookies   []Cookie  `json:"cookies"`
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the session still looks usable without a remote probe.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || len(s.Cookies) == 0 {
		return false
	}
	live := 0
	for _, c := range s.Cookies {
		if !c.Expired(now) {
			live++
		}
	}
	return live > 0
}

// Marshal encodes the session for persistence.
func (s *Session) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

// UnmarshalSession decodes a persisted session blob.
func UnmarshalSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}
