// Package sharelink builds and parses calendar share links.
//
// A link is a URL whose query carries the calendar id, its display name and,
// for private calendars, the channel key. Holding the link is sufficient to
// join the calendar's topic and read its traffic.
package sharelink

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"

	"github.com/roach88/meshcal/internal/calendar"
)

// DefaultBase is used when no share base URL is configured.
const DefaultBase = "meshcal://join"

// KeyBytes is the amount of randomness in a generated key.
const KeyBytes = 32

// ErrInvalidLink is returned by Parse for malformed links.
var ErrInvalidLink = errors.New("invalid share link")

// Link is the decoded content of a share link.
type Link struct {
	CalendarID string
	Name       string
	Key        string
}

// Private reports whether the link carries a channel key.
func (l Link) Private() bool { return l.Key != "" }

// Build returns a share link rooted at base. An empty key produces a public
// link.
func Build(base, calendarID, name, key string) (string, error) {
	if calendarID == "" {
		return "", fmt.Errorf("%w: empty calendar id", ErrInvalidLink)
	}
	if base == "" {
		base = DefaultBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("calendar", calendarID)
	q.Set("name", calendar.NormalizeName(name))
	if key != "" {
		q.Set("key", key)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Parse decodes a link produced by Build. Only the query is inspected, so
// links from any base URL are accepted.
func Parse(raw string) (Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	q := u.Query()
	l := Link{
		CalendarID: q.Get("calendar"),
		Name:       calendar.NormalizeName(q.Get("name")),
		Key:        q.Get("key"),
	}
	if l.CalendarID == "" {
		return Link{}, fmt.Errorf("%w: missing calendar parameter", ErrInvalidLink)
	}
	return l, nil
}

// NewKey returns a fresh random channel key, base64url without padding.
func NewKey() (string, error) {
	b := make([]byte, KeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
