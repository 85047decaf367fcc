package calendar

import "time"

// Calendar is a named collection of events.
//
// A calendar is shared when a channel for it should be active. Private
// calendars carry a ShareKey that seals all channel traffic; anyone holding
// the share link (and therefore the key) can read and write.
//
// Joined marks a calendar added from someone else's share link. Only the
// owner of a calendar may withdraw it from its peers.
type Calendar struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Color       string    `json:"color,omitempty"`
	Private     bool      `json:"private,omitempty"`
	ShareKey    string    `json:"-"`
	Shared      bool      `json:"shared,omitempty"`
	Joined      bool      `json:"joined,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
