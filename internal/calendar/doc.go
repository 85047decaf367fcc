// Package calendar defines the calendar and event records that peers
// exchange and that the local store persists.
//
// The sync engine never interprets these records beyond routing: it reads
// an event's ID, CalendarID, and Date (for incremental replay) and carries
// the rest as payload.
package calendar
