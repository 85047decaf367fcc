// Package store is meshcal's local SQLite database.
//
// It holds the derived application state: calendars, their events, and the
// per-calendar sync watermarks that let the engine resume incremental sync
// after a restart. The message log itself is never stored.
//
// # Tables
//
//   - calendars: one row per local or joined calendar, including its share key
//   - events: one row per event, keyed by event id
//   - sync_state: highest admitted mutation timestamp per calendar
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Event lists are always returned ORDER BY date, start_time, id so callers
// and golden tests see a stable order.
package store
