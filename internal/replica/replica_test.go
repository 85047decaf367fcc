package replica_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshcal/internal/calendar"
	"github.com/roach88/meshcal/internal/replica"
	"github.com/roach88/meshcal/internal/store"
	"github.com/roach88/meshcal/internal/testutil"
	"github.com/roach88/meshcal/internal/wire"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func hdr(ts int64) wire.Header {
	return wire.Header{SenderID: "peer", Timestamp: ts}
}

func TestApply_EventLifecycle(t *testing.T) {
	st := openStore(t)
	a := replica.New(st, replica.Options{})
	ctx := context.Background()

	ev := testutil.Event("ev-1", "cal-1", "2025-03-01")
	require.NoError(t, a.Apply(ctx, wire.CreateEvent{Header: hdr(1), Event: ev}))

	ev.Title = "Renamed"
	require.NoError(t, a.Apply(ctx, wire.UpdateEvent{Header: hdr(2), Event: ev}))
	got, err := st.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	require.NoError(t, a.Apply(ctx, wire.DeleteEvent{Header: hdr(3), CalendarID: "cal-1", ID: "ev-1"}))
	_, err = st.GetEvent(ctx, "ev-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApply_MoveSurvivesReorderedDelete(t *testing.T) {
	st := openStore(t)
	a := replica.New(st, replica.Options{})
	ctx := context.Background()
	require.NoError(t, st.SaveEvent(ctx, testutil.Event("ev-1", "cal-1", "2025-03-01")))

	// The create on the destination arrives before the delete on the origin.
	require.NoError(t, a.Apply(ctx, wire.CreateEvent{Header: hdr(2), Event: testutil.Event("ev-1", "cal-2", "2025-03-01")}))
	require.NoError(t, a.Apply(ctx, wire.DeleteEvent{Header: hdr(1), CalendarID: "cal-1", ID: "ev-1"}))

	got, err := st.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "cal-2", got.CalendarID)
}

func TestApply_SyncUpsertsAll(t *testing.T) {
	st := openStore(t)
	a := replica.New(st, replica.Options{})
	ctx := context.Background()

	evs := testutil.Events("cal-1", "2025-03-01", 3)
	require.NoError(t, a.Apply(ctx, wire.SyncEvents{Header: hdr(1), CalendarID: "cal-1", Events: evs}))

	stored, err := st.EventsByCalendar(ctx, "cal-1")
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestApply_SyncReportsBadEventsAndKeepsGood(t *testing.T) {
	st := openStore(t)
	a := replica.New(st, replica.Options{})
	ctx := context.Background()

	good := testutil.Event("ok", "cal-1", "2025-03-01")
	bad := calendar.Event{ID: "bad", CalendarID: "cal-1"}
	err := a.Apply(ctx, wire.SyncEvents{Header: hdr(1), CalendarID: "cal-1", Events: []calendar.Event{bad, good}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event bad")

	_, err = st.GetEvent(ctx, "ok")
	assert.NoError(t, err)
}

func TestApply_DescriptionCreatesOrUpdatesCalendar(t *testing.T) {
	st := openStore(t)
	a := replica.New(st, replica.Options{})
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, wire.SyncCalendarDescription{Header: hdr(1), CalendarID: "cal-1", Description: "first"}))
	c, err := st.GetCalendar(ctx, "cal-1")
	require.NoError(t, err)
	assert.Equal(t, "first", c.Description)

	require.NoError(t, st.SaveCalendar(ctx, calendar.Calendar{ID: "cal-1", Name: "Team", Shared: true, Description: "first"}))
	require.NoError(t, a.Apply(ctx, wire.SyncCalendarDescription{Header: hdr(2), CalendarID: "cal-1", Description: "second"}))
	c, err = st.GetCalendar(ctx, "cal-1")
	require.NoError(t, err)
	assert.Equal(t, "second", c.Description)
	assert.Equal(t, "Team", c.Name)
	assert.True(t, c.Shared)
}

func TestApply_UnshareMarksCalendarAndNotifies(t *testing.T) {
	st := openStore(t)
	var gotID, gotName string
	a := replica.New(st, replica.Options{OnUnshare: func(id, name string) { gotID, gotName = id, name }})
	ctx := context.Background()
	require.NoError(t, st.SaveCalendar(ctx, calendar.Calendar{ID: "cal-1", Name: "Team", Shared: true, Joined: true}))

	require.NoError(t, a.Apply(ctx, wire.UnshareCalendar{Header: hdr(1), CalendarID: "cal-1", CalendarName: "Team"}))

	c, err := st.GetCalendar(ctx, "cal-1")
	require.NoError(t, err)
	assert.False(t, c.Shared)
	assert.Equal(t, "cal-1", gotID)
	assert.Equal(t, "Team", gotName)
}

func TestApply_UnshareIgnoredForOwnedCalendar(t *testing.T) {
	st := openStore(t)
	notified := false
	a := replica.New(st, replica.Options{OnUnshare: func(string, string) { notified = true }})
	ctx := context.Background()
	require.NoError(t, st.SaveCalendar(ctx, calendar.Calendar{ID: "cal-1", Name: "Team", Shared: true}))

	require.NoError(t, a.Apply(ctx, wire.UnshareCalendar{Header: hdr(1), CalendarID: "cal-1", CalendarName: "Team"}))

	c, err := st.GetCalendar(ctx, "cal-1")
	require.NoError(t, err)
	assert.True(t, c.Shared)
	assert.False(t, notified)
}

func TestRun_AppliesInOrderUntilClosed(t *testing.T) {
	st := openStore(t)
	var (
		mu   sync.Mutex
		seen []int64
	)
	a := replica.New(st, replica.Options{OnApplied: func(env wire.Envelope) {
		mu.Lock()
		seen = append(seen, env.Head().Timestamp)
		mu.Unlock()
	}})

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	ev := testutil.Event("ev-1", "cal-1", "2025-03-01")
	a.Route(wire.CreateEvent{Header: hdr(1), Event: ev})
	ev.Title = "v2"
	a.Route(wire.UpdateEvent{Header: hdr(2), Event: ev})
	a.Route(wire.DeleteEvent{Header: hdr(3), CalendarID: "cal-1", ID: "ev-1"})
	a.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	mu.Lock()
	assert.Equal(t, []int64{1, 2, 3}, seen)
	mu.Unlock()
	applied, failed := a.Stats()
	assert.Equal(t, 3, applied)
	assert.Equal(t, 0, failed)
	assert.Zero(t, a.Pending())

	_, err := st.GetEvent(context.Background(), "ev-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_ContinuesAfterFailure(t *testing.T) {
	st := &failingStore{Store: openStore(t), fail: "boom"}
	a := replica.New(st, replica.Options{})

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	a.Route(wire.CreateEvent{Header: hdr(1), Event: testutil.Event("boom", "cal-1", "2025-03-01")})
	a.Route(wire.CreateEvent{Header: hdr(2), Event: testutil.Event("fine", "cal-1", "2025-03-01")})
	a.Close()
	require.NoError(t, <-done)

	applied, failed := a.Stats()
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, failed)
	_, err := st.GetEvent(context.Background(), "fine")
	assert.NoError(t, err)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a := replica.New(openStore(t), replica.Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)

	// Routing after shutdown is dropped without blocking.
	a.Route(wire.DeleteEvent{Header: hdr(1), CalendarID: "cal-1", ID: "x"})
	assert.Zero(t, a.Pending())
}

type failingStore struct {
	*store.Store
	fail string
}

func (f *failingStore) SaveEvent(ctx context.Context, ev calendar.Event) error {
	if ev.ID == f.fail {
		return errors.New("disk full")
	}
	return f.Store.SaveEvent(ctx, ev)
}
