package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/meshcal/internal/calendar"
	"github.com/roach88/meshcal/internal/engine"
	"github.com/roach88/meshcal/internal/store"
)

// EventOptions holds flags for the event subcommands.
type EventOptions struct {
	*RootOptions
	ID        string
	Title     string
	Date      string
	Start     string
	End       string
	AllDay    bool
	Location  string
	Attendees []string
	Calendar  string
}

// eventResult is the JSON shape of a single-event change.
type eventResult struct {
	Event     calendar.Event `json:"event"`
	Published bool           `json:"published"`
}

// NewEventCommand creates the event command group.
func NewEventCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Add, change and list events",
		Long: `Add, change and list events.

Changes are written to the local database first. When the event's calendar
is shared the change is also broadcast to its peers.`,
	}
	cmd.AddCommand(newEventAddCommand(&EventOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newEventUpdateCommand(&EventOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newEventDeleteCommand(&EventOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newEventMoveCommand(&EventOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newEventListCommand(&EventOptions{RootOptions: rootOpts}))
	return cmd
}

func addEventFlags(cmd *cobra.Command, opts *EventOptions) {
	cmd.Flags().StringVar(&opts.Date, "date", "", "event date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Start, "start", "", "start time (HH:MM, UTC)")
	cmd.Flags().StringVar(&opts.End, "end", "", "end time (HH:MM, UTC)")
	cmd.Flags().BoolVar(&opts.AllDay, "all-day", false, "all-day event")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location")
	cmd.Flags().StringSliceVar(&opts.Attendees, "attendee", nil, "attendee (repeatable)")
}

func newEventAddCommand(opts *EventOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <calendar-id> <title>",
		Short: "Add an event",
		Long: `Add an event to a calendar.

Example:
  meshcal event add work "Standup" --date 2025-03-03 --start 09:00 --end 09:15
  meshcal event add home "Holiday" --date 2025-12-25 --all-day`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return addEvent(opts, args[0], args[1], cmd)
		},
	}
	addEventFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.ID, "id", "", "event id (default: generated UUIDv7)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func addEvent(opts *EventOptions, calendarID, title string, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	cal, err := loadCalendar(ctx, st, calendarID)
	if err != nil {
		return err
	}

	id := opts.ID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return WrapExitError(ExitFailure, "failed to generate event id", err)
		}
		id = u.String()
	}
	ev := calendar.Event{ID: id, Title: title, CalendarID: cal.ID}
	if err := opts.apply(cmd, &ev); err != nil {
		return err
	}
	if _, err := st.GetEvent(ctx, id); err == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("event %s already exists", id))
	}
	if err := st.SaveEvent(ctx, ev); err != nil {
		return WrapExitError(ExitCommandError, "failed to save event", err)
	}

	published, err := broadcast(ctx, opts.RootOptions, st, []string{cal.ID}, func(ctx context.Context, e *engine.Engine) bool {
		return e.CreateEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	return printEvent(cmd, opts, "Added", ev, published)
}

// apply copies the event flags that were set onto ev and validates it.
func (o *EventOptions) apply(cmd *cobra.Command, ev *calendar.Event) error {
	f := cmd.Flags()
	if f.Changed("title") {
		ev.Title = o.Title
	}
	if f.Changed("date") {
		day, err := calendar.ParseDay(o.Date)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --date", err)
		}
		ev.Date = day
	}
	if f.Changed("start") {
		ev.StartTime = o.Start
	}
	if f.Changed("end") {
		ev.EndTime = o.End
	}
	if f.Changed("all-day") {
		ev.AllDay = o.AllDay
	}
	if ev.AllDay {
		ev.StartTime, ev.EndTime = "", ""
	}
	if f.Changed("location") || f.Changed("attendee") {
		meta := calendar.Metadata{}
		if ev.Meta != nil {
			meta = *ev.Meta
		}
		if f.Changed("location") {
			meta.Location = o.Location
		}
		if f.Changed("attendee") {
			meta.Attendees = o.Attendees
		}
		ev.Meta = &meta
		if meta.Empty() {
			ev.Meta = nil
		}
	}
	if err := ev.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid event", err)
	}
	return nil
}

func newEventUpdateCommand(opts *EventOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <event-id>",
		Short: "Change an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateEvent(opts, args[0], cmd)
		},
	}
	addEventFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.Title, "title", "", "new title")
	return cmd
}

func updateEvent(opts *EventOptions, id string, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	ev, err := loadEvent(ctx, st, id)
	if err != nil {
		return err
	}
	if err := opts.apply(cmd, &ev); err != nil {
		return err
	}
	if err := st.SaveEvent(ctx, ev); err != nil {
		return WrapExitError(ExitCommandError, "failed to save event", err)
	}

	published, err := broadcast(ctx, opts.RootOptions, st, []string{ev.CalendarID}, func(ctx context.Context, e *engine.Engine) bool {
		return e.UpdateEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	return printEvent(cmd, opts, "Updated", ev, published)
}

func newEventDeleteCommand(opts *EventOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <event-id>",
		Short: "Delete an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deleteEvent(opts, args[0], cmd)
		},
	}
}

func deleteEvent(opts *EventOptions, id string, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	ev, err := loadEvent(ctx, st, id)
	if err != nil {
		return err
	}
	if err := st.DeleteEvent(ctx, id); err != nil {
		return WrapExitError(ExitCommandError, "failed to delete event", err)
	}

	published, err := broadcast(ctx, opts.RootOptions, st, []string{ev.CalendarID}, func(ctx context.Context, e *engine.Engine) bool {
		return e.DeleteEvent(ctx, ev.CalendarID, ev.ID)
	})
	if err != nil {
		return err
	}
	return printEvent(cmd, opts, "Deleted", ev, published)
}

func newEventMoveCommand(opts *EventOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "move <event-id> <calendar-id>",
		Short: "Move an event to another calendar",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return moveEvent(opts, args[0], args[1], cmd)
		},
	}
}

func moveEvent(opts *EventOptions, id, to string, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	ev, err := loadEvent(ctx, st, id)
	if err != nil {
		return err
	}
	if _, err := loadCalendar(ctx, st, to); err != nil {
		return err
	}
	from := ev.CalendarID
	if from == to {
		return NewExitError(ExitCommandError, fmt.Sprintf("event %s is already in %s", id, to))
	}
	ev.CalendarID = to
	if err := st.SaveEvent(ctx, ev); err != nil {
		return WrapExitError(ExitCommandError, "failed to save event", err)
	}

	published, err := broadcast(ctx, opts.RootOptions, st, []string{from, to}, func(ctx context.Context, e *engine.Engine) bool {
		return e.MoveEvent(ctx, ev, from)
	})
	if err != nil {
		return err
	}
	return printEvent(cmd, opts, "Moved", ev, published)
}

func newEventListCommand(opts *EventOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listEvents(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Calendar, "calendar", "", "only list events of this calendar")
	return cmd
}

func listEvents(opts *EventOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	var events []calendar.Event
	if opts.Calendar != "" {
		events, err = st.EventsByCalendar(ctx, opts.Calendar)
	} else {
		events, err = st.LoadEvents(ctx)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load events", err)
	}

	return newFormatter(cmd, opts.RootOptions).Result(events, func(w io.Writer) {
		if len(events) == 0 {
			fmt.Fprintln(w, "No events.")
			return
		}
		for _, ev := range events {
			fmt.Fprintln(w, formatEvent(ev))
		}
	})
}

// broadcast runs publish against an engine with channels open for every
// shared calendar among calendarIDs. When none is shared no engine is
// started and broadcast reports false.
func broadcast(ctx context.Context, opts *RootOptions, st *store.Store, calendarIDs []string, publish func(context.Context, *engine.Engine) bool) (bool, error) {
	shared := false
	for _, id := range calendarIDs {
		cal, err := st.GetCalendar(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, WrapExitError(ExitCommandError, "failed to load calendar", err)
		}
		shared = shared || cal.Shared
	}
	if !shared {
		return false, nil
	}

	s, err := startSession(ctx, opts, st, false)
	if err != nil {
		return false, err
	}
	defer s.close()

	if err := s.openShared(ctx, calendarIDs...); err != nil {
		return false, err
	}
	ok := publish(ctx, s.engine)
	if ok {
		s.settle(ctx)
	}
	return ok, nil
}

func loadEvent(ctx context.Context, st *store.Store, id string) (calendar.Event, error) {
	ev, err := st.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return calendar.Event{}, NewExitError(ExitFailure, fmt.Sprintf("event %s not found", id)).WithCode(ErrCodeNotFound)
	}
	if err != nil {
		return calendar.Event{}, WrapExitError(ExitCommandError, "failed to load event", err)
	}
	return ev, nil
}

func printEvent(cmd *cobra.Command, opts *EventOptions, verb string, ev calendar.Event, published bool) error {
	return newFormatter(cmd, opts.RootOptions).Result(eventResult{Event: ev, Published: published}, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s\n", verb, formatEvent(ev))
		if published {
			fmt.Fprintln(w, "Broadcast to peers.")
		}
	})
}

// formatEvent renders one event on a line:
// "2025-03-03 09:00-09:15  Standup  (id, calendar)".
func formatEvent(ev calendar.Event) string {
	var b strings.Builder
	b.WriteString(ev.Date.Format(calendar.DayLayout))
	switch {
	case ev.AllDay:
		b.WriteString(" all-day    ")
	case ev.StartTime != "":
		end := ev.EndTime
		if end == "" {
			end = "     "
		}
		fmt.Fprintf(&b, " %s-%s", ev.StartTime, end)
	default:
		b.WriteString("            ")
	}
	fmt.Fprintf(&b, "  %s  (%s, %s)", ev.Title, ev.ID, ev.CalendarID)
	return b.String()
}
