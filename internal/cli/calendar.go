package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/meshcal/internal/calendar"
	"github.com/roach88/meshcal/internal/sharelink"
	"github.com/roach88/meshcal/internal/store"
	"github.com/roach88/meshcal/internal/transport"
)

// CalendarOptions holds flags for the calendar subcommands.
type CalendarOptions struct {
	*RootOptions
	Description string
	Color       string
	Private     bool
	Share       bool
	FullSync    bool
	ID          string
}

// calendarView is the JSON shape of a calendar. The share key is never
// printed outside a share link.
type calendarView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	Private     bool   `json:"private"`
	Shared      bool   `json:"shared"`
	Events      int    `json:"events"`
	Link        string `json:"link,omitempty"`
}

// NewCalendarCommand creates the calendar command group.
func NewCalendarCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Create, list, share and join calendars",
	}
	cmd.AddCommand(newCalendarCreateCommand(&CalendarOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newCalendarListCommand(&CalendarOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newCalendarShareCommand(&CalendarOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newCalendarJoinCommand(&CalendarOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newCalendarUnshareCommand(&CalendarOptions{RootOptions: rootOpts}))
	return cmd
}

func newCalendarCreateCommand(opts *CalendarOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a local calendar",
		Long: `Create a local calendar.

Private calendars get a random channel key; everything published for them
is encrypted with it and only holders of the share link can read along.

Example:
  meshcal calendar create "Team" --description "Team events" --share
  meshcal calendar create "Family" --private`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return createCalendar(opts, args[0], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Description, "description", "", "calendar description")
	cmd.Flags().StringVar(&opts.Color, "color", "", "display color")
	cmd.Flags().BoolVar(&opts.Private, "private", false, "encrypt channel traffic with a random key")
	cmd.Flags().BoolVar(&opts.Share, "share", false, "share the calendar right away")
	cmd.Flags().StringVar(&opts.ID, "id", "", "calendar id (default: generated UUIDv7)")
	return cmd
}

func createCalendar(opts *CalendarOptions, name string, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	if strings.TrimSpace(name) == "" {
		return NewExitError(ExitCommandError, "calendar name is required")
	}

	id := opts.ID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return WrapExitError(ExitFailure, "failed to generate calendar id", err)
		}
		id = u.String()
	}

	cal := calendar.Calendar{
		ID:          id,
		Name:        name,
		Description: opts.Description,
		Color:       opts.Color,
		Private:     opts.Private,
		CreatedAt:   opts.now(),
	}
	if opts.Private {
		key, err := sharelink.NewKey()
		if err != nil {
			return WrapExitError(ExitFailure, "failed to generate share key", err)
		}
		cal.ShareKey = key
	}

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetCalendar(ctx, id); err == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("calendar %s already exists", id))
	}
	if err := st.SaveCalendar(ctx, cal); err != nil {
		return WrapExitError(ExitCommandError, "failed to save calendar", err)
	}

	view := viewOf(cal, 0, "")
	if opts.Share {
		if _, err := shareCalendar(ctx, opts.RootOptions, st, &cal, false); err != nil {
			return err
		}
		view.Shared = true
		if view.Link, err = linkFor(opts.RootOptions, cal); err != nil {
			return err
		}
	}

	return newFormatter(cmd, opts.RootOptions).Result(view, func(w io.Writer) {
		fmt.Fprintf(w, "Created calendar %s (%s)\n", cal.Name, cal.ID)
		if view.Link != "" {
			fmt.Fprintf(w, "Share link: %s\n", view.Link)
		}
	})
}

func newCalendarListCommand(opts *CalendarOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local calendars",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCalendars(opts, cmd)
		},
	}
}

func listCalendars(opts *CalendarOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	cals, err := st.LoadCalendars(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load calendars", err)
	}
	views := make([]calendarView, 0, len(cals))
	for _, cal := range cals {
		events, err := st.EventsByCalendar(ctx, cal.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load events", err)
		}
		views = append(views, viewOf(cal, len(events), ""))
	}

	return newFormatter(cmd, opts.RootOptions).Result(views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, "No calendars.")
			return
		}
		for _, v := range views {
			fmt.Fprintf(w, "%s  %-20s  %3d event(s)%s\n", v.ID, v.Name, v.Events, flags(v))
		}
	})
}

func flags(v calendarView) string {
	var parts []string
	if v.Shared {
		parts = append(parts, "shared")
	}
	if v.Private {
		parts = append(parts, "private")
	}
	if len(parts) == 0 {
		return ""
	}
	return "  [" + strings.Join(parts, ", ") + "]"
}

func newCalendarShareCommand(opts *CalendarOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <calendar-id>",
		Short: "Share a calendar and broadcast its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shareCommand(opts, args[0], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.FullSync, "full", false, "send every event even when an incremental sync is possible")
	return cmd
}

func shareCommand(opts *CalendarOptions, id string, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	cal, err := loadCalendar(ctx, st, id)
	if err != nil {
		return err
	}
	newFormatter(cmd, opts.RootOptions).VerboseLog("Sharing %s (full sync: %t)", cal.ID, opts.FullSync)
	n, err := shareCalendar(ctx, opts.RootOptions, st, &cal, opts.FullSync)
	if err != nil {
		return err
	}
	link, err := linkFor(opts.RootOptions, cal)
	if err != nil {
		return err
	}

	view := viewOf(cal, n, link)
	return newFormatter(cmd, opts.RootOptions).Result(view, func(w io.Writer) {
		fmt.Fprintf(w, "Shared %s (%s), %d event(s)\n", cal.Name, cal.ID, n)
		fmt.Fprintf(w, "Share link: %s\n", link)
	})
}

// shareCalendar marks cal shared, opens its channel and broadcasts it.
// Returns the number of local events.
func shareCalendar(ctx context.Context, opts *RootOptions, st *store.Store, cal *calendar.Calendar, full bool) (int, error) {
	if !cal.Shared {
		cal.Shared = true
		if err := st.SaveCalendar(ctx, *cal); err != nil {
			return 0, WrapExitError(ExitCommandError, "failed to save calendar", err)
		}
	}
	events, err := st.EventsByCalendar(ctx, cal.ID)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to load events", err)
	}

	s, err := startSession(ctx, opts, st, false)
	if err != nil {
		return 0, err
	}
	defer s.close()

	ok, err := s.share(ctx, *cal, full)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, WrapExitError(ExitFailure, "failed to broadcast calendar", s.firstError()).WithCode(ErrCodeNetwork)
	}
	s.settle(ctx)
	return len(events), nil
}

func newCalendarJoinCommand(opts *CalendarOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "join <share-link>",
		Short: "Join a calendar someone shared with you",
		Long: `Join a calendar from its share link.

The calendar is added to the local database and marked shared. Events the
topic's peers (or the relay's history) deliver while the command waits are
stored locally; run 'meshcal run' to keep receiving updates.

Example:
  meshcal calendar join 'meshcal://join?calendar=...&name=Team'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("wait") {
				wait = opts.cfg.Sync.UnshareGrace
			}
			return joinCalendar(opts, args[0], wait, cmd)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to collect history after joining (default: sync.unshare_grace)")
	return cmd
}

func joinCalendar(opts *CalendarOptions, raw string, wait time.Duration, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	link, err := sharelink.Parse(raw)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid share link", err)
	}

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	cal, err := st.GetCalendar(ctx, link.CalendarID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cal = calendar.Calendar{ID: link.CalendarID, Name: link.Name, Joined: true, CreatedAt: opts.now()}
	case err != nil:
		return WrapExitError(ExitCommandError, "failed to load calendar", err)
	}
	cal.Private = link.Private()
	cal.ShareKey = link.Key
	cal.Shared = true
	if err := st.SaveCalendar(ctx, cal); err != nil {
		return WrapExitError(ExitCommandError, "failed to save calendar", err)
	}

	s, err := startSession(ctx, opts.RootOptions, st, true)
	if err != nil {
		return err
	}
	if _, err := s.engine.Join(ctx, raw); err != nil {
		s.close()
		return WrapExitError(ExitFailure, "failed to join", err).WithCode(ErrCodeNetwork)
	}
	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	err = s.engine.WaitChannel(waitCtx, cal.ID)
	cancel()
	if err != nil {
		s.close()
		return WrapExitError(ExitFailure, "calendar did not come online", err).WithCode(ErrCodeNetwork)
	}

	newFormatter(cmd, opts.RootOptions).VerboseLog("Joined topic of %s, collecting history for %s", cal.ID, wait)
	_ = transport.Sleep(ctx, wait)
	if err := s.close(); err != nil {
		opts.logger.Warn("stop engine", "error", err)
	}

	events, err := st.EventsByCalendar(ctx, cal.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load events", err)
	}
	if stored, err := st.GetCalendar(ctx, cal.ID); err == nil {
		cal = stored
	}
	view := viewOf(cal, len(events), "")
	return newFormatter(cmd, opts.RootOptions).Result(view, func(w io.Writer) {
		fmt.Fprintf(w, "Joined %s (%s), %d event(s)\n", cal.Name, cal.ID, len(events))
	})
}

func newCalendarUnshareCommand(opts *CalendarOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unshare <calendar-id>",
		Short: "Stop sharing a calendar, or leave one you joined",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return unshareCalendar(opts, args[0], cmd)
		},
	}
}

func unshareCalendar(opts *CalendarOptions, id string, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	cal, err := loadCalendar(ctx, st, id)
	if err != nil {
		return err
	}
	if !cal.Shared {
		return NewExitError(ExitFailure, fmt.Sprintf("calendar %s is not shared", id))
	}

	// A joined calendar belongs to someone else: leave it quietly.
	if !cal.Joined {
		if err := withdrawCalendar(ctx, opts, st, cal); err != nil {
			return err
		}
	}

	cal.Shared = false
	if err := st.SaveCalendar(ctx, cal); err != nil {
		return WrapExitError(ExitCommandError, "failed to save calendar", err)
	}
	return newFormatter(cmd, opts.RootOptions).Result(viewOf(cal, 0, ""), func(w io.Writer) {
		if cal.Joined {
			fmt.Fprintf(w, "Left %s (%s)\n", cal.Name, cal.ID)
			return
		}
		fmt.Fprintf(w, "Stopped sharing %s (%s)\n", cal.Name, cal.ID)
	})
}

// withdrawCalendar tells cal's peers that its owner stopped sharing it.
func withdrawCalendar(ctx context.Context, opts *CalendarOptions, st *store.Store, cal calendar.Calendar) error {
	s, err := startSession(ctx, opts.RootOptions, st, false)
	if err != nil {
		return err
	}
	if err := s.open(ctx, cal); err != nil {
		s.close()
		return err
	}
	s.engine.StopSharing(ctx, cal.ID, cal.Name)
	if err := s.close(); err != nil {
		opts.logger.Warn("stop engine", "error", err)
	}
	return nil
}

// loadCalendar returns calendar id or an ExitError naming it.
func loadCalendar(ctx context.Context, st *store.Store, id string) (calendar.Calendar, error) {
	cal, err := st.GetCalendar(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return calendar.Calendar{}, NewExitError(ExitFailure, fmt.Sprintf("calendar %s not found", id)).WithCode(ErrCodeNotFound)
	}
	if err != nil {
		return calendar.Calendar{}, WrapExitError(ExitCommandError, "failed to load calendar", err)
	}
	return cal, nil
}

func linkFor(opts *RootOptions, cal calendar.Calendar) (string, error) {
	link, err := sharelink.Build(opts.cfg.ShareBaseURL, cal.ID, cal.Name, cal.ShareKey)
	if err != nil {
		return "", WrapExitError(ExitFailure, "failed to build share link", err)
	}
	return link, nil
}

func viewOf(cal calendar.Calendar, events int, link string) calendarView {
	return calendarView{
		ID:          cal.ID,
		Name:        cal.Name,
		Description: cal.Description,
		Color:       cal.Color,
		Private:     cal.Private,
		Shared:      cal.Shared,
		Events:      events,
		Link:        link,
	}
}
