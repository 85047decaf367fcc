package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/roach88/meshcal/internal/calendar"
	"github.com/roach88/meshcal/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	FullSync bool

	// started, if set, is called once every shared calendar is online.
	started func(s *session)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep shared calendars in sync until interrupted",
		Long: `Start the sync daemon.

Every calendar marked shared in the local database is joined and its events
are broadcast (incrementally when a watermark exists). Changes from peers are
written to the database as they arrive. A periodic incremental resync runs on
the configured cron schedule.

Example:
  meshcal run
  meshcal run --db /tmp/meshcal.db --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.FullSync, "full", false, "send every event on startup instead of an incremental sync")

	return cmd
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	slog.SetDefault(opts.logger)

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, err := startSession(ctx, opts.RootOptions, st, true)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.close(); closeErr != nil {
			slog.Error("error stopping engine", "error", closeErr)
		}
	}()

	cals, err := st.LoadCalendars(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load calendars", err)
	}
	shared := 0
	for _, cal := range cals {
		if !cal.Shared {
			continue
		}
		if _, err := s.share(ctx, cal, opts.FullSync); err != nil {
			return err
		}
		shared++
	}
	slog.Info("daemon started", "calendars", len(cals), "shared", shared, "status", s.engine.Status())

	sched, err := opts.cfg.Schedule()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid resync schedule", err)
	}
	if sched != nil {
		c := cron.New()
		c.Schedule(sched, cron.FuncJob(func() {
			n := s.engine.ResyncAll(ctx, resyncLookup(ctx, st))
			slog.Debug("periodic resync", "calendars", n)
		}))
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Syncing %d shared calendar(s). Press Ctrl-C to stop.\n", shared)
	if opts.started != nil {
		opts.started(s)
	}

	<-ctx.Done()
	applied, failed := s.applier.Stats()
	slog.Info("daemon stopping", "applied", applied, "failed", failed, "status", s.engine.Status())
	return nil
}

// resyncLookup returns the ResyncAll callback backed by st. Calendars that
// were unshared locally are skipped.
func resyncLookup(ctx context.Context, st *store.Store) func(string) (calendar.Calendar, []calendar.Event, bool) {
	return func(id string) (calendar.Calendar, []calendar.Event, bool) {
		cal, err := st.GetCalendar(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("resync: load calendar", "calendar", id, "error", err)
			}
			return calendar.Calendar{}, nil, false
		}
		if !cal.Shared {
			return calendar.Calendar{}, nil, false
		}
		events, err := st.EventsByCalendar(ctx, id)
		if err != nil {
			slog.Warn("resync: load events", "calendar", id, "error", err)
			return calendar.Calendar{}, nil, false
		}
		return cal, events, true
	}
}
