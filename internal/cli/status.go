package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/meshcal/internal/engine"
	"github.com/roach88/meshcal/internal/status"
)

// statusReport is the JSON shape of the status command.
type statusReport struct {
	Status   string          `json:"status"`
	Channels []channelReport `json:"channels"`
}

type channelReport struct {
	Calendar string `json:"calendar"`
	Name     string `json:"name"`
	Topic    string `json:"topic"`
	State    string `json:"state"`
	Private  bool   `json:"private"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection status of shared calendars",
		Long: `Join every shared calendar and report how well connected it is.

  disconnected  no peers reachable
  minimal       reachable, but only this device is on the topic
  connected     at least one other peer is on the topic`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(rootOpts, cmd)
		},
	}
}

func showStatus(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	cals, err := st.LoadCalendars(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load calendars", err)
	}
	names := make(map[string]string)
	var ids []string
	for _, cal := range cals {
		if cal.Shared {
			ids = append(ids, cal.ID)
			names[cal.ID] = cal.Name
		}
	}

	report := statusReport{Status: status.Disconnected.String(), Channels: []channelReport{}}
	if len(ids) > 0 {
		s, err := startSession(ctx, opts, st, false)
		if err != nil {
			return err
		}
		if err := s.openShared(ctx, ids...); err != nil {
			s.close()
			return err
		}
		settleStates(ctx, s.engine, opts.Timeout)

		var states []status.State
		for _, ch := range s.engine.Channels() {
			states = append(states, ch.State)
			report.Channels = append(report.Channels, channelReport{
				Calendar: ch.CalendarID,
				Name:     names[ch.CalendarID],
				Topic:    ch.Topic,
				State:    ch.State.String(),
				Private:  ch.Private,
			})
		}
		report.Status = status.Aggregate(states).String()
		s.close()
	}

	return newFormatter(cmd, opts).Result(report, func(w io.Writer) {
		fmt.Fprintf(w, "Status: %s\n", report.Status)
		if len(report.Channels) == 0 {
			fmt.Fprintln(w, "No shared calendars.")
			return
		}
		for _, ch := range report.Channels {
			private := ""
			if ch.Private {
				private = "  [private]"
			}
			fmt.Fprintf(w, "  %-12s  %-20s  %s%s\n", ch.State, ch.Name, ch.Calendar, private)
		}
	})
}

// settleStates waits until no channel is disconnected or timeout passes.
// Channels start disconnected until their first health report.
func settleStates(ctx context.Context, e *engine.Engine, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		settled := true
		for _, ch := range e.Channels() {
			if ch.State == status.Disconnected {
				settled = false
				break
			}
		}
		if settled {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
