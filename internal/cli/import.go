package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/meshcal/internal/engine"
	"github.com/roach88/meshcal/internal/ics"
)

// importResult is the JSON shape of the import command.
type importResult struct {
	Calendar  string `json:"calendar"`
	Imported  int    `json:"imported"`
	Published bool   `json:"published"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <calendar-id> <file.ics>",
		Short: "Import events from an iCalendar file",
		Long: `Import the VEVENTs of an iCalendar file into a calendar.

Events keep their UID as id, so importing the same file twice updates rather
than duplicates. When the calendar is shared the imported events are
broadcast as one bulk sync.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return importFile(rootOpts, args[0], args[1], cmd)
		},
	}
}

func importFile(opts *RootOptions, calendarID, path string, cmd *cobra.Command) error {
	ctx := commandContext(cmd.Context())
	f, err := os.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open file", err)
	}
	defer f.Close()

	st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	cal, err := loadCalendar(ctx, st, calendarID)
	if err != nil {
		return err
	}
	events, err := ics.Import(f, cal.ID, opts.logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to parse file", err)
	}
	for _, ev := range events {
		if err := st.SaveEvent(ctx, ev); err != nil {
			return WrapExitError(ExitCommandError, "failed to save event", err)
		}
	}

	published := false
	if len(events) > 0 {
		published, err = broadcast(ctx, opts, st, []string{cal.ID}, func(ctx context.Context, e *engine.Engine) bool {
			return e.InitializeSharing(ctx, cal, events, true)
		})
		if err != nil {
			return err
		}
	}

	res := importResult{Calendar: cal.ID, Imported: len(events), Published: published}
	return newFormatter(cmd, opts).Result(res, func(w io.Writer) {
		fmt.Fprintf(w, "Imported %d event(s) into %s\n", res.Imported, cal.Name)
		if published {
			fmt.Fprintln(w, "Broadcast to peers.")
		}
	})
}
