package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/meshcal/internal/ics"
)

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <calendar-id>",
		Short: "Export a calendar as iCalendar (.ics)",
		Long: `Export a calendar's events as iCalendar.

Example:
  meshcal export work > work.ics
  meshcal export work -o work.ics`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd.Context())
			st, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			cal, err := loadCalendar(ctx, st, args[0])
			if err != nil {
				return err
			}
			events, err := st.EventsByCalendar(ctx, cal.ID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load events", err)
			}

			var buf bytes.Buffer
			if err := ics.Export(&buf, cal, events, rootOpts.now()); err != nil {
				return WrapExitError(ExitFailure, "failed to export", err)
			}
			if output == "" {
				_, err := cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}
			if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
				return WrapExitError(ExitCommandError, "failed to write output", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d event(s) to %s\n", len(events), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}
