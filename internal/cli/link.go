package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewLinkCommand creates the link command.
func NewLinkCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "link <calendar-id>",
		Short: "Print a calendar's share link",
		Long: `Print the share link of a calendar.

For private calendars the link contains the channel key: anyone holding it
can read and write the calendar.`,
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
			link, err := linkFor(rootOpts, cal)
			if err != nil {
				return err
			}
			data := map[string]string{"calendar": cal.ID, "name": cal.Name, "link": link}
			return newFormatter(cmd, rootOpts).Result(data, func(w io.Writer) {
				fmt.Fprintln(w, link)
			})
		},
	}
}
