package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/meshcal/internal/config"
	"github.com/roach88/meshcal/internal/transport"
)

// NodeFactory builds the transport node for a command.
type NodeFactory func(cfg *config.Config, logger *slog.Logger) (transport.Node, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string
	Timeout    time.Duration // how long one-shot commands wait for channels

	// NewNode overrides transport construction (for testing).
	// If nil, the node is built from the config's transport section.
	NewNode NodeFactory

	// Now overrides the wall clock (for testing).
	Now func() time.Time

	cfg    *config.Config
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Execute runs the CLI with the process arguments and returns the exit
// code. Failures go to stderr, or to stdout as a JSON error response under
// --format json.
func Execute() int {
	opts := &RootOptions{}
	cmd := NewRootCommandWithOptions(opts)
	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	reportError(cmd, opts, err)
	return GetExitCode(err)
}

func reportError(cmd *cobra.Command, opts *RootOptions, err error) {
	f := newFormatter(cmd, opts)
	if f.Format != "json" {
		f.Writer = cmd.ErrOrStderr()
	}
	_ = f.Error(ErrorCode(err), err.Error(), nil)
}

// NewRootCommand creates the root command for the meshcal CLI.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithOptions(&RootOptions{})
}

// NewRootCommandWithOptions creates the root command around caller-supplied
// options, so tests can inject a node factory and clock.
func NewRootCommandWithOptions(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meshcal",
		Short: "meshcal - peer-to-peer calendar sharing",
		Long: `Share calendars between devices over a pub/sub mesh.

Every shared calendar maps to one topic. Peers broadcast event changes on the
topic, de-duplicate what they receive, and keep a local SQLite replica.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config.yaml (default: user config dir)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "how long to wait for the network")

	cmd.AddCommand(NewRelayCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewCalendarCommand(opts))
	cmd.AddCommand(NewEventCommand(opts))
	cmd.AddCommand(NewLinkCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))

	return cmd
}

// load reads the config file and builds the logger.
func (o *RootOptions) load(cmd *cobra.Command) error {
	path := o.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	o.cfg = cfg

	level := cfg.LogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

// Config returns the loaded configuration. Valid after flag parsing.
func (o *RootOptions) Config() *config.Config { return o.cfg }

func (o *RootOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
