package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/meshcal/internal/transport/wsrelay"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Listen string

	// ready, if set, receives the bound address once the relay is serving.
	ready func(addr string)
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a websocket relay hub",
		Long: `Run the websocket relay that meshcal peers publish through.

The relay keeps a bounded history per topic and replays it to new
subscribers, so a peer joining a calendar receives recent traffic even when
the sharer is offline.

Example:
  meshcal relay --listen 0.0.0.0:7420`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from config)")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	slog.SetDefault(opts.logger)
	cfg := opts.cfg

	addr := opts.Listen
	if addr == "" {
		addr = cfg.Transport.Listen
	}

	hub := wsrelay.NewHub(wsrelay.HubConfig{
		PublishRate:  cfg.Transport.PublishRate,
		PublishBurst: cfg.Transport.PublishBurst,
		History:      cfg.Transport.History,
		Logger:       opts.logger,
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	bound := ln.Addr().String()
	opts.logger.Info("relay listening", "addr", bound, "path", wsrelay.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on ws://%s%s\n", bound, wsrelay.Path)
	if opts.ready != nil {
		opts.ready(bound)
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "relay error", err)
		}
		return nil
	case <-ctx.Done():
	}

	opts.logger.Info("relay stopping", "connections", hub.Connections())
	hub.CloseConnections()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "relay shutdown", err)
	}
	opts.logger.Info("relay stopped gracefully")
	return nil
}
