package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sanjanb/lifelab/internal/connectivity"
	"github.com/sanjanb/lifelab/internal/dashboard"
	"github.com/sanjanb/lifelab/internal/logging"
	"github.com/sanjanb/lifelab/internal/remote"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "advanced",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Follows the session file for sign-in and sign-out
  2. Probes the remote store for connectivity
  3. Drains the offline queue in order whenever online and signed in
  4. Picks up writes queued by other lifelab commands every queue.poll_interval
  5. Serves the sync indicator on ws://<host>:<port>/ws

Use a process manager to run it in the background.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var probe *connectivity.Probe
		a, err := openApp(ctx, func(r *remote.TursoStore, logs *logging.Output) connectivity.Source {
			probe = connectivity.NewProbe(r, &connectivity.ProbeConfig{
				Interval: cfg.Connectivity.ProbeInterval,
				Timeout:  cfg.Connectivity.ProbeTimeout,
				Logger:   logs.Logger("[connectivity] "),
			})
			return probe
		}, false)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireSync(); err != nil {
			return err
		}

		logger := a.logger("[daemon] ")
		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return a.gate.Run(ctx, a.provider, cfg.Auth.ReadyTimeout)
		})
		g.Go(func() error {
			return ignoreCanceled(probe.Run(ctx))
		})

		a.queue.Start(ctx)
		g.Go(func() error {
			return ignoreCanceled(a.queue.Watch(ctx, cfg.Queue.PollInterval))
		})

		if !noDashboard {
			server := dashboard.NewServer(&dashboard.Config{
				Host:   cfg.Dashboard.Host,
				Port:   port,
				Logger: a.logger("[dashboard] "),
			})
			handler := dashboard.NewHandler(server, a.queue, a.gate, a.manager.Migration(), a.logger("[dashboard] "))
			handler.Attach()
			defer handler.Detach()

			g.Go(func() error {
				return server.Run(ctx)
			})
			g.Go(func() error {
				return ignoreCanceled(handler.WatchMigration(ctx, cfg.Dashboard.PollInterval))
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Sync indicator: ws://%s:%d/ws\n", cfg.Dashboard.Host, port)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s Sync daemon running\n", renderAccent("●"))
		fmt.Fprintf(cmd.OutOrStdout(), "   Local store: %s\n", cfg.Local.Path)
		fmt.Fprintf(cmd.OutOrStdout(), "   Remote: %s\n", cfg.Remote.URL)
		fmt.Fprintf(cmd.OutOrStdout(), "   Session: %s\n", cfg.Auth.SessionFile)
		fmt.Fprintf(cmd.OutOrStdout(), "\nPress Ctrl+C to stop\n\n")

		logger.Printf("Daemon started")
		err = g.Wait()
		logger.Printf("Daemon stopping")
		if err != nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		return nil
	},
}

// ignoreCanceled treats a loop ending because the daemon is shutting down
// as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 0, "Dashboard port (default: dashboard.port)")
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not serve the sync indicator")

	rootCmd.AddCommand(daemonCmd)
}
