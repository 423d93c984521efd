package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/tasksync/internal/app"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/remote/remotetest"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync daemon and the local HTTP/WebSocket bridge",
	Long: `Run in the foreground: probe connectivity, drain the queue whenever the
remote store comes back and on every sync interval, and serve the local
task API and event stream on --listen.

Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		online := a.Start(ctx)
		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		logging.Info("tasksync bridge listening", map[string]interface{}{"addr": cfg.ListenAddr, "online": online})
		fmt.Printf("Listening on http://%s (remote %s)\nPress Ctrl+C to stop\n", cfg.ListenAddr, cfg.RemoteURL)

		return runServer(ctx, srv)
	},
}

var fakeRemoteListen string

var fakeRemoteCmd = &cobra.Command{
	Use:    "fake-remote",
	Short:  "Serve an in-memory remote task API for local development",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fake := remotetest.New()
		srv := &http.Server{
			Addr:              fakeRemoteListen,
			Handler:           fake.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		fmt.Printf("Fake remote API on http://%s/api\n", fakeRemoteListen)
		return runServer(ctx, srv)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "address of the local bridge (default 127.0.0.1:8090)")
	serveCmd.Flags().Duration("probe-interval", 0, "connectivity probe interval")
	serveCmd.Flags().Duration("sync-interval", 0, "periodic drain interval")
	fakeRemoteCmd.Flags().StringVar(&fakeRemoteListen, "listen", "127.0.0.1:3000", "listen address")
	rootCmd.AddCommand(serveCmd, fakeRemoteCmd)
}

// runServer serves until ctx is done, then shuts down gracefully.
func runServer(ctx context.Context, srv *http.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	logging.Info("Server stopped")
	return err
}
