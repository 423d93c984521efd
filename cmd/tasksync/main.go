// Package main is the tasksync command-line client. Every command works
// against the local store; sync commands talk to the remote store when it
// is reachable.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/app"
	"github.com/kimhsiao/tasksync/internal/config"
	apperrors "github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

var (
	configFile string
	logCloser  io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Offline-first task list with background sync",
	Long: `tasksync keeps your task list on this device and replays every change
to the remote task service when it is reachable.

Changes made offline are queued and delivered in order once the
connection returns.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	f.String("data-dir", "", "directory holding tasksync.db")
	f.String("remote-url", "", "remote task API base URL, e.g. http://localhost:3000/api")
	f.Duration("remote-timeout", 0, "per-request timeout for the remote API")
	f.String("queue-policy", "", "acknowledged or clear_all")
	f.String("machine-id", "", "identifier the stored token is sealed under")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-file", "", "write logs to this file instead of stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "account", Title: "Account Commands:"},
	)
}

// loadConfig resolves settings and sets up logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	level, _ := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		w := logging.NewRotatingWriter(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays)
		logCloser = w
		logging.Init(w, level)
	} else {
		logging.Init(os.Stderr, level)
	}
	return cfg, nil
}

// openApp builds the client for a one-shot command and probes the remote
// store once.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	a.CheckOnline(cmd.Context())
	return a, nil
}

// withApp runs fn against an opened client and closes it afterwards, which
// waits for drains started by writes.
func withApp(fn func(ctx context.Context, a *app.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, args)
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if apperrors.Is(err, apperrors.ErrCredentialMissing) {
			fmt.Fprintln(os.Stderr, "Run 'tasksync login' first.")
		}
		os.Exit(1)
	}
}
