// Package app assembles the tasksync client from its configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/kimhsiao/tasksync/internal/api"
	"github.com/kimhsiao/tasksync/internal/clock"
	"github.com/kimhsiao/tasksync/internal/config"
	"github.com/kimhsiao/tasksync/internal/connectivity"
	"github.com/kimhsiao/tasksync/internal/credential"
	"github.com/kimhsiao/tasksync/internal/crypto"
	"github.com/kimhsiao/tasksync/internal/db"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/remote"
	"github.com/kimhsiao/tasksync/internal/services"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
	"github.com/kimhsiao/tasksync/internal/sync/scheduler"
	"github.com/kimhsiao/tasksync/internal/telemetry"
)

// App owns every long-lived component of the client.
type App struct {
	Config      *config.Config
	DB          *db.DB
	Clock       *clock.Monotonic
	Queue       *queue.Queue
	Store       *db.TaskStore
	Credentials *credential.Store
	Remote      *remote.Client
	Monitor     *connectivity.Monitor
	Engine      *syncpkg.Engine
	Scheduler   *scheduler.Scheduler
	Service     *services.TaskService
	Hub         *api.Hub
	Telemetry   *telemetry.Recorder

	bg        sync.WaitGroup
	listen    sync.Once
	closeOnce sync.Once
}

// New opens the local store and wires the components together. Nothing runs
// in the background until Start.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	database, err := db.OpenMigrated(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, DB: database, Clock: clock.New()}
	a.Queue = queue.New(database.DB, cfg.QueueOptions())
	a.Store = db.NewTaskStore(database, a.Queue, a.Clock)

	high, err := a.Store.HighWater(context.Background())
	if err != nil {
		database.Close()
		return nil, err
	}
	a.Clock.Observe(high)

	sealer, err := crypto.NewMachineSealer(machineID(cfg))
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("credential key: %w", err)
	}
	a.Credentials = credential.NewStore(database.DB, sealer)
	a.Remote = remote.New(cfg.RemoteURL, cfg.RemoteTimeout)
	a.Monitor = connectivity.New(a.Remote, cfg.ProbeInterval)

	a.Engine = syncpkg.NewEngine(syncpkg.Deps{
		Store:        a.Store,
		Queue:        a.Queue,
		API:          a.Remote,
		Credentials:  a.Credentials,
		Connectivity: a.Monitor,
	}, syncpkg.Config{
		RemoteTimeout:    cfg.RemoteTimeout,
		Policy:           cfg.Policy(),
		ReloadAfterDrain: cfg.ReloadAfterDrain,
	})

	a.Hub = api.NewHub()
	a.Telemetry = telemetry.NewRecorder(a.Hub)
	a.Engine.SetEventHandler(a.Telemetry)

	a.Scheduler = scheduler.NewScheduler(a.Engine, a.Monitor, &scheduler.SchedulerConfig{
		SyncInterval: cfg.SyncInterval,
	})
	a.Service = services.NewTaskService(a.Store, a.Engine, a.Scheduler, a.Credentials, a.Remote, a.Queue, a.Monitor, services.DefaultServiceConfig())

	logging.Info("tasksync initialized", map[string]interface{}{
		"data_dir":     cfg.DataDir,
		"remote_url":   cfg.RemoteURL,
		"queue_policy": string(cfg.Policy()),
	})
	return a, nil
}

// Start probes connectivity once, then starts the probe loop and the
// periodic drain. Coming back online drains the queue. It reports the initial
// connectivity state.
func (a *App) Start(ctx context.Context) bool {
	a.listen.Do(func() {
		// Listeners run on the probe loop; the drain moves off it.
		a.Monitor.OnTransition(func(ctx context.Context, online bool) {
			a.bg.Add(1)
			go func() {
				defer a.bg.Done()
				a.Engine.OnConnectivityChange(ctx, online)
			}()
		})
	})
	online := a.Monitor.Start(ctx)
	a.Scheduler.Start(ctx)
	return online
}

// CheckOnline probes the remote store once, for one-shot commands that do not
// call Start. No drain is triggered by the probe itself.
func (a *App) CheckOnline(ctx context.Context) bool {
	return a.Monitor.Check(ctx)
}

// Handler returns the local HTTP bridge.
func (a *App) Handler() http.Handler {
	h := api.NewHandler(a.Service).WithMetrics(a.Telemetry)
	return api.NewRouter(h, a.Hub, a.Config.AllowedOrigins)
}

// Close stops background work and closes the database.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Scheduler.Stop()
		a.Monitor.Stop()
		a.bg.Wait()
		a.Service.Wait()
		a.Hub.Close()
		err = a.DB.Close()
	})
	return err
}

func machineID(cfg *config.Config) string {
	if cfg.MachineID != "" {
		return cfg.MachineID
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}
