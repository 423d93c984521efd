// Integration tests for offline functionality.
// Every task operation must work without a reachable remote store; queued
// changes reach it once connectivity returns.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/kimhsiao/tasksync/internal/app"
	"github.com/kimhsiao/tasksync/internal/config"
	apperrors "github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/remote/remotetest"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
)

// openApp builds a client against remoteURL with the probe loop effectively
// disabled.
func openApp(t *testing.T, dataDir, remoteURL string) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.RemoteURL = remoteURL
	cfg.RemoteTimeout = time.Second
	cfg.ProbeInterval = time.Hour
	cfg.SyncInterval = time.Hour
	cfg.MachineID = "integration"

	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("app.New() failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// signedInOffline returns a client whose user signed in while the remote
// store was up, after the remote store went away.
func signedInOffline(t *testing.T, dataDir string) (*app.App, *remotetest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := remotetest.Start()

	a := openApp(t, dataDir, srv.APIURL())
	if !a.CheckOnline(ctx) {
		t.Fatal("remote store should be reachable")
	}
	if _, err := a.Service.Register(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if _, err := a.Service.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	a.Service.Wait()

	srv.Close()
	if a.CheckOnline(ctx) {
		t.Fatal("remote store should be unreachable after Close")
	}
	return a, srv
}

// TestOfflineTaskCRUD tests task operations work completely offline
func TestOfflineTaskCRUD(t *testing.T) {
	a, _ := signedInOffline(t, t.TempDir())
	ctx := context.Background()

	var id int64

	t.Run("Create", func(t *testing.T) {
		task, err := a.Service.Add(ctx, "Buy milk", "2 liters")
		if err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
		if task.ID <= 0 || task.Synced {
			t.Errorf("task = %+v, want placeholder id and unsynced", task)
		}
		id = task.ID
	})

	t.Run("Update", func(t *testing.T) {
		if _, err := a.Service.Toggle(ctx, id); err != nil {
			t.Fatalf("Toggle() failed: %v", err)
		}
		task, err := a.Service.Edit(ctx, id, "Buy oat milk", "")
		if err != nil {
			t.Fatalf("Edit() failed: %v", err)
		}
		if !task.Completed || task.Title != "Buy oat milk" {
			t.Errorf("task = %+v", task)
		}
	})

	t.Run("List", func(t *testing.T) {
		if _, err := a.Service.Add(ctx, "Walk dog", ""); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
		pending, err := a.Service.List(ctx, models.FilterPending)
		if err != nil {
			t.Fatalf("List() failed: %v", err)
		}
		if len(pending) != 1 || pending[0].Title != "Walk dog" {
			t.Errorf("pending = %v", pending)
		}
		all, _ := a.Service.List(ctx, models.FilterAll)
		if len(all) != 2 {
			t.Errorf("all = %d tasks, want 2", len(all))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := a.Service.Delete(ctx, id); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		err := a.Service.Delete(ctx, id)
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("second Delete() error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("Queue", func(t *testing.T) {
		queued, err := a.Service.PendingMutations(ctx)
		if err != nil {
			t.Fatalf("PendingMutations() failed: %v", err)
		}
		// add, toggle, edit, add, delete
		if len(queued) != 5 {
			t.Errorf("queued = %d, want 5", len(queued))
		}
	})
}

// TestOfflineSyncIsSkipped tests drains and reloads do not touch the network
func TestOfflineSyncIsSkipped(t *testing.T) {
	a, _ := signedInOffline(t, t.TempDir())
	ctx := context.Background()

	if _, err := a.Service.Add(ctx, "Buy milk", ""); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	result, err := a.Service.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if result.Skipped != syncpkg.SkipOffline {
		t.Errorf("Skipped = %q, want offline", result.Skipped)
	}

	if _, err := a.Service.Refresh(ctx); !apperrors.Is(err, apperrors.ErrConnectivity) {
		t.Errorf("Refresh() error = %v, want CONNECTIVITY_ERROR", err)
	}

	state, err := a.Service.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if state.Online || state.Queue.Pending != 1 {
		t.Errorf("state = %+v", state)
	}
}

// TestOfflinePersistence tests tasks and queued changes survive a restart
// and are delivered once the remote store is back
func TestOfflinePersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Phase 1: write offline
	a, _ := signedInOffline(t, dir)
	task, err := a.Service.Add(ctx, "Buy milk", "")
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Phase 2: restart against a fresh remote store with the same account
	srv := remotetest.Start()
	defer srv.Close()
	userID, _ := srv.CreateUser("alice", "secret")

	b := openApp(t, dir, srv.APIURL())
	local, err := b.Service.List(ctx, models.FilterAll)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(local) != 1 || local[0].ID != task.ID || local[0].Synced {
		t.Fatalf("local = %v, want the unsynced task", local)
	}

	// The token from phase 1 was signed by another server; sign in again.
	b.CheckOnline(ctx)
	if _, err := b.Service.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	b.Service.Wait()

	result, err := b.Service.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	stats, _ := b.Engine.PendingSync(ctx)
	if stats.Total != 0 {
		t.Errorf("queue = %+v after %+v, want empty", stats, result)
	}
	remoteTasks := srv.Tasks(userID)
	if len(remoteTasks) != 1 || remoteTasks[0].Title != "Buy milk" {
		t.Errorf("remote tasks = %v", remoteTasks)
	}
}
