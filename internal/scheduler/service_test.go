package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tapecore/engine/internal/archiver"
	"github.com/tapecore/engine/internal/catalog"
	"github.com/tapecore/engine/internal/catalogmodel"
	"github.com/tapecore/engine/internal/database"
	"github.com/tapecore/engine/internal/logging"
	"github.com/tapecore/engine/internal/taskrunner"
)

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return catalog.New(db)
}

func TestScheduleTemplateAddAndRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	templateID, err := store.CreateTaskTemplate(ctx, &catalogmodel.Task{
		TaskType:    catalogmodel.TaskTypeFull,
		SourcePaths: []string{t.TempDir()},
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if err := store.SetSchedule(ctx, templateID, "0 0 3 * * *"); err != nil {
		t.Fatalf("set schedule: %v", err)
	}

	writer := catalog.NewWriter(store, nil, 8)
	t.Cleanup(writer.Close)
	runner := taskrunner.New(store, writer, nil, nil, nil, taskrunner.Config{Archive: archiver.Config{Method: archiver.MethodTar}})

	svc := NewService(store, runner, noopLogger(t))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	if next := svc.GetNextRun(templateID); next == nil {
		t.Errorf("expected a next run time for a scheduled template")
	}

	svc.RemoveJob(templateID)
	if next := svc.GetNextRun(templateID); next != nil {
		t.Errorf("expected no next run time after removal, got %v", next)
	}
}

func TestParseCron(t *testing.T) {
	if err := ParseCron("0 0 3 * * *"); err != nil {
		t.Errorf("expected a valid 6-field cron expression to parse, got %v", err)
	}
	if err := ParseCron("not a cron expression"); err == nil {
		t.Errorf("expected an invalid cron expression to fail to parse")
	}
}

func TestReloadJobsPicksUpNewSchedule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	templateID, err := store.CreateTaskTemplate(ctx, &catalogmodel.Task{
		TaskType:    catalogmodel.TaskTypeFull,
		SourcePaths: []string{t.TempDir()},
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	writer := catalog.NewWriter(store, nil, 8)
	t.Cleanup(writer.Close)
	runner := taskrunner.New(store, writer, nil, nil, nil, taskrunner.Config{Archive: archiver.Config{Method: archiver.MethodTar}})

	svc := NewService(store, runner, noopLogger(t))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	if next := svc.GetNextRun(templateID); next != nil {
		t.Fatalf("expected no schedule before one is set, got %v", next)
	}

	if err := store.SetSchedule(ctx, templateID, "*/5 * * * * *"); err != nil {
		t.Fatalf("set schedule: %v", err)
	}
	if err := svc.ReloadJobs(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if next := svc.GetNextRun(templateID); next == nil {
		t.Errorf("expected a next run time after reload")
	}
}

func noopLogger(t *testing.T) *logFieldLoggerStub {
	t.Helper()
	logger, err := logging.NewLogger("error", "text", "")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return logger.WithFields(nil)
}

// logFieldLoggerStub names logging.FieldLogger for noopLogger's return
// type. Service calls its logger without a nil check, so noopLogger
// returns a real logger that only emits errors.
type logFieldLoggerStub = logging.FieldLogger

var _ time.Duration
