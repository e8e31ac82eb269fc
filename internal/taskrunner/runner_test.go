package taskrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tapecore/engine/internal/archiver"
	"github.com/tapecore/engine/internal/catalog"
	"github.com/tapecore/engine/internal/catalogmodel"
	"github.com/tapecore/engine/internal/database"
	"github.com/tapecore/engine/internal/finaldir"
)

func newTestStoreAndWriter(t *testing.T) (*catalog.Store, *catalog.Writer) {
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
	store := catalog.New(db)
	writer := catalog.NewWriter(store, nil, 64)
	t.Cleanup(writer.Close)
	return store, writer
}

type fakeTapeWriter struct {
	written []string
}

func (w *fakeTapeWriter) WriteToTape(ctx context.Context, backupSetID, path string) error {
	w.written = append(w.written, path)
	return os.Remove(path)
}

func TestRunTaskEndToEnd(t *testing.T) {
	ctx := context.Background()
	store, writer := newTestStoreAndWriter(t)

	srcDir := t.TempDir()
	for i := 0; i < 5; i++ {
		name := filepath.Join(srcDir, "file"+string(rune('a'+i))+".txt")
		if err := os.WriteFile(name, []byte("some file content"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	templateID, err := store.CreateTaskTemplate(ctx, &catalogmodel.Task{
		TaskType:    catalogmodel.TaskTypeFull,
		SourcePaths: []string{srcDir},
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	exec, err := store.CloneTemplateToExecution(ctx, templateID)
	if err != nil {
		t.Fatalf("clone execution: %v", err)
	}

	stagingDir := t.TempDir()
	tw := &fakeTapeWriter{}
	monitor := finaldir.New(stagingDir, tw, nil)
	monitor.Start(ctx)
	defer monitor.Stop()

	runner := New(store, writer, monitor, nil, nil, Config{
		Archive: archiver.Config{
			Method:          archiver.MethodTar,
			ParallelBatches: 2,
			MaxUnitBytes:    1 << 30,
			StagingDir:      stagingDir,
		},
	})

	if err := runner.RunTask(ctx, exec.ID); err != nil {
		t.Fatalf("run task: %v", err)
	}

	final, err := store.GetTask(ctx, exec.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if final.Status != catalogmodel.TaskStatusCompleted {
		t.Fatalf("expected completed status, got %s (description=%q)", final.Status, final.Description)
	}
	if final.TotalFiles != 5 {
		t.Errorf("expected 5 total files, got %d", final.TotalFiles)
	}
	if final.ResultSummary == nil || final.ResultSummary.EstimatedArchiveCount == 0 {
		t.Errorf("expected a non-empty result summary, got %+v", final.ResultSummary)
	}
}

func TestDeriveStage(t *testing.T) {
	cases := map[string]Stage{
		"[扫描文件中] 已发现 12 个文件":         StageScan,
		"[压缩文件中] 5/10 个文件 (50.0%)":   StageCompress,
		"[写入磁带中] 等待全部归档写入磁带":         StageCopy,
		"[完成处理中]":                    StageFinalize,
		"[格式化磁带中] LTO-7":             StageFormat,
		"[已取消] scan cancelled":       StageCancelled,
		"[失败] disk full":            StageFailed,
	}
	for desc, want := range cases {
		if got := DeriveStage(desc); got != want {
			t.Errorf("DeriveStage(%q) = %s, want %s", desc, got, want)
		}
	}
}

func TestFinalizeVerifyToleranceDefault(t *testing.T) {
	store, writer := newTestStoreAndWriter(t)
	r := New(store, writer, nil, nil, nil, Config{})
	if r.cfg.FinalizeVerifyTolerance != FinalizeVerifyTolerance {
		t.Errorf("expected default tolerance %v, got %v", FinalizeVerifyTolerance, r.cfg.FinalizeVerifyTolerance)
	}
}

func TestWaitForFinalDirDrainReturnsImmediatelyWhenNoMonitor(t *testing.T) {
	r := &Runner{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.waitForFinalDirDrain(ctx); err != nil {
		t.Errorf("expected nil error with no monitor, got %v", err)
	}
}

func TestRunTaskEncryptionEnabledWithoutKeyFails(t *testing.T) {
	ctx := context.Background()
	store, writer := newTestStoreAndWriter(t)

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	templateID, err := store.CreateTaskTemplate(ctx, &catalogmodel.Task{
		TaskType:          catalogmodel.TaskTypeFull,
		SourcePaths:       []string{srcDir},
		EncryptionEnabled: true,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	exec, err := store.CloneTemplateToExecution(ctx, templateID)
	if err != nil {
		t.Fatalf("clone execution: %v", err)
	}

	stagingDir := t.TempDir()
	tw := &fakeTapeWriter{}
	monitor := finaldir.New(stagingDir, tw, nil)
	monitor.Start(ctx)
	defer monitor.Stop()

	runner := New(store, writer, monitor, nil, nil, Config{
		Archive: archiver.Config{
			Method:          archiver.MethodTar,
			ParallelBatches: 2,
			MaxUnitBytes:    1 << 30,
			StagingDir:      stagingDir,
		},
	})

	if err := runner.RunTask(ctx, exec.ID); err == nil {
		t.Fatal("expected RunTask to return an error when no encryption key is configured")
	}

	final, err := store.GetTask(ctx, exec.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if final.Status != catalogmodel.TaskStatusFailed {
		t.Fatalf("expected failed status, got %s", final.Status)
	}
}

func TestRunTaskEncryptsArchivesWhenConfigured(t *testing.T) {
	ctx := context.Background()
	store, writer := newTestStoreAndWriter(t)

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("sensitive data"), 0644); err != nil {
		t.Fatal(err)
	}

	templateID, err := store.CreateTaskTemplate(ctx, &catalogmodel.Task{
		TaskType:          catalogmodel.TaskTypeFull,
		SourcePaths:       []string{srcDir},
		EncryptionEnabled: true,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	exec, err := store.CloneTemplateToExecution(ctx, templateID)
	if err != nil {
		t.Fatalf("clone execution: %v", err)
	}

	stagingDir := t.TempDir()
	tw := &fakeTapeWriter{}
	monitor := finaldir.New(stagingDir, tw, nil)
	monitor.Start(ctx)
	defer monitor.Stop()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	runner := New(store, writer, monitor, nil, nil, Config{
		Archive: archiver.Config{
			Method:          archiver.MethodTar,
			ParallelBatches: 2,
			MaxUnitBytes:    1 << 30,
			StagingDir:      stagingDir,
		},
		EncryptionKey: key,
	})

	if err := runner.RunTask(ctx, exec.ID); err != nil {
		t.Fatalf("run task: %v", err)
	}

	final, err := store.GetTask(ctx, exec.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if final.Status != catalogmodel.TaskStatusCompleted {
		t.Fatalf("expected completed status, got %s (description=%q)", final.Status, final.Description)
	}
	if len(tw.written) == 0 {
		t.Fatal("expected at least one archive container to be written to tape")
	}
}
