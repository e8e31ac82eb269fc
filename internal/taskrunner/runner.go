// Package taskrunner drives a single task through the scan, compress,
// copy and finalize stages (C7), recording a bracketed stage tag in the
// task's description after every transition and handling cooperative
// cancellation and the terminal notification.
package taskrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/tapecore/engine/internal/archiver"
	"github.com/tapecore/engine/internal/catalog"
	"github.com/tapecore/engine/internal/catalogmodel"
	"github.com/tapecore/engine/internal/finaldir"
	"github.com/tapecore/engine/internal/logging"
	"github.com/tapecore/engine/internal/notifications"
	"github.com/tapecore/engine/internal/scanner"
)

// FinalizeVerifyTolerance is the maximum fraction of a task's files that
// may still be unmarked-copied at finalize before the task is failed
// instead of completed (spec.md §9 Open Question (c): the source never
// quantifies this; 1% is chosen here and documented as the concrete
// value).
const FinalizeVerifyTolerance = 0.01

// Config bundles the per-task tunables the runner feeds to the scanner
// and archiver.
type Config struct {
	Scan                    scanner.Options
	Archive                 archiver.Config
	FinalizeVerifyTolerance float64
	// EncryptionKey is the AES-256 key used to encrypt archive
	// containers for tasks with EncryptionEnabled set (spec.md §3). A
	// task with the flag set but no configured key fails the
	// compression stage rather than silently writing plaintext.
	EncryptionKey []byte
}

// Runner orchestrates one task execution end-to-end.
type Runner struct {
	store    *catalog.Store
	writer   *catalog.Writer
	monitor  *finaldir.Monitor
	notifier *notifications.BackupNotifier
	log      *logging.FieldLogger
	cfg      Config
}

// New returns a Runner. monitor is the shared final-directory monitor
// the process runs once; notifier may be nil to disable notifications.
func New(store *catalog.Store, writer *catalog.Writer, monitor *finaldir.Monitor, notifier *notifications.BackupNotifier, log *logging.FieldLogger, cfg Config) *Runner {
	if cfg.FinalizeVerifyTolerance <= 0 {
		cfg.FinalizeVerifyTolerance = FinalizeVerifyTolerance
	}
	return &Runner{store: store, writer: writer, monitor: monitor, notifier: notifier, log: log, cfg: cfg}
}

// RunTask drives taskID from pending through to a terminal status. It
// returns nil for both a clean completion and a clean cancellation;
// callers distinguish the two by re-reading the task's status.
func (r *Runner) RunTask(ctx context.Context, taskID int64) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if task.IsTemplate {
		return fmt.Errorf("task %d is a template, not an execution", taskID)
	}

	jobName := fmt.Sprintf("task-%d", task.ID)
	start := time.Now()
	r.notifyStarted(ctx, jobName, len(task.SourcePaths), string(task.TaskType))

	if err := r.transition(ctx, task.ID, catalogmodel.TaskStatusRunning, catalogmodel.ScanStatusScanning, scanTag(0)); err != nil {
		return err
	}

	totalFiles, err := r.runScan(ctx, task)
	if err != nil {
		return r.fail(ctx, task, jobName, fmt.Errorf("scan: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return r.cancel(ctx, task, jobName, "scan cancelled")
	}

	if err := r.transition(ctx, task.ID, catalogmodel.TaskStatusRunning, catalogmodel.ScanStatusCompressing, compressTag(0, totalFiles, 0)); err != nil {
		return err
	}

	archCfg := r.cfg.Archive
	if task.EncryptionEnabled {
		if len(r.cfg.EncryptionKey) == 0 {
			return r.fail(ctx, task, jobName, fmt.Errorf("task requires encryption but no encryption key is configured"))
		}
		archCfg.Encrypt = true
		archCfg.EncryptionKey = r.cfg.EncryptionKey
	}

	summary, archErr := archiver.Run(ctx, r.store, r.writer, task.BackupFilesTable, task.ID, archCfg, r.log, func(pf, pb, cb int64, unit string) {
		pct := 0.0
		if totalFiles > 0 {
			pct = float64(pf) / float64(totalFiles) * 100
		}
		_ = r.writer.Submit(ctx, catalog.PriorityNormal, func(ctx context.Context) error {
			if err := r.store.UpdateTaskProgress(ctx, task.ID, pf, pb, cb); err != nil {
				return err
			}
			return r.store.SetTaskDescription(ctx, task.ID, compressTag(pf, totalFiles, pct))
		})
	})
	if err := ctx.Err(); err != nil {
		return r.cancel(ctx, task, jobName, "compression cancelled")
	}
	if archErr != nil {
		return r.fail(ctx, task, jobName, fmt.Errorf("compress: %w", archErr))
	}

	if err := r.transition(ctx, task.ID, catalogmodel.TaskStatusRunning, catalogmodel.ScanStatusCopying, copyTag("waiting for all archives to be written to tape")); err != nil {
		return err
	}

	if err := r.waitForFinalDirDrain(ctx); err != nil {
		return r.cancel(ctx, task, jobName, "copy cancelled")
	}

	if err := r.transition(ctx, task.ID, catalogmodel.TaskStatusRunning, catalogmodel.ScanStatusFinalizing, finalizeTag()); err != nil {
		return err
	}

	if err := r.finalize(ctx, task, totalFiles, summary); err != nil {
		return r.fail(ctx, task, jobName, fmt.Errorf("finalize: %w", err))
	}

	if err := r.store.SetTaskStatus(ctx, task.ID, catalogmodel.TaskStatusCompleted, catalogmodel.ScanStatusNone); err != nil {
		return err
	}
	r.notifyCompleted(ctx, jobName, totalFiles, summary.TotalBytes, time.Since(start))
	return nil
}

func (r *Runner) notifyStarted(ctx context.Context, jobName string, sourceCount int, backupType string) {
	if r.notifier != nil {
		r.notifier.NotifyStarted(ctx, jobName, sourceCount, backupType)
	}
}

func (r *Runner) notifyCompleted(ctx context.Context, jobName string, fileCount, totalBytes int64, duration time.Duration) {
	if r.notifier != nil {
		r.notifier.NotifyCompleted(ctx, jobName, fileCount, totalBytes, duration)
	}
}

func (r *Runner) notifyFailed(ctx context.Context, jobName string, errMsg string) {
	if r.notifier != nil {
		r.notifier.NotifyFailed(ctx, jobName, errMsg)
	}
}

func (r *Runner) notifyCancelled(ctx context.Context, jobName string, reason string) {
	if r.notifier != nil {
		r.notifier.NotifyCancelled(ctx, jobName, reason)
	}
}

func (r *Runner) transition(ctx context.Context, taskID int64, status catalogmodel.TaskStatus, scanStatus catalogmodel.ScanStatus, description string) error {
	if err := r.store.SetTaskStatus(ctx, taskID, status, scanStatus); err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return r.store.SetTaskDescription(ctx, taskID, description)
}

func (r *Runner) fail(ctx context.Context, task *catalogmodel.Task, jobName string, cause error) error {
	bg := context.Background()
	_ = r.store.SetTaskError(bg, task.ID, cause.Error())
	_ = r.store.SetTaskDescription(bg, task.ID, failedTag(cause.Error()))
	_ = r.store.SetTaskStatus(bg, task.ID, catalogmodel.TaskStatusFailed, catalogmodel.ScanStatusFailed)
	r.notifyFailed(bg, jobName, cause.Error())
	return cause
}

func (r *Runner) cancel(ctx context.Context, task *catalogmodel.Task, jobName string, reason string) error {
	bg := context.Background()
	_ = r.store.SetTaskDescription(bg, task.ID, cancelledTag(reason))
	_ = r.store.SetTaskStatus(bg, task.ID, catalogmodel.TaskStatusCancelled, catalogmodel.ScanStatusCancelled)
	r.notifyCancelled(bg, jobName, reason)
	return nil
}

// runScan walks every one of the task's source paths, inserting
// discovered files into its inventory table as each batch fills.
func (r *Runner) runScan(ctx context.Context, task *catalogmodel.Task) (int64, error) {
	var total int64
	for _, root := range task.SourcePaths {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		opts := r.cfg.Scan
		if len(opts.ExcludePatterns) == 0 {
			opts.ExcludePatterns = task.ExcludePatterns
		}

		res, err := scanner.Scan(ctx, root, opts, func(batch []scanner.FileInfo) error {
			rows := make([]catalog.FileRow, len(batch))
			for i, f := range batch {
				rows[i] = catalog.FileRow{BackupSetID: task.ID, FilePath: f.Path, FileSize: f.Size, MTime: f.ModTime}
			}
			return r.writer.Submit(ctx, catalog.PriorityNormal, func(ctx context.Context) error {
				return r.store.BulkInsertFiles(ctx, task.BackupFilesTable, task.ID, rows)
			})
		}, r.log)
		total += res.TotalFiles
		if err != nil {
			return total, fmt.Errorf("scan %s: %w", root, err)
		}

		_ = r.writer.Submit(ctx, catalog.PriorityNormal, func(ctx context.Context) error {
			return r.store.SetTaskDescription(ctx, task.ID, scanTag(total))
		})
	}
	return total, nil
}

// finalDirPollInterval is how often RunTask checks whether the
// final-directory monitor has drained every container this task
// produced. Independent of the monitor's own 10-second scan cadence so
// a quiet final directory is observed promptly once scanning stops.
const finalDirPollInterval = 2 * time.Second

func (r *Runner) waitForFinalDirDrain(ctx context.Context) error {
	if r.monitor == nil {
		return nil
	}
	ticker := time.NewTicker(finalDirPollInterval)
	defer ticker.Stop()

	for {
		if r.monitor.IsEmpty() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// finalize marks every successfully-archived file as queued (unless the
// archiver already did so incrementally), verifies the inventory table
// against spec.md's mismatch tolerance, and records the terminal
// result summary.
func (r *Runner) finalize(ctx context.Context, task *catalogmodel.Task, totalFiles int64, summary archiver.Summary) error {
	var paths []string
	var errs []string
	for _, o := range summary.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Sprintf("unit %d: %v", o.Unit.Index, o.Err))
			continue
		}
		for _, f := range o.Unit.Files {
			paths = append(paths, f.FilePath)
		}
	}

	if !r.cfg.Archive.EnableBackgroundCopyUpdate && len(paths) > 0 {
		err := r.writer.Submit(ctx, catalog.PriorityHigh, func(ctx context.Context) error {
			_, err := r.store.MarkFilesQueued(ctx, task.BackupFilesTable, task.ID, paths)
			return err
		})
		if err != nil {
			return fmt.Errorf("mark files queued: %w", err)
		}
	}

	pending, err := r.store.CountPending(ctx, task.BackupFilesTable, task.ID)
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}

	var ratio float64
	if totalFiles > 0 {
		ratio = float64(pending) / float64(totalFiles)
	}
	if ratio > r.cfg.FinalizeVerifyTolerance {
		return fmt.Errorf("%d of %d files still unverified copied (%.2f%% > %.2f%% tolerance)",
			pending, totalFiles, ratio*100, r.cfg.FinalizeVerifyTolerance*100)
	}
	if pending > 0 && r.log != nil {
		r.log.Warn("finalize accepted within verification tolerance", map[string]interface{}{
			"task_id": task.ID, "pending": pending, "total": totalFiles, "ratio": ratio,
		})
	}

	resultSummary := &catalogmodel.ResultSummary{
		EstimatedArchiveCount: summary.EstimatedArchiveCount,
		TotalScannedBytes:     summary.TotalBytes,
		Errors:                errs,
	}
	if err := r.store.SetResultSummary(ctx, task.ID, resultSummary); err != nil {
		return fmt.Errorf("set result summary: %w", err)
	}
	return r.store.UpdateTaskProgress(ctx, task.ID, totalFiles, summary.TotalBytes, summary.CompressedBytes)
}
