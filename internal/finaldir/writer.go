package finaldir

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/tapecore/engine/internal/catalog"
	"github.com/tapecore/engine/internal/catalogmodel"
	"github.com/tapecore/engine/internal/logging"
	"github.com/tapecore/engine/internal/tapedrive"
	"github.com/tapecore/engine/internal/tapemgr"
)

// Drive bundles one physical drive's driver with the device path the
// tape manager uses to key its mutual-exclusion lock.
type Drive struct {
	DevicePath string
	Driver     *tapedrive.Driver
}

// CartridgeWriter commits a finished archive container to a physical
// tape cartridge. Unlike the source project's write_to_tape_drive
// (effectively a path-resolution stub, since compression there already
// writes directly onto an LTFS-mounted drive letter), this stages the
// container on local disk and explicitly copies it onto the tape mount
// with an fsync before updating any counters, so a crash mid-copy never
// reports bytes as written that never reached the medium.
type CartridgeWriter struct {
	mgr      *tapemgr.Manager
	store    *catalog.Store
	drive    Drive
	log      *logging.FieldLogger
	mountDir string // LTFS mount point the cartridge is written under

	mu       sync.Mutex
	active   *catalogmodel.TapeCartridge
	unloadFn func()
	notifier tapemgr.WrongTapeNotifier
}

// NewCartridgeWriter returns a CartridgeWriter that writes through
// drive, using mgr to select/lock cartridges and store to record the
// resulting backup_sets row and cartridge usage. mountDir is the
// filesystem path archive containers are copied into once a cartridge
// is loaded (an LTFS mount point, or any directory the drive exposes
// its medium under). notifier may be nil; when set it is told about any
// wrong-tape mismatch an automatic cartridge swap discovers.
func NewCartridgeWriter(mgr *tapemgr.Manager, store *catalog.Store, drive Drive, mountDir string, log *logging.FieldLogger, notifier tapemgr.WrongTapeNotifier) *CartridgeWriter {
	return &CartridgeWriter{mgr: mgr, store: store, drive: drive, mountDir: mountDir, log: log, notifier: notifier}
}

// SetActiveCartridge records which cartridge is currently loaded in
// this writer's drive, so subsequent WriteToTape calls update the
// correct cartridge's usage counters. cmd/tapebackarr's prepareDrive
// calls this at startup after tapemgr.PrepareCartridge succeeds.
func (w *CartridgeWriter) SetActiveCartridge(cart *catalogmodel.TapeCartridge) {
	w.mu.Lock()
	w.active = cart
	w.mu.Unlock()
}

// WriteToTape copies the archive container at path onto the currently
// prepared cartridge, under a subdirectory named after backupSetID, then
// fsyncs the destination and records the write against the cartridge and
// backup_sets table. The drive lock is held for the whole operation so
// no other task's writer can interleave with this one (mutual exclusion
// guarantee owned by tapemgr.Manager).
func (w *CartridgeWriter) WriteToTape(ctx context.Context, backupSetID string, path string) error {
	release, err := w.mgr.AcquireDrive(ctx, w.drive.DevicePath)
	if err != nil {
		return fmt.Errorf("acquire drive %s: %w", w.drive.DevicePath, err)
	}
	defer release()

	w.mu.Lock()
	prepared := w.active != nil
	w.mu.Unlock()
	if !prepared {
		return fmt.Errorf("no cartridge prepared for drive %s", w.drive.DevicePath)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	destDir := filepath.Join(w.mountDir, backupSetID)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("create tape directory %s: %w", destDir, err)
	}
	destPath := filepath.Join(destDir, filepath.Base(path))

	written, err := copyWithFsync(ctx, path, destPath)
	if err != nil {
		return fmt.Errorf("copy %s to tape: %w", path, err)
	}

	taskID, _ := strconv.ParseInt(backupSetID, 10, 64)
	if _, err := w.store.CreateBackupSet(ctx, &catalogmodel.BackupSet{TaskID: taskID, ArchivePath: destPath, SizeBytes: written}); err != nil {
		return fmt.Errorf("record backup set: %w", err)
	}

	w.mu.Lock()
	cart := w.active
	w.mu.Unlock()
	if cart != nil {
		if err := w.mgr.RecordWrite(ctx, cart.TapeID, written); err != nil {
			return fmt.Errorf("record cartridge usage: %w", err)
		}
		if w.log != nil {
			w.log.Info("archive container committed to tape", map[string]interface{}{
				"backup_set_id": backupSetID,
				"tape_id":       cart.TapeID,
				"size":          humanize.Bytes(uint64(written)),
			})
		}
		w.rotateIfFull(ctx, cart.TapeID)
	}

	if err := os.Remove(path); err != nil && w.log != nil {
		w.log.Warn("remove staged container after tape write", map[string]interface{}{"path": path, "error": err.Error()})
	}

	_ = info
	return nil
}

// rotateIfFull reloads tapeID's catalog row after a write; if the write
// pushed it past the full-usage threshold, it unloads the drive and
// mounts the next available cartridge so subsequent WriteToTape calls
// keep landing on writable media without operator intervention.
func (w *CartridgeWriter) rotateIfFull(ctx context.Context, tapeID string) {
	reloaded, err := w.store.GetCartridge(ctx, tapeID)
	if err != nil || reloaded == nil || !reloaded.IsFull() {
		return
	}

	if w.log != nil {
		w.log.Info("cartridge full, rotating to next available tape", map[string]interface{}{"tape_id": tapeID})
	}

	w.mu.Lock()
	release := w.unloadFn
	w.unloadFn = nil
	w.mu.Unlock()

	if err := w.mgr.UnloadTape(ctx, w.drive.Driver, w.drive.DevicePath, release); err != nil {
		if w.log != nil {
			w.log.Warn("unload full cartridge failed", map[string]interface{}{"tape_id": tapeID, "error": err.Error()})
		}
		return
	}

	next, err := w.mgr.GetAvailableTape(ctx, 0, true, func(ctx context.Context, c *catalogmodel.TapeCartridge) error {
		return w.mgr.EraseTape(ctx, w.drive.Driver, c.TapeID)
	})
	if err != nil || next == nil {
		if w.log != nil {
			reason := "no cartridge available"
			if err != nil {
				reason = err.Error()
			}
			w.log.Warn("no replacement cartridge after rotation", map[string]interface{}{"reason": reason})
		}
		w.mu.Lock()
		w.active = nil
		w.mu.Unlock()
		return
	}

	newRelease, err := w.mgr.LoadTape(ctx, w.drive.Driver, w.drive.DevicePath, next, w.notifier)
	if err != nil {
		if w.log != nil {
			w.log.Warn("load replacement cartridge failed", map[string]interface{}{"tape_id": next.TapeID, "error": err.Error()})
		}
		return
	}

	w.mu.Lock()
	w.active = next
	w.unloadFn = newRelease
	w.mu.Unlock()
}

// copyWithFsync streams src to dst, fsyncs the destination file, and
// closes it before returning, so the byte count reported back is always
// backed by data actually flushed to the underlying device.
func copyWithFsync(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}

	written, copyErr := io.Copy(out, contextReader{ctx: ctx, r: in})
	if copyErr != nil {
		out.Close()
		os.Remove(dst)
		return written, copyErr
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return written, fmt.Errorf("fsync %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return written, fmt.Errorf("close %s: %w", dst, err)
	}
	return written, nil
}

// contextReader wraps an io.Reader so a cancelled context aborts a long
// copy instead of running to completion after the caller has given up.
type contextReader struct {
	ctx context.Context
	r    io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
