// Package finaldir implements the final-directory monitor and tape
// writer (C6): an independent poll loop that discovers finished archive
// containers under the staging directory's final/ tree and moves them
// to tape one at a time, never blocking and never blocked by the
// scanner/archiver pipeline feeding it.
package finaldir

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tapecore/engine/internal/logging"
)

// ScanInterval is how often the monitor polls the final directory for
// new archive containers (grounded on the original final-directory
// monitor's 10-second poll).
const ScanInterval = 10 * time.Second

// ShutdownJoinBudget bounds how long Stop waits for the worker goroutine
// to exit before giving up and logging a warning.
const ShutdownJoinBudget = 30 * time.Second

// candidateSuffixes are the archive-container extensions the monitor
// looks for under the final directory.
var candidateSuffixes = []string{".7z", ".gz", ".tar", ".zst"}

func isCandidate(name string) bool {
	if strings.HasSuffix(name, ".tar.gz") {
		return true
	}
	for _, suf := range candidateSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// extractBackupSetID derives the owning backup set from an archive
// container's path relative to the final directory: the first path
// segment under final/ (final/<set_id>/backup_xxx.tar.zst), falling
// back to the "backup_<set_id>_" filename prefix when the container
// sits directly under final/ with no subdirectory.
func extractBackupSetID(finalDir, path string) string {
	rel, err := filepath.Rel(finalDir, path)
	if err == nil && !strings.HasPrefix(rel, "..") {
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) > 1 {
			return parts[0]
		}
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, "backup_") {
		fields := strings.SplitN(name, "_", 3)
		if len(fields) >= 2 {
			return fields[1]
		}
	}
	return ""
}

// TapeWriter commits one finished archive container to tape. Defined as
// an interface so the monitor can be tested without a real drive.
type TapeWriter interface {
	WriteToTape(ctx context.Context, backupSetID string, path string) error
}

// Monitor polls a staging directory's final/ subtree and hands each
// archive container it finds to a TapeWriter, one file at a time
// (guarantee G1: only one transfer in flight).
type Monitor struct {
	finalDir string
	writer   TapeWriter
	log      *logging.FieldLogger

	mu            sync.Mutex
	running       bool
	processed     map[string]bool
	failedLogged  int
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New returns a Monitor watching stagingDir/final for archive
// containers, handing each to writer in discovery order.
func New(stagingDir string, writer TapeWriter, log *logging.FieldLogger) *Monitor {
	return &Monitor{
		finalDir:  filepath.Join(stagingDir, "final"),
		writer:    writer,
		log:       log,
		processed: make(map[string]bool),
	}
}

// FinalDir returns the directory this monitor polls.
func (m *Monitor) FinalDir() string {
	return m.finalDir
}

// Start launches the poll loop in a background goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	if m.log != nil {
		m.log.Info("final directory monitor started", map[string]interface{}{"dir": m.finalDir, "interval_seconds": int(ScanInterval.Seconds())})
	}

	go m.loop(ctx)
}

// Stop signals the poll loop to exit and waits up to ShutdownJoinBudget
// for it to do so (guarantee G3).
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	select {
	case <-done:
		if m.log != nil {
			m.log.Info("final directory monitor stopped", nil)
		}
	case <-time.After(ShutdownJoinBudget):
		if m.log != nil {
			m.log.Warn("final directory monitor did not stop within budget", map[string]interface{}{"budget_seconds": int(ShutdownJoinBudget.Seconds())})
		}
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()

	for {
		m.scanOnce(ctx)

		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) scanOnce(ctx context.Context) {
	found, err := listCandidates(m.finalDir)
	if err != nil {
		if m.log != nil {
			m.log.Warn("scan final directory failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	var pending []string
	for _, path := range found {
		if !m.wasProcessed(path) {
			pending = append(pending, path)
		}
	}
	if len(pending) == 0 {
		return
	}

	if m.log != nil {
		m.log.Info("final directory found new archive containers", map[string]interface{}{"count": len(pending)})
	}

	for _, path := range pending {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		m.transferOne(ctx, path)
	}
}

// transferOne moves a single container to tape, marking it processed
// whether it succeeds or fails so a permanently-broken container never
// blocks the ones behind it (the original monitor's "mark processed
// regardless of outcome" rule).
func (m *Monitor) transferOne(ctx context.Context, path string) {
	setID := extractBackupSetID(m.finalDir, path)

	err := m.writer.WriteToTape(ctx, setID, path)
	m.markProcessed(path)

	if err != nil {
		m.logFailure(path, err)
		return
	}
	if m.log != nil {
		m.log.Info("archive container written to tape", map[string]interface{}{"path": path, "backup_set_id": setID})
	}
}

// logFailure logs the first 20 failures in full; after that it only
// logs a count, so a cartridge stuck full for hours doesn't flood the
// log with one line per poll cycle.
func (m *Monitor) logFailure(path string, err error) {
	m.mu.Lock()
	m.failedLogged++
	n := m.failedLogged
	m.mu.Unlock()

	if m.log == nil {
		return
	}
	if n <= 20 {
		m.log.Error("write archive container to tape failed", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	if n == 21 {
		m.log.Warn("suppressing further per-file tape-write failure logs after 20", nil)
	}
}

func (m *Monitor) wasProcessed(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[path]
}

func (m *Monitor) markProcessed(path string) {
	m.mu.Lock()
	m.processed[path] = true
	m.mu.Unlock()
}

// ProcessedCount returns how many containers have been handed to the
// writer (successfully or not) so far.
func (m *Monitor) ProcessedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

// IsEmpty reports whether the final directory currently holds no
// unprocessed archive containers (guarantee G2's first conjunct: a task
// may only finalize once FinalDir is empty AND no compressor is
// in-flight AND the catalog queue is drained; the latter two are
// checked by the caller).
func (m *Monitor) IsEmpty() bool {
	found, err := listCandidates(m.finalDir)
	if err != nil {
		return true
	}
	for _, path := range found {
		if !m.wasProcessed(path) {
			return false
		}
	}
	return true
}
