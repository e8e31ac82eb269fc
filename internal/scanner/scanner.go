// Package scanner walks a source tree with a pool of worker goroutines,
// batching discovered files and handing each batch to a callback once it
// crosses a size threshold or a forced flush interval elapses.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tapecore/engine/internal/logging"
)

// FileInfo is one file discovered during a scan.
type FileInfo struct {
	Path    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}

// Options configures a single scan pass.
type Options struct {
	Threads             int
	ExcludePatterns      []string
	BatchThreshold       int
	BatchFlushInterval   time.Duration
	LogIntervalSeconds   int
}

// accessErrorLogCap bounds how many path-access errors (permission
// denied, vanished entries, ...) are logged in full per scan; the rest
// are only counted, to avoid flooding the log on a tree with widespread
// permission problems (spec.md §4.4).
const accessErrorLogCap = 20

// BatchFunc receives one completed batch of discovered files.
type BatchFunc func(batch []FileInfo) error

// Result summarizes a completed scan.
type Result struct {
	TotalFiles int64
	TotalBytes int64
	DirsVisited int64
	Errors      int64
}

// Scan walks root with opts.Threads worker goroutines, sending batches of
// discovered files to onBatch as they fill (or are force-flushed). It
// mirrors the teacher's ScanSource worker-pool shape: a bounded directory
// channel, one WaitGroup tracking outstanding directories and another
// tracking live workers, with inline fallback when the channel is full to
// avoid deadlock on deep narrow trees.
func Scan(ctx context.Context, root string, opts Options, onBatch BatchFunc, log *logging.FieldLogger) (Result, error) {
	numWorkers := opts.Threads
	if numWorkers <= 0 {
		numWorkers = 4
	}

	excludeExact := make(map[string]struct{})
	var excludeGlobs []string
	for _, p := range opts.ExcludePatterns {
		if strings.ContainsAny(p, "*?[") {
			excludeGlobs = append(excludeGlobs, p)
		} else {
			excludeExact[p] = struct{}{}
		}
	}

	shouldExclude := func(path string) bool {
		base := filepath.Base(path)
		if _, ok := excludeExact[base]; ok {
			return true
		}
		if len(excludeGlobs) == 0 {
			return false
		}
		rel, _ := filepath.Rel(root, path)
		for _, pattern := range excludeGlobs {
			if matched, _ := filepath.Match(pattern, rel); matched {
				return true
			}
			if matched, _ := filepath.Match(pattern, base); matched {
				return true
			}
		}
		return false
	}

	var (
		dirWg    sync.WaitGroup
		workerWg sync.WaitGroup
		dirs     = make(chan string, numWorkers*8)

		batchMu sync.Mutex
		batch   []FileInfo

		totalFiles  int64
		totalBytes  int64
		dirsVisited int64
		errCount    int64
	)

	threshold := opts.BatchThreshold
	if threshold <= 0 {
		threshold = 1000
	}
	flushInterval := opts.BatchFlushInterval
	if flushInterval <= 0 {
		flushInterval = 20 * time.Minute
	}

	flush := func() {
		batchMu.Lock()
		if len(batch) == 0 {
			batchMu.Unlock()
			return
		}
		toSubmit := batch
		batch = nil
		batchMu.Unlock()

		if err := onBatch(toSubmit); err != nil && log != nil {
			log.Warn("submit scan batch failed", map[string]interface{}{"error": err.Error()})
		}
	}

	stopLogging := make(chan struct{})
	if opts.LogIntervalSeconds > 0 && log != nil {
		go func() {
			ticker := time.NewTicker(time.Duration(opts.LogIntervalSeconds) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					log.Info("scan progress", map[string]interface{}{
						"dirs_scanned": atomic.LoadInt64(&dirsVisited),
						"files_found":  atomic.LoadInt64(&totalFiles),
						"bytes_found":  atomic.LoadInt64(&totalBytes),
						"errors":       atomic.LoadInt64(&errCount),
					})
				case <-stopLogging:
					return
				}
			}
		}()
	}

	stopFlushing := make(chan struct{})
	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				flush()
			case <-stopFlushing:
				return
			}
		}
	}()

	var processDir func(string)
	processDir = func(dirPath string) {
		defer dirWg.Done()

		select {
		case <-ctx.Done():
			return
		default:
		}

		f, err := os.Open(dirPath)
		if err != nil {
			n := atomic.AddInt64(&errCount, 1)
			if log != nil {
				if n <= accessErrorLogCap {
					log.Warn("error accessing path", map[string]interface{}{"path": dirPath, "error": err.Error()})
				} else if n == accessErrorLogCap+1 {
					log.Warn("suppressing further path-access error logs after cap", map[string]interface{}{"cap": accessErrorLogCap})
				}
			}
			return
		}
		entries, err := f.ReadDir(-1)
		f.Close()
		if err != nil {
			atomic.AddInt64(&errCount, 1)
			return
		}

		atomic.AddInt64(&dirsVisited, 1)

		var localFiles []FileInfo
		for _, entry := range entries {
			path := filepath.Join(dirPath, entry.Name())

			if entry.IsDir() {
				if shouldExclude(path) {
					continue
				}
				dirWg.Add(1)
				select {
				case dirs <- path:
				default:
					processDir(path)
				}
				continue
			}

			if shouldExclude(path) {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				continue
			}
			localFiles = append(localFiles, FileInfo{
				Path:    path,
				Size:    info.Size(),
				Mode:    info.Mode(),
				ModTime: info.ModTime(),
			})
		}

		if len(localFiles) > 0 {
			var batchBytes int64
			for _, fi := range localFiles {
				batchBytes += fi.Size
			}
			atomic.AddInt64(&totalFiles, int64(len(localFiles)))
			atomic.AddInt64(&totalBytes, batchBytes)

			batchMu.Lock()
			batch = append(batch, localFiles...)
			full := len(batch) >= threshold
			batchMu.Unlock()
			if full {
				flush()
			}
		}
	}

	dirWg.Add(1)
	dirs <- root

	go func() {
		dirWg.Wait()
		close(dirs)
	}()

	for i := 0; i < numWorkers; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for dir := range dirs {
				processDir(dir)
			}
		}()
	}

	workerWg.Wait()
	close(stopFlushing)
	close(stopLogging)
	flush()

	return Result{
		TotalFiles:  atomic.LoadInt64(&totalFiles),
		TotalBytes:  atomic.LoadInt64(&totalBytes),
		DirsVisited: atomic.LoadInt64(&dirsVisited),
		Errors:      atomic.LoadInt64(&errCount),
	}, ctx.Err()
}
