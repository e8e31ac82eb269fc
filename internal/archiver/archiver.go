// Package archiver partitions a task's pending files into bounded
// archive units and compresses each unit into a single container file
// under the staging directory, honoring cancellation and producing
// output atomically.
package archiver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tapecore/engine/internal/catalog"
	"github.com/tapecore/engine/internal/catalogmodel"
	"github.com/tapecore/engine/internal/encryption"
	"github.com/tapecore/engine/internal/logging"
)

// Method selects the archiver strategy used to build each archive unit.
type Method string

const (
	MethodPGzip        Method = "pgzip"
	Method7ZipCommand   Method = "7zip-command"
	MethodTar          Method = "tar"
	MethodZstd         Method = "zstd"
)

// Options configures one Compress call.
type Options struct {
	Level               int
	Threads             int
	CommandThreads      int
	DictionarySizeBytes int
}

// Result reports what a Compress call produced.
type Result struct {
	CompressedBytes int64
	InputBytes      int64
}

// Strategy builds one archive container from a list of absolute file
// paths. Implementations must stream input (never buffer a whole file in
// memory), must honor ctx cancellation by killing any child process and
// removing partial output, and must write output atomically: to a
// "<outputPath>.partial" file, fsync'd, then renamed into place.
type Strategy interface {
	// Extension is the file suffix (including leading dot) this
	// strategy's containers use, e.g. ".tar.zst".
	Extension() string
	Compress(ctx context.Context, inputs []string, outputPath string, opts Options) (Result, error)
}

// StrategyFor returns the Strategy implementing method.
func StrategyFor(method Method) (Strategy, error) {
	switch method {
	case MethodPGzip:
		return pgzipStrategy{}, nil
	case MethodZstd, "":
		return zstdStrategy{}, nil
	case MethodTar:
		return tarStrategy{}, nil
	case Method7ZipCommand:
		return sevenZipStrategy{toolPath: "7z"}, nil
	default:
		return nil, fmt.Errorf("unknown compression method %q", method)
	}
}

// Unit is one group of files destined for a single archive container.
type Unit struct {
	Index      int
	Files      []catalogmodel.FileInventoryRow
	TotalBytes int64
}

// PartitionUnits groups files (in the order given) into units whose
// total size never exceeds maxUnitBytes, except that a single file
// larger than maxUnitBytes is placed alone in its own unit rather than
// being split (spec.md §4.5, §8 boundary behaviors).
func PartitionUnits(files []catalogmodel.FileInventoryRow, maxUnitBytes int64) []Unit {
	var units []Unit
	var current []catalogmodel.FileInventoryRow
	var currentBytes int64

	flush := func() {
		if len(current) == 0 {
			return
		}
		units = append(units, Unit{Index: len(units), Files: current, TotalBytes: currentBytes})
		current = nil
		currentBytes = 0
	}

	for _, f := range files {
		if maxUnitBytes > 0 && f.FileSize > maxUnitBytes {
			flush()
			units = append(units, Unit{Index: len(units), Files: []catalogmodel.FileInventoryRow{f}, TotalBytes: f.FileSize})
			continue
		}
		if maxUnitBytes > 0 && currentBytes+f.FileSize > maxUnitBytes && len(current) > 0 {
			flush()
		}
		current = append(current, f)
		currentBytes += f.FileSize
	}
	flush()

	return units
}

// UnitOutcome records what happened to one archive unit.
type UnitOutcome struct {
	Unit        Unit
	ArchivePath string
	Result      Result
	Err         error
}

// ProgressFunc is invoked after each archive unit completes successfully
// with the running totals so far; a unit that fails does not invoke it.
type ProgressFunc func(processedFiles, processedBytes, compressedBytes int64, currentUnit string)

// Config bundles the tunables spec.md §4.5/§6 names for the archiver.
type Config struct {
	Method                     Method
	Level                      int
	Threads                    int
	CommandThreads             int
	DictionarySizeBytes        int
	ParallelBatches            int
	MaxUnitBytes               int64
	StagingDir                 string // BACKUP_COMPRESS_DIR
	EnableBackgroundCopyUpdate bool
	// Encrypt, when true, re-encrypts each completed archive container
	// in place with EncryptionKey before it is handed to the final
	// directory monitor (Task.EncryptionEnabled, spec.md §3).
	Encrypt      bool
	EncryptionKey []byte
}

// encryptInPlace replaces the plaintext container at path with its
// encrypted form under the same name, so the final-directory monitor's
// suffix-based candidate detection still recognizes it. Written to a
// ".partial" sibling, fsync'd, then renamed over the original --
// matching the atomic-write discipline archive strategies use for the
// plaintext container itself.
func encryptInPlace(path string, key []byte) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s for encryption: %w", path, err)
	}
	defer src.Close()

	enc, err := encryption.NewEncryptingReader(src, key)
	if err != nil {
		return fmt.Errorf("create encrypting reader: %w", err)
	}

	tmpPath := path + ".enc.partial"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmpPath, err)
	}

	if _, err := io.Copy(dst, enc); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encrypt %s: %w", path, err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync %s: %w", tmpPath, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s over %s: %w", tmpPath, path, err)
	}
	return nil
}

// Summary is the terminal report of one archiver run over a backup set.
type Summary struct {
	EstimatedArchiveCount int
	TotalBytes            int64
	CompressedBytes       int64
	Outcomes              []UnitOutcome
}

// FetchPager is the subset of catalog.Store the archiver pages pending
// files through; narrowed to an interface so tests can fake it.
type FetchPager interface {
	FetchPendingFiles(ctx context.Context, tableName string, backupSetID int64, cursor int64, limit int) ([]catalogmodel.FileInventoryRow, error)
}

const fetchPageSize = 5000

// fetchAllPending pages through every pending row for backupSetID via an
// id cursor so paging is stable even as earlier units get marked copied
// concurrently by background catalog updates.
func fetchAllPending(ctx context.Context, store FetchPager, tableName string, backupSetID int64) ([]catalogmodel.FileInventoryRow, error) {
	var all []catalogmodel.FileInventoryRow
	var cursor int64
	for {
		rows, err := store.FetchPendingFiles(ctx, tableName, backupSetID, cursor, fetchPageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch pending files: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		all = append(all, rows...)
		cursor = rows[len(rows)-1].ID
		if len(rows) < fetchPageSize {
			break
		}
	}
	return all, nil
}

// archiveName is the archive-unit filename per spec.md §6:
// backup_<set_id>_<seq>.<ext>.
func archiveName(backupSetID int64, seq int, ext string) string {
	return fmt.Sprintf("backup_%d_%03d%s", backupSetID, seq, ext)
}

// Run partitions every pending file of backupSetID into archive units and
// compresses up to cfg.ParallelBatches of them concurrently, writing
// containers under cfg.StagingDir/final/<backupSetID>/. When
// cfg.EnableBackgroundCopyUpdate is set, each unit's files are marked
// queued in the catalog as soon as its container finishes; otherwise that
// is left for the caller to do once at finalize (spec.md §4.5, §4.7).
func Run(ctx context.Context, store *catalog.Store, writer *catalog.Writer, tableName string, backupSetID int64, cfg Config, log *logging.FieldLogger, progress ProgressFunc) (Summary, error) {
	strategy, err := StrategyFor(cfg.Method)
	if err != nil {
		return Summary{}, err
	}

	pending, err := fetchAllPending(ctx, store, tableName, backupSetID)
	if err != nil {
		return Summary{}, err
	}

	maxUnit := cfg.MaxUnitBytes
	if maxUnit <= 0 {
		maxUnit = 12 * 1024 * 1024 * 1024
	}
	units := PartitionUnits(pending, maxUnit)

	outDir := filepath.Join(cfg.StagingDir, "final", fmt.Sprintf("%d", backupSetID))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return Summary{}, fmt.Errorf("create staging dir %s: %w", outDir, err)
	}

	parallel := cfg.ParallelBatches
	if parallel <= 0 {
		parallel = 2
	}

	opts := Options{Level: cfg.Level, Threads: cfg.Threads, CommandThreads: cfg.CommandThreads, DictionarySizeBytes: cfg.DictionarySizeBytes}

	sem := make(chan struct{}, parallel)
	outcomes := make([]UnitOutcome, len(units))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var processedFiles, processedBytes, compressedBytes int64

	for i, unit := range units {
		if ctx.Err() != nil {
			break
		}
		i, unit := i, unit
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outPath := filepath.Join(outDir, archiveName(backupSetID, unit.Index, strategy.Extension()))
			inputs := make([]string, len(unit.Files))
			for j, f := range unit.Files {
				inputs[j] = f.FilePath
			}

			res, cerr := strategy.Compress(ctx, inputs, outPath, opts)
			if cerr == nil && cfg.Encrypt {
				if eerr := encryptInPlace(outPath, cfg.EncryptionKey); eerr != nil {
					cerr = eerr
				}
			}
			outcome := UnitOutcome{Unit: unit, ArchivePath: outPath, Result: res, Err: cerr}
			outcomes[i] = outcome

			if cerr != nil {
				if log != nil {
					log.Warn("archive unit failed", map[string]interface{}{"unit": unit.Index, "error": cerr.Error()})
				}
				return
			}

			mu.Lock()
			processedFiles += int64(len(unit.Files))
			processedBytes += unit.TotalBytes
			compressedBytes += res.CompressedBytes
			pf, pb, cb := processedFiles, processedBytes, compressedBytes
			mu.Unlock()

			if progress != nil {
				progress(pf, pb, cb, filepath.Base(outPath))
			}

			if cfg.EnableBackgroundCopyUpdate && writer != nil {
				paths := inputs
				err := writer.Submit(ctx, catalog.PriorityHigh, func(ctx context.Context) error {
					_, err := store.MarkFilesQueued(ctx, tableName, backupSetID, paths)
					return err
				})
				if err != nil && log != nil {
					log.Warn("background mark-queued failed", map[string]interface{}{"unit": unit.Index, "error": err.Error()})
				}
			}
		}()
	}

	wg.Wait()

	summary := Summary{EstimatedArchiveCount: len(units), Outcomes: outcomes}
	for _, o := range outcomes {
		summary.TotalBytes += o.Unit.TotalBytes
		summary.CompressedBytes += o.Result.CompressedBytes
	}
	return summary, ctx.Err()
}
