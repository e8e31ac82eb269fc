package archiver

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/tapecore/engine/internal/cmdutil"
)

// partialSuffix marks an archive container still being written; the
// writer renames it away once the container is complete and fsync'd
// (spec.md §4.5 "produce output atomically").
const partialSuffix = ".partial"

// writeTarStream copies inputs into a tar stream written to w, using
// each file's absolute path (leading separators stripped) as its entry
// name. Reading is fully streamed: each source file is opened, copied,
// and closed in turn, never buffered whole in memory.
func writeTarStream(ctx context.Context, tw *tar.Writer, inputs []string) (int64, error) {
	var total int64
	for _, path := range inputs {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		info, err := os.Stat(path)
		if err != nil {
			return total, fmt.Errorf("stat %s: %w", path, err)
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return total, fmt.Errorf("tar header for %s: %w", path, err)
		}
		hdr.Name = strings.TrimPrefix(filepath.ToSlash(path), "/")

		if err := tw.WriteHeader(hdr); err != nil {
			return total, fmt.Errorf("write tar header for %s: %w", path, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return total, fmt.Errorf("open %s: %w", path, err)
		}
		n, err := io.Copy(tw, f)
		f.Close()
		total += n
		if err != nil {
			return total, fmt.Errorf("copy %s into archive: %w", path, err)
		}
	}
	return total, nil
}

// createPartial opens outputPath+partialSuffix for writing, truncating
// any stale leftover from a prior crashed run.
func createPartial(outputPath string) (*os.File, error) {
	return os.OpenFile(outputPath+partialSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
}

// commitPartial fsyncs f, closes it, and renames it into place at
// outputPath. On any error (including cancellation) the partial file is
// removed instead, so a crashed or killed run never leaves a half-written
// container masquerading as a finished one.
func commitPartial(f *os.File, outputPath string, failed error) error {
	partialPath := f.Name()
	if failed != nil {
		f.Close()
		os.Remove(partialPath)
		return failed
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(partialPath)
		return fmt.Errorf("fsync %s: %w", partialPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(partialPath)
		return fmt.Errorf("close %s: %w", partialPath, err)
	}
	if err := os.Rename(partialPath, outputPath); err != nil {
		os.Remove(partialPath)
		return fmt.Errorf("rename %s -> %s: %w", partialPath, outputPath, err)
	}
	return nil
}

func inputBytes(inputs []string) int64 {
	var total int64
	for _, p := range inputs {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// tarStrategy writes an uncompressed tar container. Grounded on the
// teacher's plain-tar StreamToTape path (internal/backup/service.go),
// generalized from "stream everything to one device" to "stream one
// archive unit to one output file".
type tarStrategy struct{}

func (tarStrategy) Extension() string { return ".tar" }

func (tarStrategy) Compress(ctx context.Context, inputs []string, outputPath string, _ Options) (Result, error) {
	f, err := createPartial(outputPath)
	if err != nil {
		return Result{}, err
	}

	tw := tar.NewWriter(f)
	written, err := writeTarStream(ctx, tw, inputs)
	if err == nil {
		err = tw.Close()
	}
	if cerr := commitPartial(f, outputPath, err); cerr != nil {
		return Result{}, cerr
	}

	return Result{CompressedBytes: written, InputBytes: written}, nil
}

// pgzipStrategy wraps the tar stream in a parallel-gzip encoder. Grounded
// on the teacher's buildCompressionCmd/StreamToTapeCompressed family,
// which shells out to pigz for parallel gzip; here the equivalent
// github.com/klauspost/pgzip library is used directly instead of a
// subprocess, matching the "use the ecosystem library" mandate.
type pgzipStrategy struct{}

func (pgzipStrategy) Extension() string { return ".tar.gz" }

func (pgzipStrategy) Compress(ctx context.Context, inputs []string, outputPath string, opts Options) (Result, error) {
	f, err := createPartial(outputPath)
	if err != nil {
		return Result{}, err
	}

	level := opts.Level
	if level <= 0 {
		level = pgzip.DefaultCompression
	}
	gw, err := pgzip.NewWriterLevel(f, level)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return Result{}, fmt.Errorf("new pgzip writer: %w", err)
	}
	if opts.Threads > 1 {
		_ = gw.SetConcurrency(1<<20, opts.Threads)
	}

	tw := tar.NewWriter(gw)
	_, err = writeTarStream(ctx, tw, inputs)
	if err == nil {
		err = tw.Close()
	}
	if err == nil {
		err = gw.Close()
	}

	if cerr := commitPartial(f, outputPath, err); cerr != nil {
		return Result{}, cerr
	}

	fi, statErr := os.Stat(outputPath)
	if statErr != nil {
		return Result{}, statErr
	}
	return Result{CompressedBytes: fi.Size(), InputBytes: inputBytes(inputs)}, nil
}

// zstdStrategy wraps the tar stream in a zstd encoder
// (github.com/klauspost/compress/zstd), the default archiver method
// (spec.md §4.5 COMPRESSION_METHOD default). COMPRESSION_LEVEL (an
// integer roughly in 1-22) is mapped onto zstd's four coarse
// EncoderLevel tiers since the library doesn't expose per-integer levels.
type zstdStrategy struct{}

func (zstdStrategy) Extension() string { return ".tar.zst" }

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedDefault
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 9:
		return zstd.SpeedDefault
	case level <= 15:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (zstdStrategy) Compress(ctx context.Context, inputs []string, outputPath string, opts Options) (Result, error) {
	f, err := createPartial(outputPath)
	if err != nil {
		return Result{}, err
	}

	zopts := []zstd.EOption{zstd.WithEncoderLevel(zstdLevel(opts.Level))}
	if opts.Threads > 0 {
		zopts = append(zopts, zstd.WithEncoderConcurrency(opts.Threads))
	}
	if opts.DictionarySizeBytes > 0 {
		zopts = append(zopts, zstd.WithWindowSize(opts.DictionarySizeBytes))
	}

	zw, err := zstd.NewWriter(f, zopts...)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return Result{}, fmt.Errorf("new zstd writer: %w", err)
	}

	tw := tar.NewWriter(zw)
	_, err = writeTarStream(ctx, tw, inputs)
	if err == nil {
		err = tw.Close()
	}
	if err == nil {
		err = zw.Close()
	}

	if cerr := commitPartial(f, outputPath, err); cerr != nil {
		return Result{}, cerr
	}

	fi, statErr := os.Stat(outputPath)
	if statErr != nil {
		return Result{}, statErr
	}
	return Result{CompressedBytes: fi.Size(), InputBytes: inputBytes(inputs)}, nil
}

// sevenZipStrategy shells out to the 7z/7za command line tool, the way
// the teacher shells out to pigz for its command-based compression path.
// Inputs are passed via an @listfile rather than argv so large archive
// units (tens of thousands of paths) never hit the OS argv length limit.
type sevenZipStrategy struct {
	toolPath string
}

func (sevenZipStrategy) Extension() string { return ".7z" }

var sevenZipRetryableCodes = []int{2}
var sevenZipFaultCodes = []int{7, 8}

func (s sevenZipStrategy) Compress(ctx context.Context, inputs []string, outputPath string, opts Options) (Result, error) {
	partialPath := outputPath + partialSuffix
	os.Remove(partialPath)

	listFile, err := os.CreateTemp("", "archiver-7z-list-*.txt")
	if err != nil {
		return Result{}, fmt.Errorf("create 7z listfile: %w", err)
	}
	defer os.Remove(listFile.Name())
	for _, p := range inputs {
		fmt.Fprintln(listFile, p)
	}
	listFile.Close()

	threads := opts.CommandThreads
	if threads <= 0 {
		threads = 1
	}
	level := opts.Level
	if level <= 0 {
		level = 5
	}

	args := []string{"a", "-t7z",
		fmt.Sprintf("-mx=%d", level),
		fmt.Sprintf("-mmt=%d", threads),
		partialPath,
		"@" + listFile.Name(),
	}
	cmd := exec.CommandContext(ctx, s.tool(), args...)

	if err := cmd.Run(); err != nil {
		os.Remove(partialPath)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		kind := cmdutil.ClassifyExitError(err, sevenZipRetryableCodes, sevenZipFaultCodes)
		return Result{}, fmt.Errorf("7z (%s): %s", kind, cmdutil.ErrorDetail(err, nil))
	}

	f, err := os.Open(partialPath)
	if err != nil {
		return Result{}, err
	}
	syncErr := f.Sync()
	f.Close()
	if syncErr != nil {
		os.Remove(partialPath)
		return Result{}, fmt.Errorf("fsync %s: %w", partialPath, syncErr)
	}
	if err := os.Rename(partialPath, outputPath); err != nil {
		os.Remove(partialPath)
		return Result{}, fmt.Errorf("rename %s -> %s: %w", partialPath, outputPath, err)
	}

	fi, err := os.Stat(outputPath)
	if err != nil {
		return Result{}, err
	}
	return Result{CompressedBytes: fi.Size(), InputBytes: inputBytes(inputs)}, nil
}

func (s sevenZipStrategy) tool() string {
	if s.toolPath != "" {
		return s.toolPath
	}
	return "7z"
}
