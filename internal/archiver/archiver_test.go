package archiver

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tapecore/engine/internal/catalogmodel"
	"github.com/tapecore/engine/internal/encryption"
)

func rowsOf(sizes ...int64) []catalogmodel.FileInventoryRow {
	rows := make([]catalogmodel.FileInventoryRow, len(sizes))
	for i, s := range sizes {
		rows[i] = catalogmodel.FileInventoryRow{ID: int64(i + 1), FilePath: "f", FileSize: s, MTime: time.Now()}
	}
	return rows
}

func TestPartitionUnitsOrderPreservingBoundary(t *testing.T) {
	// scenario 2 (spec.md §8): x=600, y=500, z=400, max=1000 -> {x}, {y,z}
	files := rowsOf(600, 500, 400)
	units := PartitionUnits(files, 1000)
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if len(units[0].Files) != 1 || units[0].Files[0].FileSize != 600 {
		t.Errorf("expected unit 0 = {600}, got %+v", units[0].Files)
	}
	if len(units[1].Files) != 2 || units[1].TotalBytes != 900 {
		t.Errorf("expected unit 1 = {500,400}, got %+v", units[1].Files)
	}
}

func TestPartitionUnitsOversizeSingleFile(t *testing.T) {
	// scenario 3: big=5000, small=100, max=1000 -> {big}, {small}
	files := rowsOf(5000, 100)
	units := PartitionUnits(files, 1000)
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if len(units[0].Files) != 1 || units[0].Files[0].FileSize != 5000 {
		t.Errorf("expected oversize file alone, got %+v", units[0].Files)
	}
	if len(units[1].Files) != 1 || units[1].Files[0].FileSize != 100 {
		t.Errorf("expected small file alone in second unit, got %+v", units[1].Files)
	}
}

func TestPartitionUnitsExactBoundaryPlusOne(t *testing.T) {
	// boundary behavior: a single file of MAX_FILE_SIZE+1 produces
	// exactly one archive unit containing only that file.
	files := rowsOf(1001)
	units := PartitionUnits(files, 1000)
	if len(units) != 1 || len(units[0].Files) != 1 {
		t.Fatalf("expected exactly one single-file unit, got %+v", units)
	}
}

func TestPartitionUnitsEmpty(t *testing.T) {
	units := PartitionUnits(nil, 1000)
	if len(units) != 0 {
		t.Errorf("expected no units for empty input, got %d", len(units))
	}
}

func TestTarStrategyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(a, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("world!!"), 0644); err != nil {
		t.Fatal(err)
	}

	strat := tarStrategy{}
	out := filepath.Join(dir, "out.tar")
	res, err := strat.Compress(context.Background(), []string{a, b}, out, Options{})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if res.InputBytes != int64(len("hello")+len("world!!")) {
		t.Errorf("unexpected input bytes: %d", res.InputBytes)
	}

	if _, err := os.Stat(out + partialSuffix); !os.IsNotExist(err) {
		t.Errorf("expected partial file to be gone, stat err=%v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 tar entries, got %d: %v", len(names), names)
	}
}

func TestPgzipStrategyProducesValidGzip(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(a, []byte("some content to compress"), 0644); err != nil {
		t.Fatal(err)
	}

	strat := pgzipStrategy{}
	out := filepath.Join(dir, "out.tar.gz")
	if _, err := strat.Compress(context.Background(), []string{a}, out, Options{Level: 6, Threads: 2}); err != nil {
		t.Fatalf("compress: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("not a valid gzip stream: %v", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("read tar entry: %v", err)
	}
	if hdr.Name == "" {
		t.Error("expected non-empty tar entry name")
	}
}

func TestCompressCancellationRemovesPartial(t *testing.T) {
	dir := t.TempDir()
	files := make([]string, 50)
	for i := range files {
		p := filepath.Join(dir, "f")
		files[i] = p
	}
	// intentionally reuse a single real file path repeated; cancel before
	// the loop starts so no output should exist at all.
	if err := os.WriteFile(files[0], []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	strat := tarStrategy{}
	out := filepath.Join(dir, "cancelled.tar")
	_, err := strat.Compress(ctx, files, out, Options{})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if _, statErr := os.Stat(out + partialSuffix); !os.IsNotExist(statErr) {
		t.Errorf("expected no partial file left behind, stat err=%v", statErr)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Errorf("expected no output file for a cancelled compress, stat err=%v", statErr)
	}
}

type fakePager struct {
	pages [][]catalogmodel.FileInventoryRow
	calls int
}

func (p *fakePager) FetchPendingFiles(ctx context.Context, tableName string, backupSetID int64, cursor int64, limit int) ([]catalogmodel.FileInventoryRow, error) {
	if p.calls >= len(p.pages) {
		return nil, nil
	}
	page := p.pages[p.calls]
	p.calls++
	return page, nil
}

func TestFetchAllPendingPagesUntilShortRead(t *testing.T) {
	pager := &fakePager{pages: [][]catalogmodel.FileInventoryRow{
		rowsOf(1, 2, 3),
		rowsOf(4, 5),
	}}
	// The first page (3 rows) is already shorter than fetchPageSize, so
	// fetchAllPending stops after it and never asks for the second page.
	all, err := fetchAllPending(context.Background(), pager, "t", 1)
	if err != nil {
		t.Fatalf("fetchAllPending: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows from the short first page, got %d", len(all))
	}
	if pager.calls != 1 {
		t.Fatalf("expected 1 page fetch, got %d", pager.calls)
	}
}

func TestEncryptInPlaceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup_1_000.tar.zst")
	plaintext := []byte("archive container bytes that must survive encryption round-trip")
	if err := os.WriteFile(path, plaintext, 0644); err != nil {
		t.Fatalf("write plaintext: %v", err)
	}

	key := bytes.Repeat([]byte{0x42}, 32)
	if err := encryptInPlace(path, key); err != nil {
		t.Fatalf("encryptInPlace: %v", err)
	}

	if _, err := os.Stat(path + ".enc.partial"); !os.IsNotExist(err) {
		t.Errorf("expected no leftover partial file, stat err=%v", err)
	}

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ciphertext: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("expected ciphertext to differ from plaintext")
	}

	dec, err := encryption.NewDecryptingReader(bytes.NewReader(ciphertext), key)
	if err != nil {
		t.Fatalf("NewDecryptingReader: %v", err)
	}
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypted mismatch: got %q want %q", got, plaintext)
	}
}
