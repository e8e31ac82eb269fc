package tapemgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tapecore/engine/internal/catalog"
	"github.com/tapecore/engine/internal/catalogmodel"
	"github.com/tapecore/engine/internal/database"
	"github.com/tapecore/engine/internal/logging"
)

func newTestManager(t *testing.T) (*Manager, *catalog.Store) {
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

	logger, err := logging.NewLogger("error", "text", "")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return New(store, logger.WithFields(nil), 12), store
}

func TestSelectCartridgeSkipsExpired(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	expired := &catalogmodel.TapeCartridge{
		TapeID:        "TAPE-EXP",
		Label:         "expired",
		Status:        catalogmodel.CartridgeStatusAvailable,
		CapacityBytes: 1_000_000,
		CreatedDate:   time.Now().AddDate(-2, 0, 0),
		ExpiryDate:    time.Now().AddDate(-1, 0, 0),
	}
	if err := store.UpsertCartridge(ctx, expired); err != nil {
		t.Fatalf("upsert cartridge: %v", err)
	}

	cart, err := mgr.SelectCartridge(ctx, 100)
	if err != nil {
		t.Fatalf("select cartridge: %v", err)
	}
	if cart != nil {
		t.Fatalf("expected no cartridge selected, got %v", cart)
	}

	reloaded, err := store.GetCartridge(ctx, "TAPE-EXP")
	if err != nil {
		t.Fatalf("get cartridge: %v", err)
	}
	if reloaded.Status != catalogmodel.CartridgeStatusExpired {
		t.Errorf("expected status expired, got %s", reloaded.Status)
	}
}

func TestSelectCartridgeReturnsAvailable(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	cart := &catalogmodel.TapeCartridge{
		TapeID:        "TAPE-OK",
		Label:         "good",
		Status:        catalogmodel.CartridgeStatusAvailable,
		CapacityBytes: 1_000_000,
		CreatedDate:   time.Now(),
		ExpiryDate:    time.Now().AddDate(1, 0, 0),
	}
	if err := store.UpsertCartridge(ctx, cart); err != nil {
		t.Fatalf("upsert cartridge: %v", err)
	}

	selected, err := mgr.SelectCartridge(ctx, 100)
	if err != nil {
		t.Fatalf("select cartridge: %v", err)
	}
	if selected == nil || selected.TapeID != "TAPE-OK" {
		t.Fatalf("expected TAPE-OK selected, got %v", selected)
	}
}

func TestRecordWriteTransitionsToFull(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	cart := &catalogmodel.TapeCartridge{
		TapeID:        "TAPE-FULL",
		Label:         "fillme",
		Status:        catalogmodel.CartridgeStatusInUse,
		CapacityBytes: 1000,
		CreatedDate:   time.Now(),
		ExpiryDate:    time.Now().AddDate(1, 0, 0),
	}
	if err := store.UpsertCartridge(ctx, cart); err != nil {
		t.Fatalf("upsert cartridge: %v", err)
	}

	if err := mgr.RecordWrite(ctx, "TAPE-FULL", 960); err != nil {
		t.Fatalf("record write: %v", err)
	}

	reloaded, err := store.GetCartridge(ctx, "TAPE-FULL")
	if err != nil {
		t.Fatalf("get cartridge: %v", err)
	}
	if reloaded.Status != catalogmodel.CartridgeStatusFull {
		t.Errorf("expected status full, got %s", reloaded.Status)
	}
}

func TestCheckRetentionInvokesEraseForExpired(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	cart := &catalogmodel.TapeCartridge{
		TapeID:        "TAPE-RET",
		Label:         "old",
		Status:        catalogmodel.CartridgeStatusAvailable,
		CapacityBytes: 1000,
		CreatedDate:   time.Now().AddDate(-2, 0, 0),
		ExpiryDate:    time.Now().AddDate(-1, 0, 0),
	}
	if err := store.UpsertCartridge(ctx, cart); err != nil {
		t.Fatalf("upsert cartridge: %v", err)
	}

	var erasedIDs []string
	expired, err := mgr.CheckRetention(ctx, true, func(ctx context.Context, c *catalogmodel.TapeCartridge) error {
		erasedIDs = append(erasedIDs, c.TapeID)
		return nil
	})
	if err != nil {
		t.Fatalf("check retention: %v", err)
	}
	if len(expired) != 1 || expired[0] != "TAPE-RET" {
		t.Fatalf("expected TAPE-RET reported expired, got %v", expired)
	}
	if len(erasedIDs) != 1 || erasedIDs[0] != "TAPE-RET" {
		t.Fatalf("expected erase invoked for TAPE-RET, got %v", erasedIDs)
	}
}

func TestDriveLockRegistryMutualExclusion(t *testing.T) {
	reg := NewDriveLockRegistry()
	release, err := reg.Acquire(context.Background(), "/dev/nst0")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := reg.Acquire(ctx, "/dev/nst0"); err == nil {
		t.Error("expected second acquire on same device to block until timeout")
	}

	release()

	release2, err := reg.Acquire(context.Background(), "/dev/nst0")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestDriveLockRegistryDifferentDevices(t *testing.T) {
	reg := NewDriveLockRegistry()
	release1, err := reg.Acquire(context.Background(), "/dev/nst0")
	if err != nil {
		t.Fatalf("acquire nst0: %v", err)
	}
	defer release1()

	release2, err := reg.Acquire(context.Background(), "/dev/nst1")
	if err != nil {
		t.Fatalf("acquire nst1 should not block: %v", err)
	}
	release2()
}
