package tapemgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tapecore/engine/internal/catalogmodel"
	"github.com/tapecore/engine/internal/tapedrive"
)

// ErrInvalidState is returned when a caller asks for a lifecycle
// transition the cartridge or drive state does not permit -- spec.md
// §4.3 requires these be surfaced, never silently coerced.
var ErrInvalidState = errors.New("tapemgr: invalid state transition")

// InventoryStatus summarizes the cartridge inventory for a status
// report: how many cartridges sit in each lifecycle state and how much
// of the fleet's total capacity remains free.
type InventoryStatus struct {
	Total          int
	ByStatus       map[catalogmodel.CartridgeStatus]int
	TotalCapacity  int64
	TotalUsedBytes int64
	TotalFreeBytes int64
}

// GetAvailableTape returns the first cartridge with at least
// minFreeBytes of free, unexpired capacity. If none is found and
// autoErase is set, it erases one expired cartridge via erase and
// retries the selection exactly once, per spec.md §4.3.
func (m *Manager) GetAvailableTape(ctx context.Context, minFreeBytes int64, autoErase bool, erase EraseFunc) (*catalogmodel.TapeCartridge, error) {
	cart, err := m.SelectCartridge(ctx, minFreeBytes)
	if err != nil {
		return nil, err
	}
	if cart != nil || !autoErase || erase == nil {
		return cart, nil
	}

	carts, err := m.store.ListCartridges(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cartridges for auto-erase retry: %w", err)
	}
	now := time.Now()
	for _, c := range carts {
		if c.Status != catalogmodel.CartridgeStatusExpired && !c.IsExpired(now) {
			continue
		}
		if err := erase(ctx, c); err != nil {
			m.log.Warn("auto-erase expired cartridge failed during selection retry", map[string]interface{}{"tape_id": c.TapeID, "error": err.Error()})
			continue
		}
		return m.SelectCartridge(ctx, minFreeBytes)
	}
	return nil, nil
}

// LoadTape acquires devicePath's drive lock, erasing-and-relabeling the
// cartridge first if it has already expired, then rewinds, reads the
// on-tape label, and transitions the cartridge to in_use. If the label
// found on the medium names a different tape id than requested, the
// mismatch is reported through notifier (when configured) and LoadTape
// returns ErrInvalidState rather than proceeding against the wrong
// cartridge. The returned release function must be called to free the
// drive lock; callers normally do so via UnloadTape instead.
func (m *Manager) LoadTape(ctx context.Context, driver *tapedrive.Driver, devicePath string, cart *catalogmodel.TapeCartridge, notifier WrongTapeNotifier) (func(), error) {
	release, err := m.locks.Acquire(ctx, devicePath)
	if err != nil {
		return nil, fmt.Errorf("acquire drive %s: %w", devicePath, err)
	}

	if cart.IsExpired(time.Now()) {
		if _, err := m.ErasePreserveLabel(ctx, driver, cart, false); err != nil {
			release()
			return nil, fmt.Errorf("erase expired cartridge before load: %w", err)
		}
	}

	if err := driver.Rewind(ctx); err != nil {
		release()
		return nil, fmt.Errorf("rewind %s: %w", devicePath, err)
	}

	label, err := driver.ReadLabel(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("read label on %s: %w", devicePath, err)
	}
	if label != nil && label.TapeUUID != "" && label.TapeUUID != cart.TapeID {
		if notifier != nil {
			_ = notifier.NotifyWrongTape(ctx, cart.TapeID, label.TapeUUID)
		}
		release()
		return nil, fmt.Errorf("%w: drive %s holds %s, expected %s", ErrInvalidState, devicePath, label.TapeUUID, cart.TapeID)
	}

	if err := m.store.RecordLoad(ctx, cart.TapeID); err != nil {
		release()
		return nil, fmt.Errorf("record load: %w", err)
	}
	if err := m.store.SetCartridgeStatus(ctx, cart.TapeID, catalogmodel.CartridgeStatusInUse); err != nil {
		release()
		return nil, fmt.Errorf("mark cartridge in_use: %w", err)
	}

	m.setCurrent(devicePath, cart)
	return release, nil
}

// WrongTapeNotifier reports a label mismatch discovered while loading a
// cartridge. notifications.TapeChangeNotifier satisfies this interface;
// it is a narrow interface here so tapemgr does not need to import the
// notifications package's full surface.
type WrongTapeNotifier interface {
	NotifyWrongTape(ctx context.Context, expectedLabel string, actualLabel string) error
}

// UnloadTape writes a final filemark, rewinds, and releases devicePath's
// drive lock, returning the cartridge that was loaded (if any) back to
// available unless it is full, expired, or in error. release is the
// function LoadTape returned; UnloadTape is idempotent -- calling it
// again with no cartridge currently tracked for devicePath is a no-op.
func (m *Manager) UnloadTape(ctx context.Context, driver *tapedrive.Driver, devicePath string, release func()) error {
	cart := m.getCurrent(devicePath)
	if cart == nil {
		return nil
	}

	if err := driver.WriteFilemark(ctx, 1); err != nil {
		m.log.Warn("write final filemark before unload", map[string]interface{}{"device": devicePath, "error": err.Error()})
	}
	if err := driver.Rewind(ctx); err != nil {
		m.log.Warn("rewind before unload", map[string]interface{}{"device": devicePath, "error": err.Error()})
	}

	reloaded, err := m.store.GetCartridge(ctx, cart.TapeID)
	if err != nil {
		return fmt.Errorf("reload cartridge %s: %w", cart.TapeID, err)
	}
	if reloaded.Status != catalogmodel.CartridgeStatusFull &&
		reloaded.Status != catalogmodel.CartridgeStatusExpired &&
		reloaded.Status != catalogmodel.CartridgeStatusError {
		if err := m.store.SetCartridgeStatus(ctx, cart.TapeID, catalogmodel.CartridgeStatusAvailable); err != nil {
			return fmt.Errorf("mark cartridge available: %w", err)
		}
	}

	m.clearCurrent(devicePath)
	if release != nil {
		release()
	}
	return nil
}

// EraseTape performs a long erase of tapeID and resets its usage
// counters and expiry window, leaving it available for immediate reuse.
// It is the direct, label-discarding counterpart to ErasePreserveLabel.
func (m *Manager) EraseTape(ctx context.Context, driver *tapedrive.Driver, tapeID string) error {
	cart, err := m.store.GetCartridge(ctx, tapeID)
	if err != nil {
		return fmt.Errorf("get cartridge %s: %w", tapeID, err)
	}
	if cart == nil {
		return fmt.Errorf("%w: cartridge %s not in catalog", ErrInvalidState, tapeID)
	}
	return m.EraseAndReset(ctx, driver, cart)
}

// ErasePreserveLabel formats cart's medium (clearing all data) and
// rewrites a label, then reconciles the catalog row against whatever
// label ends up back on the tape. When useCurrentYearMonth is false
// (task-driven reuse) the original tape id and label are rewritten
// unchanged. When true (scheduler-driven monthly rollover) a fresh
// `TP<yyyy><mm>01` label is generated instead, and the catalog row is
// renamed to match -- falling back to a label-only update if that id is
// already taken, per spec.md §4.3/§6.
func (m *Manager) ErasePreserveLabel(ctx context.Context, driver *tapedrive.Driver, cart *catalogmodel.TapeCartridge, useCurrentYearMonth bool) (*catalogmodel.TapeCartridge, error) {
	existing, err := driver.ReadLabel(ctx)
	if err != nil {
		m.log.Warn("read label before erase-preserve-label", map[string]interface{}{"tape_id": cart.TapeID, "error": err.Error()})
	}

	onProgress := func(p tapedrive.EraseProgress) {
		if m.log != nil {
			m.log.Info("erase in progress", map[string]interface{}{
				"tape_id": cart.TapeID, "poll": p.PollCount, "percent_complete": p.PercentComplete,
			})
		}
	}
	if err := driver.EraseWithProgress(ctx, false, onProgress); err != nil {
		_ = m.store.SetCartridgeStatus(ctx, cart.TapeID, catalogmodel.CartridgeStatusError)
		return nil, fmt.Errorf("format cartridge %s: %w", cart.TapeID, err)
	}

	newTapeID := cart.TapeID
	newLabel := cart.Label
	if useCurrentYearMonth {
		now := time.Now()
		newTapeID = fmt.Sprintf("TP%04d%02d01", now.Year(), now.Month())
		newLabel = newTapeID
	}

	label := &tapedrive.TapeLabelData{Label: newLabel, TapeUUID: newTapeID, BackupGroup: cart.BackupGroup}
	if existing != nil {
		label.EncryptionKeyFingerprint = existing.EncryptionKeyFingerprint
		label.CompressionType = existing.CompressionType
	}
	if err := driver.WriteLabel(ctx, label); err != nil {
		return nil, fmt.Errorf("write label for %s: %w", newTapeID, err)
	}

	if err := m.store.RenameCartridge(ctx, cart.TapeID, newTapeID, newLabel); err != nil {
		return nil, fmt.Errorf("reconcile catalog after erase-preserve-label: %w", err)
	}

	now := time.Now()
	cart.TapeID = newTapeID
	cart.Label = newLabel
	cart.UsedBytes = 0
	cart.LastEraseDate = &now
	cart.CreatedDate = now
	cart.ExpiryDate = now.AddDate(0, m.retentionMonths(), 0)
	cart.Status = catalogmodel.CartridgeStatusAvailable
	if err := m.store.UpsertCartridge(ctx, cart); err != nil {
		return nil, fmt.Errorf("upsert reconciled cartridge: %w", err)
	}

	return cart, nil
}

// GetCurrentTape returns the cartridge currently tracked as loaded in
// devicePath's drive, or nil if none is loaded.
func (m *Manager) GetCurrentTape(devicePath string) *catalogmodel.TapeCartridge {
	return m.getCurrent(devicePath)
}

// GetTapeInfo is a read-only accessor for a single cartridge's catalog row.
func (m *Manager) GetTapeInfo(ctx context.Context, tapeID string) (*catalogmodel.TapeCartridge, error) {
	return m.store.GetCartridge(ctx, tapeID)
}

// GetInventoryStatus summarizes the full cartridge fleet by lifecycle
// state and aggregate capacity, for status reporting.
func (m *Manager) GetInventoryStatus(ctx context.Context) (*InventoryStatus, error) {
	carts, err := m.store.ListCartridges(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cartridges: %w", err)
	}

	status := &InventoryStatus{ByStatus: make(map[catalogmodel.CartridgeStatus]int)}
	for _, c := range carts {
		status.Total++
		status.ByStatus[c.Status]++
		status.TotalCapacity += c.CapacityBytes
		status.TotalUsedBytes += c.UsedBytes
		status.TotalFreeBytes += c.FreeBytes()
	}
	return status, nil
}

func (m *Manager) setCurrent(devicePath string, cart *catalogmodel.TapeCartridge) {
	m.currentMu.Lock()
	defer m.currentMu.Unlock()
	m.current[devicePath] = cart
}

func (m *Manager) getCurrent(devicePath string) *catalogmodel.TapeCartridge {
	m.currentMu.Lock()
	defer m.currentMu.Unlock()
	return m.current[devicePath]
}

func (m *Manager) clearCurrent(devicePath string) {
	m.currentMu.Lock()
	defer m.currentMu.Unlock()
	delete(m.current, devicePath)
}
