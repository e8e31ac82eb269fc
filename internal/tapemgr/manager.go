// Package tapemgr manages the tape cartridge lifecycle on top of the
// catalog: selecting an available cartridge for a task, loading and
// labeling it, tracking usage and retention, and erasing expired media.
// It owns the mutual-exclusion guarantee that only one task at a time
// drives a given physical drive.
package tapemgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tapecore/engine/internal/catalog"
	"github.com/tapecore/engine/internal/catalogmodel"
	"github.com/tapecore/engine/internal/logging"
	"github.com/tapecore/engine/internal/tapedrive"
)

// Manager coordinates cartridge selection, labeling, retention and the
// drive lock for one or more configured tape devices.
type Manager struct {
	store  *catalog.Store
	log    *logging.FieldLogger
	locks  *DriveLockRegistry
	months int

	currentMu sync.Mutex
	current   map[string]*catalogmodel.TapeCartridge // devicePath -> loaded cartridge
}

// New returns a Manager backed by store, erasing/expiring cartridges
// after defaultRetentionMonths when AutoEraseExpired callers request it.
func New(store *catalog.Store, log *logging.FieldLogger, defaultRetentionMonths int) *Manager {
	return &Manager{
		store:   store,
		log:     log,
		locks:   NewDriveLockRegistry(),
		months:  defaultRetentionMonths,
		current: make(map[string]*catalogmodel.TapeCartridge),
	}
}

// AcquireDrive blocks until devicePath's lock is free, then returns a
// release function the caller must invoke when done with the drive.
func (m *Manager) AcquireDrive(ctx context.Context, devicePath string) (func(), error) {
	return m.locks.Acquire(ctx, devicePath)
}

// SelectCartridge finds the best available cartridge with at least
// minFreeBytes of free capacity, skipping any cartridge whose expiry has
// passed even if the catalog has not yet transitioned its status.
func (m *Manager) SelectCartridge(ctx context.Context, minFreeBytes int64) (*catalogmodel.TapeCartridge, error) {
	for {
		cart, err := m.store.FindAvailableCartridge(ctx, minFreeBytes)
		if err != nil {
			return nil, fmt.Errorf("find available cartridge: %w", err)
		}
		if cart == nil || !cart.IsExpired(time.Now()) {
			return cart, nil
		}
		if err := m.store.SetCartridgeStatus(ctx, cart.TapeID, catalogmodel.CartridgeStatusExpired); err != nil {
			m.log.Warn("mark cartridge expired", map[string]interface{}{"tape_id": cart.TapeID, "error": err.Error()})
			return nil, nil
		}
	}
}

// PrepareCartridge loads devicePath, erasing and relabeling the
// cartridge first if it has expired, then writes a fresh label and marks
// the cartridge in_use.
func (m *Manager) PrepareCartridge(ctx context.Context, driver *tapedrive.Driver, cart *catalogmodel.TapeCartridge, backupGroup string) error {
	if cart.IsExpired(time.Now()) {
		m.log.Info("erasing expired cartridge before reuse", map[string]interface{}{"tape_id": cart.TapeID})
		if err := m.EraseAndReset(ctx, driver, cart); err != nil {
			return fmt.Errorf("erase expired cartridge: %w", err)
		}
	}

	if err := driver.Load(ctx, false); err != nil {
		return fmt.Errorf("load cartridge %s: %w", cart.TapeID, err)
	}

	label := &tapedrive.TapeLabelData{
		Label:       cart.Label,
		TapeUUID:    cart.TapeID,
		BackupGroup: backupGroup,
	}
	if err := driver.WriteLabel(ctx, label); err != nil {
		return fmt.Errorf("write label for %s: %w", cart.TapeID, err)
	}

	if err := m.store.RecordLoad(ctx, cart.TapeID); err != nil {
		return fmt.Errorf("record load: %w", err)
	}
	if err := m.store.SetCartridgeStatus(ctx, cart.TapeID, catalogmodel.CartridgeStatusInUse); err != nil {
		return fmt.Errorf("mark cartridge in_use: %w", err)
	}
	m.setCurrent(devicePathOf(driver), cart)
	return nil
}

// devicePathOf extracts the device node a Driver talks to, so
// PrepareCartridge can key the same current-cartridge tracking LoadTape
// and UnloadTape use.
func devicePathOf(driver *tapedrive.Driver) string {
	return driver.DevicePath
}

// RecordWrite updates a cartridge's usage counters after writeBytes has
// been committed to tape, transitioning it to full once it crosses
// catalogmodel.FullUsageThreshold.
func (m *Manager) RecordWrite(ctx context.Context, tapeID string, writeBytes int64) error {
	if err := m.store.MarkCartridgeUsage(ctx, tapeID, writeBytes); err != nil {
		return fmt.Errorf("mark cartridge usage: %w", err)
	}
	cart, err := m.store.GetCartridge(ctx, tapeID)
	if err != nil {
		return fmt.Errorf("reload cartridge: %w", err)
	}
	if cart.IsFull() {
		return m.store.SetCartridgeStatus(ctx, tapeID, catalogmodel.CartridgeStatusFull)
	}
	return nil
}

// EraseAndReset physically erases the cartridge and resets its catalog
// usage counters and expiry window to a fresh retention period.
func (m *Manager) EraseAndReset(ctx context.Context, driver *tapedrive.Driver, cart *catalogmodel.TapeCartridge) error {
	onProgress := func(p tapedrive.EraseProgress) {
		if m.log != nil {
			m.log.Info("erase in progress", map[string]interface{}{
				"tape_id": cart.TapeID, "poll": p.PollCount, "percent_complete": p.PercentComplete,
			})
		}
	}
	if err := driver.EraseWithProgress(ctx, false, onProgress); err != nil {
		return fmt.Errorf("erase tape: %w", err)
	}

	now := time.Now()
	cart.UsedBytes = 0
	cart.LastEraseDate = &now
	cart.CreatedDate = now
	cart.ExpiryDate = now.AddDate(0, m.retentionMonths(), 0)
	cart.BackupGroup = ""
	cart.Status = catalogmodel.CartridgeStatusAvailable

	return m.store.UpsertCartridge(ctx, cart)
}

func (m *Manager) retentionMonths() int {
	if m.months <= 0 {
		return 12
	}
	return m.months
}

// EraseFunc physically loads and erases one cartridge; the caller
// supplies it because only it knows which drive currently holds (or can
// be made to hold) a given cartridge.
type EraseFunc func(ctx context.Context, cart *catalogmodel.TapeCartridge) error

// CheckRetention scans all cartridges, marking any whose expiry has
// passed as expired and, when autoErase is set, invoking erase for each
// newly-expired cartridge.
func (m *Manager) CheckRetention(ctx context.Context, autoErase bool, erase EraseFunc) ([]string, error) {
	carts, err := m.store.ListCartridges(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cartridges: %w", err)
	}

	now := time.Now()
	var expired []string
	for _, cart := range carts {
		if cart.Status == catalogmodel.CartridgeStatusExpired || !cart.IsExpired(now) {
			continue
		}
		expired = append(expired, cart.TapeID)
		if err := m.store.SetCartridgeStatus(ctx, cart.TapeID, catalogmodel.CartridgeStatusExpired); err != nil {
			m.log.Warn("mark cartridge expired", map[string]interface{}{"tape_id": cart.TapeID, "error": err.Error()})
			continue
		}
		if !autoErase || erase == nil {
			continue
		}
		if err := erase(ctx, cart); err != nil {
			m.log.Warn("auto-erase expired cartridge failed", map[string]interface{}{"tape_id": cart.TapeID, "error": err.Error()})
		}
	}
	return expired, nil
}
