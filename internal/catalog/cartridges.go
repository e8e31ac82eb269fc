package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tapecore/engine/internal/catalogmodel"
)

// UpsertCartridge inserts a new cartridge or updates an existing one by
// tape_id (the label round-tripped from the tape itself).
func (s *Store) UpsertCartridge(ctx context.Context, c *catalogmodel.TapeCartridge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tape_cartridges
			(tape_id, label, status, capacity_bytes, used_bytes, media_type,
			 generation, serial_number, manufacturer, created_date,
			 first_use_date, expiry_date, last_used_date, last_erase_date,
			 write_count, read_count, load_count, pass_count, health_score,
			 error_count, warning_count, backup_group)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tape_id) DO UPDATE SET
			label = excluded.label,
			status = excluded.status,
			capacity_bytes = excluded.capacity_bytes,
			used_bytes = excluded.used_bytes,
			media_type = excluded.media_type,
			generation = excluded.generation,
			expiry_date = excluded.expiry_date,
			last_used_date = excluded.last_used_date,
			last_erase_date = excluded.last_erase_date,
			write_count = excluded.write_count,
			read_count = excluded.read_count,
			load_count = excluded.load_count,
			pass_count = excluded.pass_count,
			health_score = excluded.health_score,
			error_count = excluded.error_count,
			warning_count = excluded.warning_count,
			backup_group = excluded.backup_group
	`, c.TapeID, c.Label, c.Status, c.CapacityBytes, c.UsedBytes, c.MediaType,
		c.Generation, c.SerialNumber, c.Manufacturer, c.CreatedDate,
		nullTime(c.FirstUseDate), c.ExpiryDate, nullTime(c.LastUsedDate), nullTime(c.LastEraseDate),
		c.WriteCount, c.ReadCount, c.LoadCount, c.PassCount, c.HealthScore,
		c.ErrorCount, c.WarningCount, nullString(c.BackupGroup))
	if err != nil {
		return fmt.Errorf("upsert cartridge %s: %w", c.TapeID, err)
	}
	return nil
}

// GetCartridge returns a cartridge by its tape id.
func (s *Store) GetCartridge(ctx context.Context, tapeID string) (*catalogmodel.TapeCartridge, error) {
	row := s.db.QueryRowContext(ctx, cartridgeSelect+" WHERE tape_id = ?", tapeID)
	return scanCartridge(row)
}

// FindAvailableCartridge returns the most-used cartridge with status
// available and at least minFreeBytes free. It does not check expiry;
// tapemgr.Manager.SelectCartridge filters out expired cartridges.
func (s *Store) FindAvailableCartridge(ctx context.Context, minFreeBytes int64) (*catalogmodel.TapeCartridge, error) {
	row := s.db.QueryRowContext(ctx, cartridgeSelect+`
		WHERE status = 'available'
		  AND (capacity_bytes - used_bytes) >= ?
		ORDER BY used_bytes DESC
		LIMIT 1
	`, minFreeBytes)
	return scanCartridge(row)
}

// ListCartridges returns every cartridge, most recently used first.
func (s *Store) ListCartridges(ctx context.Context) ([]*catalogmodel.TapeCartridge, error) {
	rows, err := s.db.QueryContext(ctx, cartridgeSelect+` ORDER BY last_used_date DESC NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("list cartridges: %w", err)
	}
	defer rows.Close()

	var out []*catalogmodel.TapeCartridge
	for rows.Next() {
		c, err := scanCartridgeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCartridgeUsage records a write of writtenBytes: it adds to
// used_bytes, increments write_count, and stamps last_used_date (and
// first_use_date on the first write).
func (s *Store) MarkCartridgeUsage(ctx context.Context, tapeID string, writtenBytes int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tape_cartridges
		SET used_bytes = used_bytes + ?,
		    write_count = write_count + 1,
		    last_used_date = ?,
		    first_use_date = COALESCE(first_use_date, ?)
		WHERE tape_id = ?
	`, writtenBytes, now, now, tapeID)
	return err
}

// SetCartridgeStatus transitions a cartridge's lifecycle status.
func (s *Store) SetCartridgeStatus(ctx context.Context, tapeID string, status catalogmodel.CartridgeStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tape_cartridges SET status = ? WHERE tape_id = ?`, status, tapeID)
	return err
}

// RecordLoad increments a cartridge's load_count and stamps last_used_date,
// mirroring what TapeManager.LoadTape does each time a cartridge is
// mounted into a drive.
func (s *Store) RecordLoad(ctx context.Context, tapeID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tape_cartridges
		SET load_count = load_count + 1,
		    last_used_date = ?,
		    first_use_date = COALESCE(first_use_date, ?)
		WHERE tape_id = ?
	`, now, now, tapeID)
	return err
}

// RenameCartridge changes a cartridge's primary key from oldID to newID,
// used when ErasePreserveLabel writes a fresh scheduler-generated label
// whose tape id differs from the one previously on the medium. If newID
// already has a catalog row (a PK conflict), only the label column is
// updated instead, matching spec.md §4.3's ErasePreserveLabel fallback.
func (s *Store) RenameCartridge(ctx context.Context, oldID, newID, newLabel string) error {
	if oldID == newID {
		_, err := s.db.ExecContext(ctx, `UPDATE tape_cartridges SET label = ? WHERE tape_id = ?`, newLabel, oldID)
		return err
	}

	_, err := s.db.ExecContext(ctx, `UPDATE tape_cartridges SET tape_id = ?, label = ? WHERE tape_id = ?`, newID, newLabel, oldID)
	if err == nil {
		return nil
	}
	// Primary-key collision: newID already has a row of its own. Per
	// spec.md §4.3, fall back to updating only the label on the
	// original row rather than losing the rename entirely.
	_, fallbackErr := s.db.ExecContext(ctx, `UPDATE tape_cartridges SET label = ? WHERE tape_id = ?`, newLabel, oldID)
	if fallbackErr != nil {
		return fmt.Errorf("rename cartridge %s->%s failed (%v) and label-only fallback failed: %w", oldID, newID, err, fallbackErr)
	}
	return nil
}

const cartridgeSelect = `
	SELECT tape_id, label, status, capacity_bytes, used_bytes, media_type,
	       generation, serial_number, manufacturer, created_date,
	       first_use_date, expiry_date, last_used_date, last_erase_date,
	       write_count, read_count, load_count, pass_count, health_score,
	       error_count, warning_count, backup_group
	FROM tape_cartridges
`

func scanCartridge(row *sql.Row) (*catalogmodel.TapeCartridge, error) {
	var c catalogmodel.TapeCartridge
	var firstUse, lastUsed, lastErase sql.NullTime
	var backupGroup sql.NullString

	err := row.Scan(&c.TapeID, &c.Label, &c.Status, &c.CapacityBytes, &c.UsedBytes, &c.MediaType,
		&c.Generation, &c.SerialNumber, &c.Manufacturer, &c.CreatedDate,
		&firstUse, &c.ExpiryDate, &lastUsed, &lastErase,
		&c.WriteCount, &c.ReadCount, &c.LoadCount, &c.PassCount, &c.HealthScore,
		&c.ErrorCount, &c.WarningCount, &backupGroup)
	if err != nil {
		return nil, err
	}
	applyCartridgeNulls(&c, firstUse, lastUsed, lastErase, backupGroup)
	return &c, nil
}

func scanCartridgeRows(rows *sql.Rows) (*catalogmodel.TapeCartridge, error) {
	var c catalogmodel.TapeCartridge
	var firstUse, lastUsed, lastErase sql.NullTime
	var backupGroup sql.NullString

	err := rows.Scan(&c.TapeID, &c.Label, &c.Status, &c.CapacityBytes, &c.UsedBytes, &c.MediaType,
		&c.Generation, &c.SerialNumber, &c.Manufacturer, &c.CreatedDate,
		&firstUse, &c.ExpiryDate, &lastUsed, &lastErase,
		&c.WriteCount, &c.ReadCount, &c.LoadCount, &c.PassCount, &c.HealthScore,
		&c.ErrorCount, &c.WarningCount, &backupGroup)
	if err != nil {
		return nil, err
	}
	applyCartridgeNulls(&c, firstUse, lastUsed, lastErase, backupGroup)
	return &c, nil
}

func applyCartridgeNulls(c *catalogmodel.TapeCartridge, firstUse, lastUsed, lastErase sql.NullTime, backupGroup sql.NullString) {
	if firstUse.Valid {
		c.FirstUseDate = &firstUse.Time
	}
	if lastUsed.Valid {
		c.LastUsedDate = &lastUsed.Time
	}
	if lastErase.Valid {
		c.LastEraseDate = &lastErase.Time
	}
	c.BackupGroup = backupGroup.String
}

// CreateBackupSet records a new materialized run of a task.
func (s *Store) CreateBackupSet(ctx context.Context, set *catalogmodel.BackupSet) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_sets (task_id, tape_id, archive_path, size_bytes)
		VALUES (?, ?, ?, ?)
	`, set.TaskID, nullString(set.TapeID), nullString(set.ArchivePath), set.SizeBytes)
	if err != nil {
		return 0, fmt.Errorf("create backup set: %w", err)
	}
	return res.LastInsertId()
}

// UpdateBackupSetSize updates the recorded size of a backup set after an
// archive unit finishes writing.
func (s *Store) UpdateBackupSetSize(ctx context.Context, id, sizeBytes int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE backup_sets SET size_bytes = ? WHERE id = ?`, sizeBytes, id)
	return err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
