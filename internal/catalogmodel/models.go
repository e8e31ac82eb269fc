// Package catalogmodel defines the row types persisted by the catalog store.
package catalogmodel

import (
	"time"
)

// TaskType identifies the kind of backup a task performs.
type TaskType string

const (
	TaskTypeFull         TaskType = "full"
	TaskTypeIncremental  TaskType = "incremental"
	TaskTypeDifferential TaskType = "differential"
	TaskTypeMonthlyFull  TaskType = "monthly_full"
)

// TaskStatus is the lifecycle state of a task execution.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ScanStatus tracks which stage of the scan->compress->copy->finalize
// pipeline a running task is currently in.
type ScanStatus string

const (
	ScanStatusNone        ScanStatus = "none"
	ScanStatusScanning    ScanStatus = "scanning"
	ScanStatusCompressing ScanStatus = "compressing"
	ScanStatusCopying     ScanStatus = "copying"
	ScanStatusFinalizing  ScanStatus = "finalizing"
	ScanStatusFailed      ScanStatus = "failed"
	ScanStatusCancelled   ScanStatus = "cancelled"
)

// ResultSummary is the free-form terminal report attached to a task.
type ResultSummary struct {
	EstimatedArchiveCount int      `json:"estimated_archive_count"`
	TotalScannedBytes     int64    `json:"total_scanned_bytes"`
	Errors                []string `json:"errors,omitempty"`
}

// Task is a planned or running backup execution, or (when IsTemplate is
// true) a reusable definition that executions are cloned from.
type Task struct {
	ID                 int64          `json:"id" db:"id"`
	TaskType           TaskType       `json:"task_type" db:"task_type"`
	SourcePaths        []string       `json:"source_paths" db:"source_paths"`
	ExcludePatterns    []string       `json:"exclude_patterns" db:"exclude_patterns"`
	CompressionEnabled bool           `json:"compression_enabled" db:"compression_enabled"`
	EncryptionEnabled  bool           `json:"encryption_enabled" db:"encryption_enabled"`
	RetentionDays      int            `json:"retention_days" db:"retention_days"`
	TapeDevice         string         `json:"tape_device,omitempty" db:"tape_device"`
	Status             TaskStatus     `json:"status" db:"status"`
	ScanStatus         ScanStatus     `json:"scan_status" db:"scan_status"`
	TotalFiles         int64          `json:"total_files" db:"total_files"`
	ProcessedFiles     int64          `json:"processed_files" db:"processed_files"`
	TotalBytes         int64          `json:"total_bytes" db:"total_bytes"`
	ProcessedBytes     int64          `json:"processed_bytes" db:"processed_bytes"`
	CompressedBytes    int64          `json:"compressed_bytes" db:"compressed_bytes"`
	ProgressPercent    float64        `json:"progress_percent" db:"progress_percent"`
	Description        string         `json:"description" db:"description"`
	ResultSummary      *ResultSummary `json:"result_summary,omitempty" db:"result_summary"`
	IsTemplate         bool           `json:"is_template" db:"is_template"`
	ErrorMessage       string         `json:"error_message,omitempty" db:"error_message"`
	BackupFilesTable   string         `json:"backup_files_table,omitempty" db:"backup_files_table"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	ScheduleCron       string         `json:"schedule_cron,omitempty" db:"schedule_cron"`
	NextRunAt          *time.Time     `json:"next_run_at,omitempty" db:"next_run_at"`
	LastRunAt          *time.Time     `json:"last_run_at,omitempty" db:"last_run_at"`
}

// CompressionRatio returns CompressedBytes/ProcessedBytes, or 0 when the
// denominator is zero (spec.md §4.7 finalize step).
func (t *Task) CompressionRatio() float64 {
	if t.ProcessedBytes == 0 {
		return 0
	}
	return float64(t.CompressedBytes) / float64(t.ProcessedBytes)
}

// FileInventoryRow is one row of a per-task backup_files_<taskid> table.
type FileInventoryRow struct {
	ID            int64      `json:"id" db:"id"`
	BackupSetID   int64      `json:"backup_set_id" db:"backup_set_id"`
	FilePath      string     `json:"file_path" db:"file_path"`
	FileSize      int64      `json:"file_size" db:"file_size"`
	MTime         time.Time  `json:"mtime" db:"mtime"`
	IsCopySuccess *bool      `json:"is_copy_success" db:"is_copy_success"`
	CopyStatusAt  *time.Time `json:"copy_status_at,omitempty" db:"copy_status_at"`
	ArchiveID     string     `json:"archive_id,omitempty" db:"archive_id"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// BackupFilesGroup maps a task to the physical inventory table that backs it.
type BackupFilesGroup struct {
	ID        int64  `json:"id" db:"id"`
	TaskID    int64  `json:"task_id" db:"task_id"`
	TableName string `json:"table_name" db:"table_name"`
}

// CartridgeStatus is the lifecycle state of a tape cartridge.
type CartridgeStatus string

const (
	CartridgeStatusNew         CartridgeStatus = "new"
	CartridgeStatusAvailable   CartridgeStatus = "available"
	CartridgeStatusInUse       CartridgeStatus = "in_use"
	CartridgeStatusFull        CartridgeStatus = "full"
	CartridgeStatusExpired     CartridgeStatus = "expired"
	CartridgeStatusError       CartridgeStatus = "error"
	CartridgeStatusMaintenance CartridgeStatus = "maintenance"
	CartridgeStatusRetired     CartridgeStatus = "retired"
)

// FullUsageThreshold is the fraction of capacity at which a cartridge is
// considered full even if used_bytes has not yet reached capacity_bytes.
const FullUsageThreshold = 0.95

// TapeCartridge is one physical tape and its catalog metadata.
type TapeCartridge struct {
	TapeID        string          `json:"tape_id" db:"tape_id"`
	Label         string          `json:"label" db:"label"`
	Status        CartridgeStatus `json:"status" db:"status"`
	CapacityBytes int64           `json:"capacity_bytes" db:"capacity_bytes"`
	UsedBytes     int64           `json:"used_bytes" db:"used_bytes"`
	MediaType     string          `json:"media_type" db:"media_type"`
	Generation    string          `json:"generation" db:"generation"`
	SerialNumber  string          `json:"serial_number" db:"serial_number"`
	Manufacturer  string          `json:"manufacturer" db:"manufacturer"`
	CreatedDate   time.Time       `json:"created_date" db:"created_date"`
	FirstUseDate  *time.Time      `json:"first_use_date,omitempty" db:"first_use_date"`
	ExpiryDate    time.Time       `json:"expiry_date" db:"expiry_date"`
	LastUsedDate  *time.Time      `json:"last_used_date,omitempty" db:"last_used_date"`
	LastEraseDate *time.Time      `json:"last_erase_date,omitempty" db:"last_erase_date"`
	WriteCount    int64           `json:"write_count" db:"write_count"`
	ReadCount     int64           `json:"read_count" db:"read_count"`
	LoadCount     int64           `json:"load_count" db:"load_count"`
	PassCount     int64           `json:"pass_count" db:"pass_count"`
	HealthScore   int             `json:"health_score" db:"health_score"`
	ErrorCount    int64           `json:"error_count" db:"error_count"`
	WarningCount  int64           `json:"warning_count" db:"warning_count"`
	BackupGroup   string          `json:"backup_group,omitempty" db:"backup_group"`
	BackupSets    []int64         `json:"backup_sets,omitempty" db:"-"`
}

// FreeBytes returns the remaining capacity on the cartridge.
func (c *TapeCartridge) FreeBytes() int64 {
	free := c.CapacityBytes - c.UsedBytes
	if free < 0 {
		return 0
	}
	return free
}

// IsFull reports whether the cartridge has reached capacity or the
// FullUsageThreshold fraction of it (spec.md §3 "Derived").
func (c *TapeCartridge) IsFull() bool {
	if c.CapacityBytes <= 0 {
		return c.UsedBytes > 0
	}
	if c.UsedBytes >= c.CapacityBytes {
		return true
	}
	return float64(c.UsedBytes)/float64(c.CapacityBytes) >= FullUsageThreshold
}

// IsExpired reports whether the cartridge's expiry has passed, using
// year/month granularity exclusively (spec.md §3, Open Question (a)):
// the current (year, month) must be >= the expiry (year, month).
func (c *TapeCartridge) IsExpired(now time.Time) bool {
	ny, nm, _ := now.Date()
	ey, em, _ := c.ExpiryDate.Date()
	if ny != ey {
		return ny > ey
	}
	return nm >= em
}

// BackupSet represents one materialized run of a task.
type BackupSet struct {
	ID          int64     `json:"id" db:"id"`
	TaskID      int64     `json:"task_id" db:"task_id"`
	TapeID      string    `json:"tape_id,omitempty" db:"tape_id"`
	ArchivePath string    `json:"archive_path,omitempty" db:"archive_path"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// LTOCapacities maps LTO generation to native capacity in bytes.
var LTOCapacities = map[string]int64{
	"LTO-1":  100000000000,
	"LTO-2":  200000000000,
	"LTO-3":  400000000000,
	"LTO-4":  800000000000,
	"LTO-5":  1500000000000,
	"LTO-6":  2500000000000,
	"LTO-7":  6000000000000,
	"LTO-8":  12000000000000,
	"LTO-9":  18000000000000,
	"LTO-10": 36000000000000,
}
