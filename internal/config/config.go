// Package config loads engine configuration from a JSON file, then
// overlays the environment-variable knobs named in the external
// interfaces: SCAN_THREADS, COMPRESSION_METHOD, MAX_FILE_SIZE, and the
// rest of the pipeline tuning surface.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all engine configuration.
type Config struct {
	Database      DatabaseConfig      `json:"database"`
	Tape          TapeConfig          `json:"tape"`
	Scan          ScanConfig          `json:"scan"`
	Compression   CompressionConfig   `json:"compression"`
	Staging       StagingConfig       `json:"staging"`
	Logging       LoggingConfig       `json:"logging"`
	Notifications NotificationsConfig `json:"notifications"`
	Encryption    EncryptionConfig    `json:"encryption"`
}

// EncryptionConfig holds the passphrase/salt pair archive encryption
// derives its AES-256 key from (internal/encryption.DeriveKey). A task
// requesting encryption with no passphrase configured fails at the
// compression stage rather than falling back to plaintext.
type EncryptionConfig struct {
	Passphrase string `json:"passphrase,omitempty"`
	Salt       string `json:"salt,omitempty"`
}

// DatabaseConfig holds catalog database configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// DriveConfig holds configuration for a single tape drive.
type DriveConfig struct {
	DevicePath  string `json:"device_path"`
	DisplayName string `json:"display_name"`
	Enabled     bool   `json:"enabled"`
}

// TapeConfig holds tape subsystem configuration (C2/C3).
type TapeConfig struct {
	DefaultDevice string        `json:"default_device"`
	Drives        []DriveConfig `json:"drives,omitempty"`
	// ToolPath is the external device-control tool invoked for every
	// driver verb (spec.md §6 "Device tool surface"). Defaults to the
	// ITDT-compatible "itdt" binary on PATH.
	ToolPath string `json:"tool_path"`
	// GenericDriverFallback is copied onto tapedrive.Driver.GenericFallback;
	// the driver passes no fallback flag to the tool for it.
	GenericDriverFallback bool `json:"generic_driver_fallback"`
	DefaultBlockSize      int  `json:"default_block_size"`
	MaxVolumeSize         int64 `json:"max_volume_size"`
	DefaultRetentionMonths int  `json:"default_retention_months"`
	AutoEraseExpired       bool `json:"auto_erase_expired"`
	// EnableLTFS is loaded from the JSON config, but nothing else in
	// this module reads it; tapedrive.Driver.ReadLabel/WriteLabel always
	// use the raw label block.
	EnableLTFS     bool   `json:"enable_ltfs"`
	LTFSMountPoint string `json:"ltfs_mount_point,omitempty"`
	TapeDriveLetter string `json:"tape_drive_letter,omitempty"`
	EnableTapeFormatBeforeFull bool `json:"enable_tape_format_before_full"`
}

// ScanConfig holds directory-scanner configuration (C4).
type ScanConfig struct {
	Threads            int  `json:"scan_threads"`
	UseMultithread      bool `json:"use_scan_multithread"`
	BatchThreshold      int  `json:"batch_threshold"`
	BatchFlushInterval  int  `json:"batch_flush_interval_seconds"`
	LogIntervalSeconds  int  `json:"log_interval_seconds"`
}

// CompressionConfig holds archiver configuration (C5).
type CompressionConfig struct {
	Method              string `json:"compression_method"`
	Level               int    `json:"compression_level"`
	Threads             int    `json:"compression_threads"`
	CommandThreads      int    `json:"compression_command_threads"`
	DictionarySizeBytes int    `json:"compression_dictionary_size"`
	ParallelBatches     int    `json:"compression_parallel_batches"`
	MaxFileSizeBytes    int64  `json:"max_file_size"`
}

// StagingConfig holds the filesystem staging layout (C6).
type StagingConfig struct {
	CompressDir                string `json:"backup_compress_dir"`
	CompressDirectlyToTape     bool   `json:"compress_directly_to_tape"`
	EnableBackgroundCopyUpdate bool   `json:"enable_background_copy_update"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // "json" or "text"
	OutputPath string `json:"output_path"`
}

// NotificationsConfig holds the out-of-scope notifier seam's local toggles.
type NotificationsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Email    EmailConfig    `json:"email"`
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// EmailConfig holds SMTP email configuration.
type EmailConfig struct {
	Enabled    bool   `json:"enabled"`
	SMTPHost   string `json:"smtp_host"`
	SMTPPort   int    `json:"smtp_port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	FromEmail  string `json:"from_email"`
	FromName   string `json:"from_name"`
	ToEmails   string `json:"to_emails"`
	UseTLS     bool   `json:"use_tls"`
	SkipVerify bool   `json:"skip_verify"`
}

// DefaultConfig returns a configuration with the defaults named throughout
// spec.md §4 and §6.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "/var/lib/tapecore/catalog.db",
		},
		Tape: TapeConfig{
			DefaultDevice: "/dev/nst0",
			Drives: []DriveConfig{
				{DevicePath: "/dev/nst0", DisplayName: "Primary LTO Drive", Enabled: true},
			},
			ToolPath:               "itdt",
			GenericDriverFallback:  false,
			DefaultBlockSize:       1048576,
			MaxVolumeSize:          0,
			DefaultRetentionMonths: 12,
			AutoEraseExpired:       false,
			EnableLTFS:             false,
			LTFSMountPoint:         "/mnt/ltfs",
			EnableTapeFormatBeforeFull: false,
		},
		Scan: ScanConfig{
			Threads:            4,
			UseMultithread:     true,
			BatchThreshold:     1000,
			BatchFlushInterval: 1200,
			LogIntervalSeconds: 60,
		},
		Compression: CompressionConfig{
			Method:              "zstd",
			Level:               3,
			Threads:             4,
			CommandThreads:      4,
			DictionarySizeBytes: 0,
			ParallelBatches:     2,
			MaxFileSizeBytes:    12 * 1024 * 1024 * 1024,
		},
		Staging: StagingConfig{
			CompressDir:                "temp/compress",
			CompressDirectlyToTape:     false,
			EnableBackgroundCopyUpdate: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "/var/log/tapecore/tapecore.log",
		},
		Notifications: NotificationsConfig{
			Telegram: TelegramConfig{Enabled: false},
			Email:    EmailConfig{Enabled: false, SMTPPort: 587, FromName: "tapecore", UseTLS: true},
		},
	}
}

// Load loads configuration from a JSON file (if present) and then
// overlays any of the environment-variable knobs in spec.md §6 that are
// set. A missing file is not an error: the defaults (plus env overlay)
// are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverlay(cfg)
	return cfg, nil
}

// applyEnvOverlay mutates cfg in place with any environment variables
// from spec.md §6 "Environment knobs" that are set. Unset variables leave
// the existing (file or default) value untouched.
func applyEnvOverlay(cfg *Config) {
	envInt(&cfg.Scan.Threads, "SCAN_THREADS")
	envBool(&cfg.Scan.UseMultithread, "USE_SCAN_MULTITHREAD")

	envString(&cfg.Compression.Method, "COMPRESSION_METHOD")
	envInt(&cfg.Compression.Level, "COMPRESSION_LEVEL")
	envInt(&cfg.Compression.Threads, "COMPRESSION_THREADS")
	envInt(&cfg.Compression.CommandThreads, "COMPRESSION_COMMAND_THREADS")
	envInt(&cfg.Compression.DictionarySizeBytes, "COMPRESSION_DICTIONARY_SIZE")
	envInt(&cfg.Compression.ParallelBatches, "COMPRESSION_PARALLEL_BATCHES")
	envInt64(&cfg.Compression.MaxFileSizeBytes, "MAX_FILE_SIZE")

	envString(&cfg.Staging.CompressDir, "BACKUP_COMPRESS_DIR")
	envBool(&cfg.Staging.CompressDirectlyToTape, "COMPRESS_DIRECTLY_TO_TAPE")
	envBool(&cfg.Staging.EnableBackgroundCopyUpdate, "ENABLE_BACKGROUND_COPY_UPDATE")

	envString(&cfg.Tape.TapeDriveLetter, "TAPE_DRIVE_LETTER")
	envInt(&cfg.Tape.DefaultBlockSize, "DEFAULT_BLOCK_SIZE")
	envInt64(&cfg.Tape.MaxVolumeSize, "MAX_VOLUME_SIZE")
	envInt(&cfg.Tape.DefaultRetentionMonths, "DEFAULT_RETENTION_MONTHS")
	envBool(&cfg.Tape.AutoEraseExpired, "AUTO_ERASE_EXPIRED")
	envBool(&cfg.Tape.EnableTapeFormatBeforeFull, "ENABLE_TAPE_FORMAT_BEFORE_FULL")

	envString(&cfg.Encryption.Passphrase, "ENCRYPTION_PASSPHRASE")
	envString(&cfg.Encryption.Salt, "ENCRYPTION_SALT")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func envInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		*dst = n
	}
}

func envInt64(dst *int64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		*dst = n
	}
}

// Save saves the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
