package tapedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

const (
	tocMagic     = "TAPECORE-TOC"
	tocVersion   = 1
	tocBlockSize = 65536
)

// TapeTOC is the self-describing table of contents written as the final
// file section on a tape, after all backup data: [Label][FM][Data][FM]
// [TOC][FM][EOD]. It lets a tape be read back without the catalog.
type TapeTOC struct {
	Magic          string         `json:"magic"`
	Version        int            `json:"version"`
	TapeLabel      string         `json:"tape_label"`
	TapeUUID       string         `json:"tape_uuid"`
	CreatedAt      time.Time      `json:"created_at"`
	SpanningSetID  int64          `json:"spanning_set_id,omitempty"`
	SequenceNumber int            `json:"sequence_number,omitempty"`
	TotalTapes     int            `json:"total_tapes,omitempty"`
	BackupSets     []TOCBackupSet `json:"backup_sets"`
}

// TOCBackupSet is one task execution's entry within a tape's TOC.
type TOCBackupSet struct {
	FileNumber      int            `json:"file_number"`
	TaskID          int64          `json:"task_id"`
	TaskType        string         `json:"task_type"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
	FileCount       int64          `json:"file_count"`
	TotalBytes      int64          `json:"total_bytes"`
	Encrypted       bool           `json:"encrypted"`
	HwEncrypted     bool           `json:"hw_encrypted,omitempty"`
	Compressed      bool           `json:"compressed"`
	CompressionType string         `json:"compression_type,omitempty"`
	Files           []TOCFileEntry `json:"files"`
}

// TOCFileEntry is one cataloged file within a TOCBackupSet.
type TOCFileEntry struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	ModTime  string `json:"mod_time,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// NewTapeTOC returns an empty TOC stamped with the current time.
func NewTapeTOC(tapeLabel, tapeUUID string) *TapeTOC {
	return &TapeTOC{
		Magic:      tocMagic,
		Version:    tocVersion,
		TapeLabel:  tapeLabel,
		TapeUUID:   tapeUUID,
		CreatedAt:  time.Now(),
		BackupSets: []TOCBackupSet{},
	}
}

// MarshalTOC serializes a TOC to JSON.
func MarshalTOC(toc *TapeTOC) ([]byte, error) {
	return json.Marshal(toc)
}

// UnmarshalTOC parses and validates a TOC read back from tape.
func UnmarshalTOC(data []byte) (*TapeTOC, error) {
	var toc TapeTOC
	if err := json.Unmarshal(data, &toc); err != nil {
		return nil, fmt.Errorf("unmarshal TOC: %w", err)
	}
	if toc.Magic != tocMagic {
		return nil, fmt.Errorf("invalid TOC magic: expected %q, got %q", tocMagic, toc.Magic)
	}
	return &toc, nil
}

// WriteTOC writes toc to the tape at the current position as JSON padded
// to a 64KB block boundary, followed by a file mark. Call this after
// writing all backup data and its trailing file mark.
func (d *Driver) WriteTOC(ctx context.Context, toc *TapeTOC) error {
	tocData, err := json.MarshalIndent(toc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal TOC: %w", err)
	}

	padSize := tocBlockSize - (len(tocData) % tocBlockSize)
	if padSize < tocBlockSize {
		tocData = append(tocData, make([]byte, padSize)...)
	}

	cmd := exec.CommandContext(ctx, "dd",
		fmt.Sprintf("of=%s", d.DevicePath),
		fmt.Sprintf("bs=%d", tocBlockSize),
		fmt.Sprintf("count=%d", len(tocData)/tocBlockSize),
	)
	cmd.Stdin = bytes.NewReader(tocData)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("write TOC to tape: %s", string(output))
	}

	if err := d.WriteFilemark(ctx, 1); err != nil {
		return fmt.Errorf("write file mark after TOC: %w", err)
	}
	return nil
}

// ReadTOC reads up to 16MB of TOC data from the current tape position.
// The caller must have already positioned the tape at the TOC's file
// section (conventionally file #2, after the label and backup data).
func (d *Driver) ReadTOC(ctx context.Context) (*TapeTOC, error) {
	cmd := exec.CommandContext(ctx, "dd",
		fmt.Sprintf("if=%s", d.DevicePath),
		fmt.Sprintf("bs=%d", tocBlockSize),
		"count=256",
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("read TOC from tape: %w", err)
	}

	trimmed := output
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] != 0 {
			trimmed = trimmed[:i+1]
			break
		}
	}

	return UnmarshalTOC(trimmed)
}
