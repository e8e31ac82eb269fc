package tapedrive

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	labelMagic      = "TAPECORE"
	labelDelimiter  = "|"
	labelBlockBytes = 512
	// readLabelTimeout bounds ReadLabel per spec.md §4.2 ("Timeout ≤ 10 s;
	// on timeout, kill and return null"), shorter than
	// DefaultOperationTimeout since a label read blocks whatever else is
	// waiting on the drive.
	readLabelTimeout = 10 * time.Second
)

// TapeLabelData is the structured label written to the first block of a
// tape, ahead of the first backup set's data.
type TapeLabelData struct {
	Label                    string
	TapeUUID                 string
	BackupGroup              string
	Timestamp                int64
	EncryptionKeyFingerprint string
	CompressionType          string
}

// ReadLabel reads and parses the 512-byte label block at the beginning of
// the tape. It returns (nil, nil) when no label is present (blank or
// foreign media), so callers can distinguish "no label" from a read error.
func (d *Driver) ReadLabel(ctx context.Context) (*TapeLabelData, error) {
	if err := d.Rewind(ctx); err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, readLabelTimeout)
	defer cancel()

	cmd := exec.CommandContext(opCtx, "dd", fmt.Sprintf("if=%s", d.DevicePath),
		fmt.Sprintf("bs=%d", labelBlockBytes), "count=1")
	output, err := cmd.Output()
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("read label: %w", err)
	}

	raw := strings.TrimRight(string(output), "\x00")
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, labelDelimiter)
	if len(parts) < 2 || parts[0] != labelMagic {
		return nil, nil
	}

	data := &TapeLabelData{Label: parts[1]}
	if len(parts) >= 3 {
		data.TapeUUID = parts[2]
	}
	if len(parts) >= 4 {
		data.BackupGroup = parts[3]
	}
	if len(parts) >= 5 {
		data.Timestamp, _ = strconv.ParseInt(parts[4], 10, 64)
	}
	if len(parts) >= 6 {
		data.EncryptionKeyFingerprint = parts[5]
	}
	if len(parts) >= 7 {
		data.CompressionType = parts[6]
	}
	return data, nil
}

// WriteLabel writes label to the first block of the tape, followed by a
// file mark, leaving the tape positioned for the first backup set.
func (d *Driver) WriteLabel(ctx context.Context, label *TapeLabelData) error {
	if err := d.Rewind(ctx); err != nil {
		return err
	}

	if label.Timestamp == 0 {
		label.Timestamp = time.Now().Unix()
	}
	fields := []string{labelMagic, label.Label, label.TapeUUID, label.BackupGroup,
		strconv.FormatInt(label.Timestamp, 10), label.EncryptionKeyFingerprint, label.CompressionType}
	raw := strings.Join(fields, labelDelimiter)

	padded := make([]byte, labelBlockBytes)
	copy(padded, []byte(raw))

	cmd := exec.CommandContext(ctx, "dd", fmt.Sprintf("of=%s", d.DevicePath),
		fmt.Sprintf("bs=%d", labelBlockBytes), "count=1")
	cmd.Stdin = bytes.NewReader(padded)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("write label: %s", string(output))
	}

	return d.WriteFilemark(ctx, 1)
}
