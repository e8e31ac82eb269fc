package tapedrive

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DriveStatisticsData holds parsed drive health statistics pulled from
// tapeinfo and the sg_logs log-sense pages.
type DriveStatisticsData struct {
	TotalBytesRead      int64
	TotalBytesWritten    int64
	ReadErrors          int64
	WriteErrors         int64
	TotalLoadCount      int64
	CleaningRequired    bool
	PowerOnHours        int64
	LifetimePowerCycles int64
	TemperatureC        int64
	ReadCompressionPct  int64
	WriteCompressionPct int64
	TapeAlertFlags      string
}

// GetDriveStatistics runs tapeinfo plus the sg_logs log pages (temperature
// 0x0d, device statistics 0x14, data compression 0x1b, tape alert 0x2e)
// and merges their output into one statistics snapshot.
func (d *Driver) GetDriveStatistics(ctx context.Context) (*DriveStatisticsData, error) {
	stats := &DriveStatisticsData{}

	if output, err := exec.CommandContext(ctx, "tapeinfo", "-f", d.DevicePath).CombinedOutput(); err == nil {
		parseTapeInfoStats(string(output), stats)
	}
	if output, err := exec.CommandContext(ctx, "sg_logs", "-p", "0x0d", d.DevicePath).CombinedOutput(); err == nil {
		parseTemperaturePage(string(output), stats)
	}
	if output, err := exec.CommandContext(ctx, "sg_logs", "-p", "0x14", d.DevicePath).CombinedOutput(); err == nil {
		parseDeviceStatisticsPage(string(output), stats)
	}
	if output, err := exec.CommandContext(ctx, "sg_logs", "-p", "0x1b", d.DevicePath).CombinedOutput(); err == nil {
		parseDataCompressionPage(string(output), stats)
	}
	if output, err := exec.CommandContext(ctx, "sg_logs", "-p", "0x2e", d.DevicePath).CombinedOutput(); err == nil {
		parseTapeAlertPage(string(output), stats)
	}

	return stats, nil
}

func parseTapeInfoStats(output string, stats *DriveStatisticsData) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch {
		case key == "Total Loads" || key == "LoadCount":
			stats.TotalLoadCount, _ = strconv.ParseInt(value, 10, 64)
		case key == "Total Written" || strings.Contains(key, "TotalWritten"):
			stats.TotalBytesWritten, _ = strconv.ParseInt(value, 10, 64)
		case key == "Total Read" || strings.Contains(key, "TotalRead"):
			stats.TotalBytesRead, _ = strconv.ParseInt(value, 10, 64)
		case key == "Write Errors" || strings.Contains(key, "WriteErrors"):
			stats.WriteErrors, _ = strconv.ParseInt(value, 10, 64)
		case key == "Read Errors" || strings.Contains(key, "ReadErrors"):
			stats.ReadErrors, _ = strconv.ParseInt(value, 10, 64)
		case key == "CleaningRequired" || strings.Contains(key, "Cleaning"):
			stats.CleaningRequired = strings.Contains(strings.ToLower(value), "yes") || value == "1"
		case key == "PowerOnHours" || strings.Contains(key, "Power On"):
			stats.PowerOnHours, _ = strconv.ParseInt(value, 10, 64)
		}
	}
}

func parseTemperaturePage(output string, stats *DriveStatisticsData) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.Contains(line, "Current temperature") && !strings.Contains(line, "not available") {
			stats.TemperatureC = extractSgLogsValue(line)
		}
	}
}

func parseDeviceStatisticsPage(output string, stats *DriveStatisticsData) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.Contains(line, "Lifetime media loads"):
			if v := extractSgLogsColonValue(line); v > 0 {
				stats.TotalLoadCount = v
			}
		case strings.Contains(line, "Lifetime power on hours"):
			if v := extractSgLogsColonValue(line); v > 0 {
				stats.PowerOnHours = v
			}
		case strings.Contains(line, "Lifetime power cycles"):
			if v := extractSgLogsColonValue(line); v > 0 {
				stats.LifetimePowerCycles = v
			}
		case strings.Contains(line, "Hard write errors"):
			if v := extractSgLogsColonValue(line); v > 0 {
				stats.WriteErrors = v
			}
		case strings.Contains(line, "Hard read errors"):
			if v := extractSgLogsColonValue(line); v > 0 {
				stats.ReadErrors = v
			}
		}
	}
}

func parseDataCompressionPage(output string, stats *DriveStatisticsData) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.Contains(line, "Read compression ratio"):
			if v := extractSgLogsColonValue(line); v > 0 {
				stats.ReadCompressionPct = v
			}
		case strings.Contains(line, "Write compression ratio"):
			if v := extractSgLogsColonValue(line); v > 0 {
				stats.WriteCompressionPct = v
			}
		}
	}
}

func parseTapeAlertPage(output string, stats *DriveStatisticsData) {
	var active []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		colonIdx := strings.LastIndex(line, ":")
		if colonIdx < 0 {
			continue
		}
		label := strings.TrimSpace(line[:colonIdx])
		value := strings.TrimSpace(line[colonIdx+1:])
		if strings.HasPrefix(label, "Reserved") || strings.HasPrefix(label, "Obsolete") {
			continue
		}
		if value == "1" {
			active = append(active, label)
		}
	}
	if len(active) > 0 {
		stats.TapeAlertFlags = strings.Join(active, ",")
	}
}

func extractSgLogsValue(line string) int64 {
	eqIdx := strings.LastIndex(line, "=")
	if eqIdx < 0 {
		return 0
	}
	fields := strings.Fields(strings.TrimSpace(line[eqIdx+1:]))
	if len(fields) == 0 {
		return 0
	}
	v, _ := strconv.ParseInt(fields[0], 10, 64)
	return v
}

func extractSgLogsColonValue(line string) int64 {
	colonIdx := strings.LastIndex(line, ":")
	if colonIdx < 0 {
		return 0
	}
	fields := strings.Fields(strings.TrimSpace(line[colonIdx+1:]))
	if len(fields) == 0 {
		return 0
	}
	v, _ := strconv.ParseInt(fields[0], 10, 64)
	return v
}

// HardwareEncryptionStatus is the drive firmware's AES-256-GCM encryption
// state, queried and set via the stenc utility (LTO-4 and later drives).
type HardwareEncryptionStatus struct {
	Supported bool
	Enabled   bool
	Algorithm string
	Mode      string // "on", "mixed", "off", "rawread"
	Error     string
}

// SetHardwareEncryption enables drive-level AES-256-GCM encryption with a
// 256-bit key, passed to stenc via a restrictively-permissioned temp file
// that is removed immediately after the call.
func (d *Driver) SetHardwareEncryption(ctx context.Context, keyData []byte) error {
	if len(keyData) != 32 {
		return fmt.Errorf("hardware encryption requires a 256-bit (32-byte) key, got %d bytes", len(keyData))
	}

	keyFilePath := filepath.Join(os.TempDir(), fmt.Sprintf("tapecore-hwenc-%d.key", time.Now().UnixNano()))
	tmpFile, err := os.OpenFile(keyFilePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create temporary key file: %w", err)
	}
	defer os.Remove(keyFilePath)

	if _, err := tmpFile.Write(keyData); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write key to temporary file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temporary key file: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
	defer cancel()

	cmd := exec.CommandContext(opCtx, "stenc", "-f", d.DevicePath, "-e", "on", "-k", keyFilePath, "-a", "1")
	if output, err := cmd.CombinedOutput(); err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("set hardware encryption timed out after %v: %w", DefaultOperationTimeout, ErrOperationTimeout)
		}
		return fmt.Errorf("set hardware encryption: %s", string(output))
	}
	return nil
}

// ClearHardwareEncryption disables drive-level encryption.
func (d *Driver) ClearHardwareEncryption(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
	defer cancel()

	cmd := exec.CommandContext(opCtx, "stenc", "-f", d.DevicePath, "-e", "off")
	if output, err := cmd.CombinedOutput(); err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("clear hardware encryption timed out after %v: %w", DefaultOperationTimeout, ErrOperationTimeout)
		}
		return fmt.Errorf("clear hardware encryption: %s", string(output))
	}
	return nil
}

// GetHardwareEncryptionStatus queries stenc --detail for the current
// drive encryption mode.
func (d *Driver) GetHardwareEncryptionStatus(ctx context.Context) (*HardwareEncryptionStatus, error) {
	status := &HardwareEncryptionStatus{Mode: "off"}

	opCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
	defer cancel()

	cmd := exec.CommandContext(opCtx, "stenc", "-f", d.DevicePath, "--detail")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			status.Error = fmt.Sprintf("hardware encryption status timed out after %v", DefaultOperationTimeout)
			return status, ErrOperationTimeout
		}
		outputStr := string(output)
		if strings.Contains(outputStr, "not found") || strings.Contains(outputStr, "No such file") {
			status.Error = "stenc utility not installed"
			return status, nil
		}
		status.Error = fmt.Sprintf("get hardware encryption status: %s", outputStr)
		return status, nil
	}

	parseHardwareEncryptionStatus(string(output), status)
	return status, nil
}

func parseHardwareEncryptionStatus(output string, status *HardwareEncryptionStatus) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)

		if strings.Contains(lower, "encryption") && strings.Contains(lower, "capable") {
			status.Supported = !strings.Contains(lower, "not capable")
		}
		if strings.Contains(lower, "drive encryption") || strings.Contains(lower, "encryption mode") {
			var value string
			if idx := strings.LastIndex(lower, ":"); idx >= 0 {
				value = strings.TrimSpace(lower[idx+1:])
			} else if idx := strings.LastIndex(lower, "="); idx >= 0 {
				value = strings.TrimSpace(lower[idx+1:])
			} else {
				continue
			}

			switch {
			case strings.Contains(value, "mixed"):
				status.Enabled = true
				status.Mode = "mixed"
			case strings.Contains(value, "raw"):
				status.Enabled = false
				status.Mode = "rawread"
			case strings.Contains(value, "off") || strings.Contains(value, "disabled"):
				status.Enabled = false
				status.Mode = "off"
			case strings.Contains(value, "on") || strings.Contains(value, "encrypt"):
				status.Enabled = true
				status.Mode = "on"
			}
		}
		if strings.Contains(lower, "algorithm") && strings.Contains(lower, "aes") {
			status.Algorithm = "AES-256-GCM"
		}
	}
}
