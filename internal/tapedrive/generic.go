package tapedrive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DriveStatus is the parsed state of the drive as reported by "mt status"
// (an alternative to the ITDT "qrypos"/"tur" verbs that callers invoke directly).
type DriveStatus struct {
	DevicePath   string
	Online       bool
	Ready        bool
	WriteProtect bool
	BOT          bool
	EOT          bool
	FileNumber   int64
	BlockNumber  int64
	Density      string
	BlockSizeB   int
	DriveType    string
	LastChecked  time.Time
	Error        string
}

var (
	fileNumRe  = regexp.MustCompile(`File number=(\d+)`)
	blockNumRe = regexp.MustCompile(`block number=(\d+)`)
	densityRe  = regexp.MustCompile(`Tape block size (\d+) bytes\. Density code (0x[0-9a-fA-F]+)`)
	ltoDescRe  = regexp.MustCompile(`Density code 0x[0-9a-fA-F]+ \((LTO-\d+)\)`)
)

// GenericStatus shells out to "mt -f <device> status" and parses the
// result. It does not use ToolPath, so it works with no ITDT-compatible
// tool; Driver.GenericFallback does not route calls here.
func (d *Driver) GenericStatus(ctx context.Context) (*DriveStatus, error) {
	status := &DriveStatus{DevicePath: d.DevicePath, LastChecked: time.Now()}

	opCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
	defer cancel()

	cmd := exec.CommandContext(opCtx, "mt", "-f", d.DevicePath, "status")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			status.Error = fmt.Sprintf("mt status timed out after %v", DefaultOperationTimeout)
			return status, ErrOperationTimeout
		}
		status.Error = fmt.Sprintf("mt status failed: %s", string(output))
		return status, nil
	}

	out := string(output)
	status.Online = !strings.Contains(out, "offline")
	status.Ready = strings.Contains(out, "ONLINE") || strings.Contains(out, "DR_OPEN")
	status.WriteProtect = strings.Contains(out, "WR_PROT")
	status.BOT = strings.Contains(out, "BOT")
	status.EOT = strings.Contains(out, "EOT")

	if m := fileNumRe.FindStringSubmatch(out); len(m) > 1 {
		status.FileNumber, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := blockNumRe.FindStringSubmatch(out); len(m) > 1 {
		status.BlockNumber, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := densityRe.FindStringSubmatch(out); len(m) > 2 {
		status.BlockSizeB, _ = strconv.Atoi(m[1])
		status.Density = m[2]
	}
	if m := ltoDescRe.FindStringSubmatch(out); len(m) > 1 {
		status.DriveType = m[1]
	}

	return status, nil
}

// vpdHeaderSize is the length of the VPD page 0x80 header bytes that
// precede the printable serial number payload.
const vpdHeaderSize = 4

// GenericDriveInfo shells out to sg_inq (falling back to sysfs) to
// identify the drive vendor/model/serial.
func (d *Driver) GenericDriveInfo(ctx context.Context) (map[string]string, error) {
	info := make(map[string]string)

	cmd := exec.CommandContext(ctx, "sg_inq", d.DevicePath)
	output, err := cmd.CombinedOutput()
	if err == nil {
		scanner := bufio.NewScanner(bytes.NewReader(output))
		for scanner.Scan() {
			parts := strings.SplitN(scanner.Text(), ":", 2)
			if len(parts) == 2 {
				info[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
			}
		}
	}

	if info["Vendor identification"] == "" {
		devName := filepath.Base(d.DevicePath)
		sysfsBase := fmt.Sprintf("/sys/class/scsi_tape/%s/device", devName)
		if _, err := os.Stat(sysfsBase); err != nil && strings.HasPrefix(devName, "n") {
			sysfsBase = fmt.Sprintf("/sys/class/scsi_tape/%s/device", devName[1:])
		}
		if v, err := os.ReadFile(filepath.Join(sysfsBase, "vendor")); err == nil {
			info["Vendor identification"] = strings.TrimSpace(string(v))
		}
		if v, err := os.ReadFile(filepath.Join(sysfsBase, "model")); err == nil {
			info["Product identification"] = strings.TrimSpace(string(v))
		}
		if serial, err := os.ReadFile(filepath.Join(sysfsBase, "vpd_pg80")); err == nil {
			serialStr := strings.Map(func(r rune) rune {
				if r >= 32 && r < 127 {
					return r
				}
				return -1
			}, string(serial))
			serialStr = strings.TrimSpace(serialStr)
			if len(serialStr) > vpdHeaderSize {
				info["Unit serial number"] = serialStr[vpdHeaderSize:]
			}
		}
	}

	return info, nil
}

// GenericEraseShort performs a rewind + filemark write, the portable
// approximation of a short erase when no device tool exposes one.
func (d *Driver) GenericEraseShort(ctx context.Context) error {
	if err := d.GenericRewind(ctx); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "mt", "-f", d.DevicePath, "weof", "1")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("erase failed: %s", string(output))
	}
	return d.GenericRewind(ctx)
}

// GenericRewind issues "mt rewind" directly.
func (d *Driver) GenericRewind(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "mt", "-f", d.DevicePath, "rewind")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rewind failed: %s", string(output))
	}
	return nil
}

// ProbeDevicePaths are the conventional Linux tape device nodes checked
// by Probe when GenericFallback has no "scan" verb to issue.
var ProbeDevicePaths = []string{
	"/dev/nst0", "/dev/nst1", "/dev/nst2", "/dev/nst3",
	"/dev/st0", "/dev/st1", "/dev/st2", "/dev/st3",
}

// Probe checks well-known device paths for existence, used as the
// GenericFallback substitute for the "scan" verb.
func Probe(ctx context.Context) []ScannedDrive {
	var found []ScannedDrive
	for _, p := range ProbeDevicePaths {
		if _, err := os.Stat(p); err == nil {
			found = append(found, ScannedDrive{DevicePath: p})
		}
	}
	return found
}
