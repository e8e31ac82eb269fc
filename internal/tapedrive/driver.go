// Package tapedrive wraps the external device-control tool (an
// ITDT-compatible binary by default, with a generic mt/sg3-utils
// fallback) behind a small verb grammar: tur, rewind, load, unload,
// erase, qrypos, weof, qrypart, tapeusage, scan.
package tapedrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tapecore/engine/internal/cmdutil"
)

// DefaultOperationTimeout bounds every device-tool invocation so an
// unresponsive drive cannot hang the calling goroutine indefinitely.
const DefaultOperationTimeout = 30 * time.Second

// ErrOperationTimeout is returned when a device operation exceeds
// DefaultOperationTimeout (or a caller-supplied timeout).
var ErrOperationTimeout = errors.New("tape operation timed out")

// retryable/device-fault exit codes for the ITDT-style tool surface.
// These mirror the exit-code table the original itdt_interface.py
// inspects after each verb invocation.
var (
	retryableExitCodes   = []int{11}
	deviceFaultExitCodes = []int{19, 21, 28}
)

// Driver drives one tape device through the external tool's verb
// grammar. It never talks to the device directly. GenericFallback is
// recorded as configured, but no verb reads it: every verb runs ToolPath.
// The mt/sg3-utils helpers in generic.go are separate methods.
type Driver struct {
	ToolPath        string
	DevicePath      string
	BlockSize       int
	GenericFallback bool
}

// New returns a Driver for devicePath using the configured tool.
func New(toolPath, devicePath string, blockSize int, genericFallback bool) *Driver {
	return &Driver{
		ToolPath:        toolPath,
		DevicePath:      devicePath,
		BlockSize:       blockSize,
		GenericFallback: genericFallback,
	}
}

// VerbResult is the parsed outcome of a single device-tool invocation.
type VerbResult struct {
	ExitKind cmdutil.ExitKind
	Stdout   string
	Stderr   string
}

// run invokes the configured tool with args, applying DefaultOperationTimeout.
func (d *Driver) run(ctx context.Context, args ...string) (VerbResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
	defer cancel()

	fullArgs := append([]string{"-f", d.DevicePath}, args...)
	cmd := exec.CommandContext(opCtx, d.ToolPath, fullArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return VerbResult{}, ErrOperationTimeout
		}
		if opCtx.Err() == context.Canceled {
			return VerbResult{}, ctx.Err()
		}
		kind := cmdutil.ClassifyExitError(err, retryableExitCodes, deviceFaultExitCodes)
		return VerbResult{ExitKind: kind, Stdout: stdout.String(), Stderr: stderr.String()},
			fmt.Errorf("%s %s: %s", d.ToolPath, strings.Join(args, " "), cmdutil.ErrorDetail(err, &stderr))
	}

	return VerbResult{ExitKind: cmdutil.ExitKindSuccess, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// TestUnitReady issues the "tur" verb and reports whether the drive
// responded ready.
func (d *Driver) TestUnitReady(ctx context.Context) (bool, error) {
	res, err := d.run(ctx, "tur")
	if err != nil {
		if res.ExitKind == cmdutil.ExitKindDeviceFault {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Rewind issues the "rewind" verb.
func (d *Driver) Rewind(ctx context.Context) error {
	_, err := d.run(ctx, "rewind")
	return err
}

// Load issues the "load" verb, optionally with auto-media-unload (amu).
func (d *Driver) Load(ctx context.Context, amu bool) error {
	args := []string{"load"}
	if amu {
		args = append(args, "amu")
	}
	_, err := d.run(ctx, args...)
	return err
}

// Unload issues the "unload" verb.
func (d *Driver) Unload(ctx context.Context) error {
	_, err := d.run(ctx, "unload")
	return err
}

// LongErasePollInterval and LongEraseBudget bound the poll loop Erase
// runs after dispatching a long erase (spec.md §4.2, §5).
const (
	LongErasePollInterval = 15 * time.Second
	LongEraseBudget       = 3 * time.Hour
)

// longEraseEstimatedPolls is the poll count a long erase is expected to
// take end to end, used only to estimate a progress percentage.
const longEraseEstimatedPolls = int(LongEraseBudget / LongErasePollInterval)

// EraseProgress reports a long erase's state after one TestUnitReady poll.
type EraseProgress struct {
	PollCount       int
	EstimatedPolls  int
	PercentComplete float64
}

// EraseProgressFunc receives a long erase's progress after every poll; a
// nil func is a valid no-op sink.
type EraseProgressFunc func(EraseProgress)

// Erase issues the "erase" verb. A short erase only wipes the tape's
// beginning-of-partition area and completes within DefaultOperationTimeout.
// A long erase (the default, physically zeroing the full medium, several
// hours on LTO media) is not waited on through the tool process: Erase
// dispatches ERASE, then polls TestUnitReady every LongErasePollInterval
// and returns once the drive reports ready, or with an error once
// LongEraseBudget elapses.
func (d *Driver) Erase(ctx context.Context, short bool) error {
	return d.EraseWithProgress(ctx, short, nil)
}

// EraseWithProgress is Erase with a progress callback invoked after every
// long-erase poll cycle; onProgress may be nil. Ignored for a short erase.
func (d *Driver) EraseWithProgress(ctx context.Context, short bool, onProgress EraseProgressFunc) error {
	if short {
		_, err := d.run(ctx, "erase", "-short")
		return err
	}
	return d.longErase(ctx, onProgress)
}

// longErase dispatches the "erase" verb as a background process — it is
// not waited on directly, since the drive may take hours to physically
// complete the erase — then polls TestUnitReady every LongErasePollInterval
// until the drive reports ready or budgetCtx's LongEraseBudget elapses.
func (d *Driver) longErase(ctx context.Context, onProgress EraseProgressFunc) error {
	budgetCtx, cancel := context.WithTimeout(ctx, LongEraseBudget)
	defer cancel()

	cmd := exec.CommandContext(budgetCtx, d.ToolPath, "-f", d.DevicePath, "erase")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("dispatch long erase: %w", err)
	}
	go func() { _ = cmd.Wait() }()

	ticker := time.NewTicker(LongErasePollInterval)
	defer ticker.Stop()

	var polls int
	for {
		select {
		case <-budgetCtx.Done():
			if onProgress != nil {
				onProgress(EraseProgress{PollCount: polls, EstimatedPolls: longEraseEstimatedPolls, PercentComplete: 0})
			}
			return fmt.Errorf("long erase did not complete within %v: %w", LongEraseBudget, budgetCtx.Err())
		case <-ticker.C:
		}
		polls++

		ready, _ := d.TestUnitReady(budgetCtx)
		pct := min(99.0, float64(polls)/float64(longEraseEstimatedPolls)*99.0)
		if ready {
			pct = 100
		}
		if onProgress != nil {
			onProgress(EraseProgress{PollCount: polls, EstimatedPolls: longEraseEstimatedPolls, PercentComplete: pct})
		}
		if ready {
			return nil
		}
	}
}

var queryPositionRe = regexp.MustCompile(`(?i)block\s*(?:position|number)[:\s]+(\d+)`)

// QueryPosition issues the "qrypos" verb and parses the current block position.
func (d *Driver) QueryPosition(ctx context.Context) (int64, error) {
	res, err := d.run(ctx, "qrypos")
	if err != nil {
		return 0, err
	}
	m := queryPositionRe.FindStringSubmatch(res.Stdout)
	if m == nil {
		return 0, fmt.Errorf("qrypos: could not parse position from output: %q", res.Stdout)
	}
	pos, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("qrypos: %w", err)
	}
	return pos, nil
}

// WriteFilemark issues the "weof" verb count times.
func (d *Driver) WriteFilemark(ctx context.Context, count int) error {
	if count <= 0 {
		count = 1
	}
	_, err := d.run(ctx, "weof", strconv.Itoa(count))
	return err
}

// PartitionInfo is the parsed result of the "qrypart" verb.
type PartitionInfo struct {
	CurrentPartition int
	PartitionCount   int
	Formatted        bool
}

var partitionFieldRe = regexp.MustCompile(`(?i)(partition|count)[:\s]+(\d+)`)

// QueryPartition issues the "qrypart" verb.
func (d *Driver) QueryPartition(ctx context.Context) (*PartitionInfo, error) {
	res, err := d.run(ctx, "qrypart")
	if err != nil {
		return nil, err
	}
	info := &PartitionInfo{Formatted: !strings.Contains(strings.ToLower(res.Stdout), "not formatted")}
	for _, m := range partitionFieldRe.FindAllStringSubmatch(res.Stdout, -1) {
		n, _ := strconv.Atoi(m[2])
		switch strings.ToLower(m[1]) {
		case "partition":
			info.CurrentPartition = n
		case "count":
			info.PartitionCount = n
		}
	}
	return info, nil
}

// UsageInfo is the parsed result of the "tapeusage" verb, enriched with
// GetDriveStatistics' sg_logs error counters and QueryPartition's
// formatted signal (spec.md §4.2, §5: `{counters, health_score,
// is_formatted}`).
type UsageInfo struct {
	BytesWritten int64
	BytesRead    int64
	Compression  float64

	ReadRetries            int64
	WriteRetries           int64
	UnrecoveredReadErrors  int64
	UnrecoveredWriteErrors int64
	SuspendedReads         int64
	SuspendedWrites        int64
	FatalSuspendReads      int64
	FatalSuspendWrites     int64
	Result                 string
	Code                   string

	HealthScore int
	IsFormatted bool
}

var usageFieldRe = regexp.MustCompile(`(?i)(written|read)[:\s]+(\d+)`)
var compressionRe = regexp.MustCompile(`(?i)compression[:\s]+([\d.]+)`)
var resultFieldRe = regexp.MustCompile(`(?i)Result:\s*(\w+)`)
var codeFieldRe = regexp.MustCompile(`(?i)Code:\s*(\w+)`)

// tapeUsageCounterFields maps each "tapeusage" verb counter line to the
// UsageInfo field it populates, grounded on
// original_source/tape/itdt_interface.py's tape_usage field table.
var tapeUsageCounterFields = []struct {
	re  *regexp.Regexp
	set func(*UsageInfo, int64)
}{
	{regexp.MustCompile(`(?i)Read Retries\s+(\d+)`), func(u *UsageInfo, v int64) { u.ReadRetries = v }},
	{regexp.MustCompile(`(?i)Write Retries\s+(\d+)`), func(u *UsageInfo, v int64) { u.WriteRetries = v }},
	{regexp.MustCompile(`(?i)Unrecovered Read Err\.?\s+(\d+)`), func(u *UsageInfo, v int64) { u.UnrecoveredReadErrors = v }},
	{regexp.MustCompile(`(?i)Unrecovered Write Err\.?\s+(\d+)`), func(u *UsageInfo, v int64) { u.UnrecoveredWriteErrors = v }},
	{regexp.MustCompile(`(?i)Suspended Reads\s+(\d+)`), func(u *UsageInfo, v int64) { u.SuspendedReads = v }},
	{regexp.MustCompile(`(?i)Suspended Writes\s+(\d+)`), func(u *UsageInfo, v int64) { u.SuspendedWrites = v }},
	{regexp.MustCompile(`(?i)Fatal Suspend Reads\s+(\d+)`), func(u *UsageInfo, v int64) { u.FatalSuspendReads = v }},
	{regexp.MustCompile(`(?i)Fatal Suspended Writes\s+(\d+)`), func(u *UsageInfo, v int64) { u.FatalSuspendWrites = v }},
}

// TapeUsage issues the "tapeusage" verb, derives health_score from the
// parsed error/retry counters (falling back to GetDriveStatistics' sg_logs
// counters when the verb output itself carries no unrecovered-error
// counts), and fills is_formatted from QueryPartition.
func (d *Driver) TapeUsage(ctx context.Context) (*UsageInfo, error) {
	res, err := d.run(ctx, "tapeusage")
	if err != nil {
		return nil, err
	}
	info := &UsageInfo{}
	for _, m := range usageFieldRe.FindAllStringSubmatch(res.Stdout, -1) {
		n, _ := strconv.ParseInt(m[2], 10, 64)
		switch strings.ToLower(m[1]) {
		case "written":
			info.BytesWritten = n
		case "read":
			info.BytesRead = n
		}
	}
	if m := compressionRe.FindStringSubmatch(res.Stdout); m != nil {
		info.Compression, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := resultFieldRe.FindStringSubmatch(res.Stdout); m != nil {
		info.Result = strings.ToUpper(m[1])
	}
	if m := codeFieldRe.FindStringSubmatch(res.Stdout); m != nil {
		info.Code = strings.ToUpper(m[1])
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		for _, f := range tapeUsageCounterFields {
			if m := f.re.FindStringSubmatch(line); m != nil {
				v, _ := strconv.ParseInt(m[1], 10, 64)
				f.set(info, v)
				break
			}
		}
	}

	if stats, statErr := d.GetDriveStatistics(ctx); statErr == nil && stats != nil {
		if info.UnrecoveredReadErrors == 0 {
			info.UnrecoveredReadErrors = stats.ReadErrors
		}
		if info.UnrecoveredWriteErrors == 0 {
			info.UnrecoveredWriteErrors = stats.WriteErrors
		}
	}

	if part, partErr := d.QueryPartition(ctx); partErr == nil && part != nil {
		info.IsFormatted = part.Formatted
	}

	info.HealthScore = healthScore(info)
	return info, nil
}

// healthScore computes a tape's 0-100 health score from its tapeusage
// error/retry counters (spec.md §5): base 100, -10 per fatal suspend
// (read/write), -5 per unrecovered (read/write), -2 per suspended
// (read/write), up to -10 combined for retries, clamped to [0,100].
func healthScore(info *UsageInfo) int {
	score := 100
	score -= int(info.FatalSuspendReads) * 10
	score -= int(info.FatalSuspendWrites) * 10
	score -= int(info.UnrecoveredReadErrors) * 5
	score -= int(info.UnrecoveredWriteErrors) * 5
	score -= int(info.SuspendedReads) * 2
	score -= int(info.SuspendedWrites) * 2

	retries := info.ReadRetries + info.WriteRetries
	if retries > 10 {
		retries = 10
	}
	score -= int(retries)

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ScannedDrive is one entry returned by Scan.
type ScannedDrive struct {
	DevicePath string
	Vendor     string
	Model      string
	Generation string
	Serial     string
	Status     string
}

// scanRecordRe parses a full scan record of the documented shape:
// "#0 \\.\scsi0: - [ULT3580-HH9]-[R3G1] S/N:10WT036260 H0-B0-T24-L0 ...",
// grounded on original_source/tape/itdt_interface.py's scan_devices.
var scanRecordRe = regexp.MustCompile(`(?i)#\d+\s+(\S+):\s+-\s+\[([^\]]+)\](?:-\[([^\]]+)\])?\s+S/N:(\S+)`)

// scanFallbackRe matches a bare device path fragment for tools whose scan
// output doesn't carry the full record (spec.md §4.2's ScanDevices
// fallback), e.g. "\\.\tape0" or "/dev/nst0".
var scanFallbackRe = regexp.MustCompile(`(\\\\\.\\[A-Za-z0-9_-]+|/dev/nst\d+)`)

// Scan issues the "scan" verb to enumerate attached devices. Lines
// matching the full record shape are parsed for vendor, model,
// generation and serial; any other line mentioning a bare device path is
// recorded as a minimal entry with just the path known.
func (d *Driver) Scan(ctx context.Context) ([]ScannedDrive, error) {
	res, err := d.run(ctx, "scan")
	if err != nil {
		return nil, err
	}
	var drives []ScannedDrive
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := scanRecordRe.FindStringSubmatch(line); m != nil {
			model := m[2]
			vendor := "Unknown"
			if strings.Contains(strings.ToUpper(model), "ULT3580") {
				vendor = "IBM"
			}
			drives = append(drives, ScannedDrive{
				DevicePath: m[1],
				Vendor:     vendor,
				Model:      model,
				Generation: strings.TrimSpace(m[3]),
				Serial:     m[4],
				Status:     "online",
			})
			continue
		}
		if m := scanFallbackRe.FindStringSubmatch(line); m != nil {
			drives = append(drives, ScannedDrive{DevicePath: m[1], Status: "online"})
		}
	}
	return drives, nil
}
