package tapedrive

import (
	"testing"
)

func TestNewDriver(t *testing.T) {
	d := New("itdt", "/dev/nst0", 65536, false)
	if d.ToolPath != "itdt" {
		t.Errorf("expected tool path 'itdt', got %q", d.ToolPath)
	}
	if d.DevicePath != "/dev/nst0" {
		t.Errorf("expected device path '/dev/nst0', got %q", d.DevicePath)
	}
	if d.BlockSize != 65536 {
		t.Errorf("expected block size 65536, got %d", d.BlockSize)
	}
	if d.GenericFallback {
		t.Error("expected GenericFallback false by default")
	}
}

func TestDefaultOperationTimeoutExists(t *testing.T) {
	if DefaultOperationTimeout <= 0 {
		t.Error("expected DefaultOperationTimeout to be positive")
	}
}

func TestErrOperationTimeoutExists(t *testing.T) {
	if ErrOperationTimeout == nil {
		t.Error("expected ErrOperationTimeout to be defined")
	}
	if ErrOperationTimeout.Error() == "" {
		t.Error("expected ErrOperationTimeout to carry a message")
	}
}

func TestQueryPositionRegex(t *testing.T) {
	cases := []struct {
		output string
		want   string
	}{
		{"Block position: 1024", "1024"},
		{"block number: 55", "55"},
	}
	for _, c := range cases {
		m := queryPositionRe.FindStringSubmatch(c.output)
		if m == nil {
			t.Fatalf("expected match for %q", c.output)
		}
		if m[1] != c.want {
			t.Errorf("expected %q, got %q", c.want, m[1])
		}
	}
}

func TestPartitionFieldRegex(t *testing.T) {
	out := "partition: 1 count: 2"
	matches := partitionFieldRe.FindAllStringSubmatch(out, -1)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}

func TestUsageFieldRegex(t *testing.T) {
	out := "written: 1000000 read: 500000 compression: 2.1"
	matches := usageFieldRe.FindAllStringSubmatch(out, -1)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if m := compressionRe.FindStringSubmatch(out); m == nil || m[1] != "2.1" {
		t.Errorf("expected compression ratio 2.1, got %v", m)
	}
}

func TestScanLineRegex(t *testing.T) {
	line := `#0 \\.\scsi0: - [ULT3580-HH9]-[R3G1] S/N:10WT036260 H0-B0-T24-L0`
	m := scanRecordRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatal("expected scan line to match")
	}
	if m[1] != `\\.\scsi0` || m[2] != "ULT3580-HH9" || m[3] != "R3G1" || m[4] != "10WT036260" {
		t.Errorf("unexpected scan line parse: %v", m)
	}
}
