package tapedrive

import (
	"testing"
)

func TestFileNumRegex(t *testing.T) {
	out := "drive status: File number=3, block number=10"
	m := fileNumRe.FindStringSubmatch(out)
	if m == nil || m[1] != "3" {
		t.Errorf("expected file number 3, got %v", m)
	}
}

func TestBlockNumRegex(t *testing.T) {
	out := "File number=3, block number=10"
	m := blockNumRe.FindStringSubmatch(out)
	if m == nil || m[1] != "10" {
		t.Errorf("expected block number 10, got %v", m)
	}
}

func TestDensityRegex(t *testing.T) {
	out := "Tape block size 65536 bytes. Density code 0x5a (LTO-8)"
	m := densityRe.FindStringSubmatch(out)
	if m == nil {
		t.Fatal("expected density match")
	}
	if m[1] != "65536" || m[2] != "0x5a" {
		t.Errorf("unexpected density parse: %v", m)
	}
	if d := ltoDescRe.FindStringSubmatch(out); d == nil || d[1] != "LTO-8" {
		t.Errorf("expected LTO-8 generation, got %v", d)
	}
}

func TestProbeDevicePathsNonEmpty(t *testing.T) {
	if len(ProbeDevicePaths) == 0 {
		t.Error("expected at least one candidate device path")
	}
}

func TestVPDHeaderSize(t *testing.T) {
	if vpdHeaderSize != 4 {
		t.Errorf("expected vpdHeaderSize 4, got %d", vpdHeaderSize)
	}
}
