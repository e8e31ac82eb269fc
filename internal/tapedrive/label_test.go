package tapedrive

import "testing"

func TestTapeLabelDataFields(t *testing.T) {
	label := TapeLabelData{
		Label:                    "TEST-001",
		TapeUUID:                 "uuid-test",
		BackupGroup:              "2026-07",
		Timestamp:                1234567890,
		EncryptionKeyFingerprint: "abc123",
		CompressionType:          "zstd",
	}

	if label.Label != "TEST-001" {
		t.Errorf("expected label 'TEST-001', got %q", label.Label)
	}
	if label.TapeUUID != "uuid-test" {
		t.Errorf("expected UUID 'uuid-test', got %q", label.TapeUUID)
	}
	if label.BackupGroup != "2026-07" {
		t.Errorf("expected backup group '2026-07', got %q", label.BackupGroup)
	}
}

func TestLabelConstants(t *testing.T) {
	if labelMagic == "" {
		t.Error("expected non-empty label magic")
	}
	if labelBlockBytes != 512 {
		t.Errorf("expected label block of 512 bytes, got %d", labelBlockBytes)
	}
}
