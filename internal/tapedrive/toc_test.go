package tapedrive

import (
	"testing"
	"time"
)

func TestNewTapeTOC(t *testing.T) {
	toc := NewTapeTOC("TAPE001", "uuid-1234")

	if toc.Magic != tocMagic {
		t.Errorf("expected magic %q, got %q", tocMagic, toc.Magic)
	}
	if toc.Version != tocVersion {
		t.Errorf("expected version %d, got %d", tocVersion, toc.Version)
	}
	if toc.TapeLabel != "TAPE001" {
		t.Errorf("expected tape label 'TAPE001', got %q", toc.TapeLabel)
	}
	if toc.TapeUUID != "uuid-1234" {
		t.Errorf("expected tape UUID 'uuid-1234', got %q", toc.TapeUUID)
	}
	if len(toc.BackupSets) != 0 {
		t.Errorf("expected 0 backup sets, got %d", len(toc.BackupSets))
	}
	if toc.CreatedAt.IsZero() {
		t.Error("expected non-zero CreatedAt")
	}
}

func TestMarshalUnmarshalTOC(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	toc := &TapeTOC{
		Magic:     tocMagic,
		Version:   tocVersion,
		TapeLabel: "WEEKLY-001",
		TapeUUID:  "abc-def-123",
		CreatedAt: now,
		BackupSets: []TOCBackupSet{
			{
				FileNumber:      1,
				TaskID:          42,
				TaskType:        "full",
				StartTime:       now.Add(-1 * time.Hour),
				EndTime:         now,
				FileCount:       3,
				TotalBytes:      15000,
				Encrypted:       false,
				Compressed:      true,
				CompressionType: "zstd",
				Files: []TOCFileEntry{
					{Path: "documents/report.pdf", Size: 5000, ModTime: now.Format(time.RFC3339), Checksum: "abc123"},
					{Path: "documents/notes.txt", Size: 2000, ModTime: now.Format(time.RFC3339), Checksum: "def456"},
					{Path: "images/photo.jpg", Size: 8000, ModTime: now.Format(time.RFC3339), Checksum: "ghi789"},
				},
			},
		},
	}

	data, err := MarshalTOC(toc)
	if err != nil {
		t.Fatalf("MarshalTOC failed: %v", err)
	}

	decoded, err := UnmarshalTOC(data)
	if err != nil {
		t.Fatalf("UnmarshalTOC failed: %v", err)
	}

	if decoded.Magic != tocMagic {
		t.Errorf("expected magic %q, got %q", tocMagic, decoded.Magic)
	}
	if decoded.TapeLabel != toc.TapeLabel {
		t.Errorf("expected tape label %q, got %q", toc.TapeLabel, decoded.TapeLabel)
	}
	if len(decoded.BackupSets) != 1 {
		t.Fatalf("expected 1 backup set, got %d", len(decoded.BackupSets))
	}
	if decoded.BackupSets[0].TaskID != 42 {
		t.Errorf("expected task id 42, got %d", decoded.BackupSets[0].TaskID)
	}
	if len(decoded.BackupSets[0].Files) != 3 {
		t.Errorf("expected 3 files, got %d", len(decoded.BackupSets[0].Files))
	}
}

func TestUnmarshalTOCRejectsBadMagic(t *testing.T) {
	data := []byte(`{"magic":"NOT-A-TOC","version":1}`)
	_, err := UnmarshalTOC(data)
	if err == nil {
		t.Fatal("expected error for mismatched magic, got nil")
	}
}

func TestUnmarshalTOCRejectsInvalidJSON(t *testing.T) {
	_, err := UnmarshalTOC([]byte("not json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}
