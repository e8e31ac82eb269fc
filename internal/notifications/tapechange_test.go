package notifications

import (
	"context"
	"testing"
)

func TestTapeChangeNotifier_NilServices(t *testing.T) {
	// Should not panic with nil services
	n := NewTapeChangeNotifier(nil, nil)

	ctx := context.Background()
	if err := n.NotifyTapeChangeRequired(ctx, "task-1", "TAPE-001", "TAPE-002"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := n.NotifyWrongTape(ctx, "TAPE-001", "TAPE-002"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTapeChangeNotifier_DisabledServices(t *testing.T) {
	// Disabled services should not error
	telegram := NewTelegramService(TelegramConfig{Enabled: false})
	email := NewEmailService(EmailConfig{Enabled: false})

	n := NewTapeChangeNotifier(telegram, email)

	ctx := context.Background()
	if err := n.NotifyTapeChangeRequired(ctx, "task-1", "TAPE-001", "TAPE-002"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := n.NotifyWrongTape(ctx, "TAPE-001", "TAPE-002"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
