package notifications

import "context"

// TapeChangeNotifier sends tape-mount anomaly notifications via all
// configured channels (email and/or telegram). It is shared by any
// caller that mounts a cartridge and finds the medium doesn't match
// what the catalog expected -- TapeManager.LoadTape during a backup
// task, or a future restore path reading a catalog-resolved archive.
type TapeChangeNotifier struct {
	telegram *TelegramService
	email    *EmailService
}

// NewTapeChangeNotifier creates a new TapeChangeNotifier.
// Either service may be nil if not configured.
func NewTapeChangeNotifier(telegram *TelegramService, email *EmailService) *TapeChangeNotifier {
	return &TapeChangeNotifier{telegram: telegram, email: email}
}

// NotifyTapeChangeRequired notifies that context (e.g. a task name)
// requires a different cartridge than the one currently loaded.
func (n *TapeChangeNotifier) NotifyTapeChangeRequired(ctx context.Context, context_ string, expectedLabel string, actualLabel string) error {
	if n.telegram != nil && n.telegram.IsEnabled() {
		_ = n.telegram.NotifyTapeChangeRequired(ctx, context_, actualLabel, "a different tape is required", expectedLabel)
	}
	if n.email != nil && n.email.IsEnabled() {
		_ = n.email.NotifyTapeChangeRequired(ctx, context_, actualLabel, "a different tape is required")
	}
	return nil
}

// NotifyWrongTape notifies that the cartridge loaded into the drive is
// not the one the catalog expected at this position in the pipeline.
func (n *TapeChangeNotifier) NotifyWrongTape(ctx context.Context, expectedLabel string, actualLabel string) error {
	if n.telegram != nil && n.telegram.IsEnabled() {
		_ = n.telegram.NotifyWrongTapeInserted(ctx, expectedLabel, actualLabel)
	}
	// Email has no wrong-tape-specific template; reuse tape-change.
	if n.email != nil && n.email.IsEnabled() {
		_ = n.email.NotifyTapeChangeRequired(ctx, "load", actualLabel, "wrong tape loaded, expected "+expectedLabel)
	}
	return nil
}
