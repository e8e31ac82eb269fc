package notifications

import (
	"context"
	"time"
)

// BackupNotifier sends backup-task notifications via every configured
// channel, skipping any that is nil (TapeChangeNotifier shares this
// nil-safe composite shape).
type BackupNotifier struct {
	telegram *TelegramService
	email    *EmailService
}

// NewBackupNotifier creates a new BackupNotifier. Either service may be
// nil if not configured.
func NewBackupNotifier(telegram *TelegramService, email *EmailService) *BackupNotifier {
	return &BackupNotifier{telegram: telegram, email: email}
}

// NotifyStarted announces a task beginning. Email has no
// started-notification method, so only Telegram fires here.
func (n *BackupNotifier) NotifyStarted(ctx context.Context, jobName string, sourceCount int, backupType string) {
	if n.telegram != nil && n.telegram.IsEnabled() {
		_ = n.telegram.NotifyBackupStarted(ctx, jobName, sourceCount, backupType)
	}
}

// NotifyCompleted announces a task's successful completion.
func (n *BackupNotifier) NotifyCompleted(ctx context.Context, jobName string, fileCount, totalBytes int64, duration time.Duration) {
	if n.telegram != nil && n.telegram.IsEnabled() {
		_ = n.telegram.NotifyBackupCompleted(ctx, jobName, fileCount, totalBytes, duration)
	}
	if n.email != nil && n.email.IsEnabled() {
		_ = n.email.NotifyBackupCompleted(ctx, jobName, fileCount, totalBytes, duration)
	}
}

// NotifyFailed announces a task's terminal failure.
func (n *BackupNotifier) NotifyFailed(ctx context.Context, jobName string, errMsg string) {
	if n.telegram != nil && n.telegram.IsEnabled() {
		_ = n.telegram.NotifyBackupFailed(ctx, jobName, errMsg)
	}
	if n.email != nil && n.email.IsEnabled() {
		_ = n.email.NotifyBackupFailed(ctx, jobName, errMsg)
	}
}

// NotifyCancelled announces a task's cooperative cancellation.
func (n *BackupNotifier) NotifyCancelled(ctx context.Context, jobName string, reason string) {
	if n.telegram != nil && n.telegram.IsEnabled() {
		_ = n.telegram.NotifyBackupCancelled(ctx, jobName, reason)
	}
	if n.email != nil && n.email.IsEnabled() {
		_ = n.email.NotifyBackupCancelled(ctx, jobName, reason)
	}
}
