package util

import "log/slog"

// LogNotifyResult executes a notification function and logs the result.
func LogNotifyResult(fn func() error, notifyType string, attrs ...any) {
	if err := fn(); err != nil {
		slog.Error("notification failed", append([]any{"type", notifyType, "error", err}, attrs...)...)
		return
	}
	slog.Info("notification sent", append([]any{"type", notifyType}, attrs...)...)
}
