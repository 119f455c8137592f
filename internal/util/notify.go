package util

import "log/slog"

// LogNotifyResult executes a notification function and logs the result.
func LogNotifyResult(logger *slog.Logger, fn func() error, notifyType string) {
	err := fn()
	if err != nil {
		logger.Error("notification failed", "type", notifyType, "error", err)
	} else {
		logger.Info("notification sent", "type", notifyType)
	}
}
