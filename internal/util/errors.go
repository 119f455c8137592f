package util

import (
	"fmt"
	"io"
	"log/slog"
)

// WrapError wraps an error with a descriptive operation context.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", operation, err)
}

// SafeCloseFunc returns a func that closes c and logs a failure, for use
// with defer where the close error has nowhere to go.
func SafeCloseFunc(c io.Closer, name string) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close", "resource", name, "error", err)
		}
	}
}
