package util

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// maxErrorLineLength is the maximum length for extracted error messages.
const maxErrorLineLength = 200

// WrapError wraps an error with a descriptive operation context.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", operation, err)
}

// ExtractLastError extracts the last meaningful line from stderr output.
func ExtractLastError(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return truncateLine(line)
		}
	}
	return ""
}

// TruncateBody returns a single-line excerpt of an HTTP response body for error messages.
func TruncateBody(body []byte) string {
	return truncateLine(strings.Join(strings.Fields(string(body)), " "))
}

func truncateLine(line string) string {
	if len(line) > maxErrorLineLength {
		return line[:maxErrorLineLength] + "..."
	}
	return line
}

// SafeCloseFunc returns a function that closes c and logs a close failure.
// Intended for defer statements.
func SafeCloseFunc(c io.Closer, what string) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Debug("close failed", "what", what, "error", err)
		}
	}
}
