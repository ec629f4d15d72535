package cache

import (
	"fmt"
	"time"
)

// TaskSnapshotKey holds the last reconciled state of a stored task.
func TaskSnapshotKey(taskID string) string {
	return fmt.Sprintf("task:snapshot:%s", taskID)
}

// ProviderStatusKey holds the short-lived result of a provider status pull.
func ProviderStatusKey(taskID string) string {
	return fmt.Sprintf("task:provider:%s", taskID)
}

// RateLimitKey counts requests made with one API key in the window starting at windowStart.
func RateLimitKey(keyPrefix string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", keyPrefix, windowStart.Unix())
}
