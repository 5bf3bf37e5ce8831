package utils

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// FormatDuration formats a millisecond duration as "1h23m45s" style text.
func FormatDuration(ms int64) string {
	seconds := ms / 1000
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, secs)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

// Sleep pauses for ms milliseconds or until the context is cancelled.
func Sleep(ctx context.Context, ms int64) error {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JitterMs returns a random value in [0, maxMs). Used to spread retries
// so concurrent requests don't hammer upstream in lockstep.
func JitterMs(maxMs int64) int64 {
	if maxMs <= 0 {
		return 0
	}
	return rand.Int63n(maxMs)
}

// MaskEmail masks an email for log output ("j***@example.com").
func MaskEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***"
	}
	local := parts[0]
	if len(local) <= 1 {
		return local + "***@" + parts[1]
	}
	return string(local[0]) + "***@" + parts[1]
}
