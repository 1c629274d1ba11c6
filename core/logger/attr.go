package logger

import (
	"log/slog"
	"runtime"
	"strconv"
	"time"
)

// Attribute helpers use the empty Attr pattern for nil safety.
// This allows calls like log.Info("msg", logger.Error(err)) without explicit nil checks,
// following the principle of making zero values useful.

// Group creates a group of attributes under a single key.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// ============================================================================
// Error Handling
// ============================================================================

// Errors groups multiple non-nil errors under the key "errors".
// Uses index-based keys to preserve error order. Returns empty Attr for all nil errors.
func Errors(errs ...error) slog.Attr {
	count := 0
	for _, err := range errs {
		if err != nil {
			count++
		}
	}
	if count == 0 {
		return slog.Attr{}
	}

	as := make([]slog.Attr, 0, count)
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error creates an attribute for a single error under the key "error".
// Returns empty Attr for nil errors, enabling safe usage without nil checks.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Panic creates an attribute for a recovered panic value.
func Panic(v any) slog.Attr {
	if v == nil {
		return slog.Attr{}
	}
	return slog.Any("panic", v)
}

// ============================================================================
// Timing
// ============================================================================

// Duration creates an attribute for a duration.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Elapsed calculates and logs the duration since the start time.
func Elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}

// Time creates a timestamp attribute under a custom key.
func Time(key string, t time.Time) slog.Attr {
	if t.IsZero() {
		return slog.Attr{}
	}
	return slog.Time(key, t)
}

// ============================================================================
// Queue
// ============================================================================

// Queue creates an attribute for the queue (live table) name.
func Queue(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("queue", name)
}

// Owner creates an attribute for a creating or processing owner.
func Owner(owner string) slog.Attr {
	if owner == "" {
		return slog.Attr{}
	}
	return slog.String("owner", owner)
}

// RecordID creates an attribute for a single entry record id.
func RecordID(id int64) slog.Attr {
	return slog.Int64("record_id", id)
}

// RecordIDs creates an attribute listing entry record ids.
func RecordIDs(ids []int64) slog.Attr {
	if len(ids) == 0 {
		return slog.Attr{}
	}
	return slog.Any("record_ids", ids)
}

// ClassName creates an attribute for an entry payload type tag.
func ClassName(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("class_name", name)
}

// State creates an attribute for an entry processing state.
func State(state string) slog.Attr {
	return slog.String("state", state)
}

// Mode creates an attribute for a queue claim mode.
func Mode(mode string) slog.Attr {
	return slog.String("mode", mode)
}

// ErrorCount creates an attribute for an entry's failed attempts.
func ErrorCount(n int) slog.Attr {
	return slog.Int("error_count", n)
}

// ============================================================================
// Generic Metadata
// ============================================================================

// Component creates an attribute for component names.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Count creates a generic counter attribute.
func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}

// Key creates a generic key-value attribute.
func Key(key string, value any) slog.Attr {
	if value == nil {
		return slog.Attr{}
	}
	return slog.Any(key, value)
}

// ============================================================================
// Debugging
// ============================================================================

// Stack captures and returns the current stack trace.
func Stack() slog.Attr {
	const size = 64 << 10
	buf := make([]byte, size)
	buf = buf[:runtime.Stack(buf, false)]
	return slog.String("stack", string(buf))
}
