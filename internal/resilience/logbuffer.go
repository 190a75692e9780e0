package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one captured log record.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// LogBuffer is a slog.Handler that tees records into a bounded ring
// buffer on their way to the wrapped handler, so recent log activity is
// queryable from the observability endpoints.
type LogBuffer struct {
	inner slog.Handler

	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

var _ slog.Handler = (*LogBuffer)(nil)

// NewLogBuffer wraps inner, keeping the last size records.
func NewLogBuffer(inner slog.Handler, size int) *LogBuffer {
	if size <= 0 {
		size = 256
	}
	return &LogBuffer{
		inner:   inner,
		entries: make([]LogEntry, size),
	}
}

// Enabled defers to the wrapped handler.
func (b *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return b.inner.Enabled(ctx, level)
}

func (b *LogBuffer) capture(r slog.Record) {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	if r.NumAttrs() > 0 {
		entry.Attrs = make(map[string]string, r.NumAttrs())
		r.Attrs(func(a slog.Attr) bool {
			entry.Attrs[a.Key] = a.Value.String()
			return true
		})
	}

	b.mu.Lock()
	b.entries[b.next] = entry
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
}

// Handle captures the record and forwards it.
func (b *LogBuffer) Handle(ctx context.Context, r slog.Record) error {
	b.capture(r)
	return b.inner.Handle(ctx, r)
}

// WithAttrs forwards to the wrapped handler, sharing the same buffer.
func (b *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &shared{LogBuffer: b, inner: b.inner.WithAttrs(attrs)}
}

// WithGroup forwards to the wrapped handler, sharing the same buffer.
func (b *LogBuffer) WithGroup(name string) slog.Handler {
	return &shared{LogBuffer: b, inner: b.inner.WithGroup(name)}
}

// shared is a derived handler that still feeds the parent buffer.
type shared struct {
	*LogBuffer
	inner slog.Handler
}

func (s *shared) Enabled(ctx context.Context, level slog.Level) bool {
	return s.inner.Enabled(ctx, level)
}

func (s *shared) Handle(ctx context.Context, r slog.Record) error {
	s.capture(r)
	return s.inner.Handle(ctx, r)
}

func (s *shared) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &shared{LogBuffer: s.LogBuffer, inner: s.inner.WithAttrs(attrs)}
}

func (s *shared) WithGroup(name string) slog.Handler {
	return &shared{LogBuffer: s.LogBuffer, inner: s.inner.WithGroup(name)}
}

// Entries returns the captured records, oldest first.
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]LogEntry, b.next)
		copy(out, b.entries[:b.next])
		return out
	}
	out := make([]LogEntry, 0, len(b.entries))
	out = append(out, b.entries[b.next:]...)
	out = append(out, b.entries[:b.next]...)
	return out
}
