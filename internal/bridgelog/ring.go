// Package bridgelog is the bridge's single logging sink: every log line
// flows through Logger, which both prints it (stdlib log, optionally
// JSON-structured) and appends it to a bounded ring buffer that C1 serves
// read-only over HTTP at /logs (spec.md §4.9).
package bridgelog

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Entry is a single structured log record, modeled on the teacher's
// SessionLogEntry (internal/utils/logging.go) but generalized from
// session lifecycle events to arbitrary router events.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Ring is a fixed-capacity FIFO ring buffer of log entries (C9).
type Ring struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	next     int
	filled   bool
}

// NewRing creates a ring buffer with the given capacity. Capacity <= 0
// is treated as 1 to avoid a degenerate zero-size buffer.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{entries: make([]Entry, capacity), capacity: capacity}
}

// Push appends an entry, evicting the oldest one once the ring is full.
func (r *Ring) Push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.filled = true
	}
}

// Snapshot returns up to limit entries (newest last), optionally filtered
// to a minimum level. limit <= 0 means "no limit".
func (r *Ring) Snapshot(limit int, minLevel Level) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Entry
	if r.filled {
		ordered = append(ordered, r.entries[r.next:]...)
		ordered = append(ordered, r.entries[:r.next]...)
	} else {
		ordered = append(ordered, r.entries[:r.next]...)
	}

	if minLevel != "" {
		filtered := ordered[:0:0]
		minRank := levelRank[minLevel]
		for _, e := range ordered {
			if levelRank[e.Level] >= minRank {
				filtered = append(filtered, e)
			}
		}
		ordered = filtered
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Logger is the bridge's single log sink. It wraps stdlib log.Logger the
// way the teacher's LogSessionEvent wraps log.Println: structured JSON
// when enabled, plain Printf otherwise, and it always feeds the ring.
type Logger struct {
	std        *log.Logger
	ring       *Ring
	structured bool
}

// New creates a Logger writing through std (stdlib logger) and feeding ring.
func New(std *log.Logger, ring *Ring, structured bool) *Logger {
	return &Logger{std: std, ring: ring, structured: structured}
}

func (l *Logger) log(level Level, msg string, fields map[string]any) {
	e := Entry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if l.ring != nil {
		l.ring.Push(e)
	}
	if l.std == nil {
		return
	}
	if l.structured {
		if b, err := json.Marshal(e); err == nil {
			l.std.Println(string(b))
			return
		}
	}
	if len(fields) > 0 {
		l.std.Printf("[%s] %s %v", level, msg, fields)
	} else {
		l.std.Printf("[%s] %s", level, msg)
	}
}

// Ring returns the ring buffer this logger feeds, for C9's /logs
// endpoint to read from directly.
func (l *Logger) Ring() *Ring { return l.ring }

func (l *Logger) Debug(msg string, fields map[string]any) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields map[string]any)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields map[string]any) { l.log(LevelError, msg, fields) }
