package batch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// LogEntry is one timestamped line of a run log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// LogBuffer accumulates run log lines in memory. It is flushed to the run
// row once, at the terminal transition.
type LogBuffer struct {
	clock clock.Clock

	mu      sync.Mutex
	entries []LogEntry
}

// NewLogBuffer creates an empty buffer stamped with clk
func NewLogBuffer(clk clock.Clock) *LogBuffer {
	if clk == nil {
		clk = clock.New()
	}
	return &LogBuffer{clock: clk}
}

// Add appends msg
func (b *LogBuffer) Add(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, LogEntry{Timestamp: b.clock.Now().UTC(), Message: msg})
}

// Addf appends a formatted line
func (b *LogBuffer) Addf(format string, args ...any) {
	b.Add(fmt.Sprintf(format, args...))
}

// Entries returns a copy of the lines
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]LogEntry(nil), b.entries...)
}

// Len returns the number of lines
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// String renders the buffer as "[RFC3339] message" lines
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	for i, e := range b.entries {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("[")
		sb.WriteString(e.Timestamp.Format(time.RFC3339))
		sb.WriteString("] ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}
