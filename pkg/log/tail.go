package log

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is a single retained log record
type Record struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Tail retains the most recent error-level records in a bounded ring.
// It implements zerolog.Hook so it can be attached to any child logger;
// the retained records are served over the control API.
type Tail struct {
	mu      sync.Mutex
	max     int
	records []Record
}

// NewTail creates a tail ring retaining at most max records. A max of
// zero disables retention entirely.
func NewTail(max int) *Tail {
	return &Tail{max: max}
}

// Run implements zerolog.Hook. Only error level and above is retained.
func (t *Tail) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if t.max == 0 || level < zerolog.ErrorLevel {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, Record{
		Time:    time.Now(),
		Level:   level.String(),
		Message: message,
	})
	if len(t.records) > t.max {
		t.records = t.records[len(t.records)-t.max:]
	}
}

// Last returns a copy of the retained records, oldest first.
func (t *Tail) Last() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Len returns the number of retained records.
func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
