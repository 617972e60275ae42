package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"vigil/internal/logging"
)

// Ledger appends events to a line-delimited JSON file. Appends rely on
// O_APPEND semantics; each record is flushed before Append returns so a
// crash loses at most the record being written.
type Ledger struct {
	path   string
	mu     sync.Mutex
	logger logging.Logger
}

// NewLedger creates a ledger writing to path.
func NewLedger(path string) *Ledger {
	return &Ledger{
		path:   path,
		logger: logging.NewComponentLogger("AuditLedger"),
	}
}

// Path returns the ledger location on disk.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes one event as a single line.
func (l *Ledger) Append(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit ledger: %w", err)
	}
	return nil
}

// ReadAll returns every event in append order. Intended for the status
// surface and tests; the ledger can grow large, so callers that only need
// the tail should use ReadSince.
func (l *Ledger) ReadAll() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit ledger: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			l.logger.Warn("Skipping malformed ledger line %d: %v", lineNo, err)
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan audit ledger: %w", err)
	}
	return events, nil
}

// ReadSince returns events belonging to ticks at or after tickID, relying
// on tick identifiers being lexicographically sortable.
func (l *Ledger) ReadSince(tickID string) ([]Event, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, e := range all {
		if e.TickID >= tickID {
			out = append(out, e)
		}
	}
	return out, nil
}
