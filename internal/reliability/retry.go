package reliability

import (
	"time"

	"vigil/internal/state"
)

// Retry scheduling constants. Backoff doubles per attempt from the base
// and is capped; after the last attempt the action is dropped.
const (
	RetryBaseDelay   = 60 * time.Second
	RetryMaxDelay    = time.Hour
	RetryMaxAttempts = 5
)

// Backoff returns the delay before the given attempt number. Attempt 1
// waits the base delay; each further attempt doubles it up to the cap.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= RetryMaxDelay {
			return RetryMaxDelay
		}
	}
	return d
}

// Enqueue adds or reschedules a retry entry for the key. Returns false
// when the attempt budget is exhausted; the caller then drops the
// action and records the drop in the ledger.
func Enqueue(doc *state.Document, stage, actionID, key, lastError string, now time.Time) bool {
	for i := range doc.RetryQueue {
		if doc.RetryQueue[i].Key != key {
			continue
		}
		e := &doc.RetryQueue[i]
		if e.Attempts >= RetryMaxAttempts {
			doc.RetryQueue = append(doc.RetryQueue[:i], doc.RetryQueue[i+1:]...)
			return false
		}
		e.Attempts++
		e.NextAttemptAt = now.Add(Backoff(e.Attempts))
		e.LastError = lastError
		return true
	}

	doc.RetryQueue = append(doc.RetryQueue, state.RetryEntry{
		Key:           key,
		Stage:         stage,
		ActionID:      actionID,
		Attempts:      1,
		NextAttemptAt: now.Add(Backoff(1)),
		LastError:     lastError,
	})
	return true
}

// Reschedule re-queues a drained entry with the next backoff step,
// preserving its original stage and attempt count. Returns false when
// the attempt budget is exhausted; the entry is not re-queued and the
// caller records the drop.
func Reschedule(doc *state.Document, entry state.RetryEntry, lastError string, now time.Time) bool {
	if entry.Attempts >= RetryMaxAttempts {
		return false
	}
	entry.Attempts++
	entry.NextAttemptAt = now.Add(Backoff(entry.Attempts))
	entry.LastError = lastError
	doc.RetryQueue = append(doc.RetryQueue, entry)
	return true
}

// Due removes and returns every entry whose next attempt time has
// arrived. Entries stay removed; a further failure re-enqueues them
// with a longer delay.
func Due(doc *state.Document, now time.Time) []state.RetryEntry {
	var due []state.RetryEntry
	var rest []state.RetryEntry
	for _, e := range doc.RetryQueue {
		if !e.NextAttemptAt.After(now) {
			due = append(due, e)
		} else {
			rest = append(rest, e)
		}
	}
	doc.RetryQueue = rest
	return due
}

// Drop removes the entry for key, if present. Used when the key is
// consumed by a success or when the stage moved on and the pending
// retry no longer applies.
func Drop(doc *state.Document, key string) {
	for i := range doc.RetryQueue {
		if doc.RetryQueue[i].Key == key {
			doc.RetryQueue = append(doc.RetryQueue[:i], doc.RetryQueue[i+1:]...)
			return
		}
	}
}
