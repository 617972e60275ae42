package adapters

import (
	"context"
	"sync"
	"time"

	"vigil/internal/clock"
)

// MockAdapter records invocations and returns scripted receipts. It backs
// engine tests and doubles as the default target in mock mode.
type MockAdapter struct {
	name  string
	clock clock.Clock

	mu      sync.Mutex
	calls   []ExecutionContext
	scripts []Receipt // consumed in order; empty means always ok
}

// NewMockAdapter creates a mock adapter answering to name.
func NewMockAdapter(name string, clk clock.Clock) *MockAdapter {
	return &MockAdapter{name: name, clock: clk}
}

func (a *MockAdapter) Name() string { return a.name }

func (a *MockAdapter) IsEnabled(ExecutionContext) bool { return true }

func (a *MockAdapter) Validate(ExecutionContext) (bool, string) { return true, "" }

// Script appends receipts returned by subsequent Execute calls, in order.
func (a *MockAdapter) Script(receipts ...Receipt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts = append(a.scripts, receipts...)
}

// ScriptFailure queues a failed receipt with the given reason.
func (a *MockAdapter) ScriptFailure(reason string) {
	a.Script(Receipt{Kind: KindFailed, Adapter: a.name, Reason: reason})
}

// Calls returns the recorded execution contexts.
func (a *MockAdapter) Calls() []ExecutionContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ExecutionContext(nil), a.calls...)
}

// CallCount returns how many times Execute ran.
func (a *MockAdapter) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *MockAdapter) Execute(_ context.Context, ec ExecutionContext) Receipt {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, ec)

	var now time.Time
	if a.clock != nil {
		now = a.clock.Now()
	}

	if len(a.scripts) > 0 {
		r := a.scripts[0]
		a.scripts = a.scripts[1:]
		r.Adapter = a.name
		r.ActionID = ec.ActionID
		if r.At.IsZero() {
			r.At = now
		}
		return r
	}
	return OKReceipt(a.name, ec, "", now)
}
