package adapters

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"vigil/internal/clock"
	"vigil/internal/logging"
)

// ArchiveAdapter keeps a timestamped copy of every disclosed notice in a
// local archive directory, independent of the published site.
type ArchiveAdapter struct {
	archiveDir string
	clock      clock.Clock
	logger     logging.Logger
}

// NewArchiveAdapter creates the archive adapter. An empty directory
// leaves it not configured.
func NewArchiveAdapter(archiveDir string, clk clock.Clock) *ArchiveAdapter {
	return &ArchiveAdapter{
		archiveDir: archiveDir,
		clock:      clk,
		logger:     logging.NewComponentLogger("ArchiveAdapter"),
	}
}

func (a *ArchiveAdapter) Name() string { return "archive" }

func (a *ArchiveAdapter) IsEnabled(ExecutionContext) bool {
	return a.archiveDir != ""
}

func (a *ArchiveAdapter) Validate(ec ExecutionContext) (bool, string) {
	if ec.Content == "" {
		return false, "empty content"
	}
	return true, ""
}

func (a *ArchiveAdapter) Execute(_ context.Context, ec ExecutionContext) Receipt {
	now := a.clock.Now()

	if err := os.MkdirAll(a.archiveDir, 0755); err != nil {
		return FailedReceipt(a.Name(), ec, ReasonTransientError, err.Error(), now)
	}

	name := fmt.Sprintf("%s-%s-%s.md", now.Format("20060102T150405Z"), ec.Stage, ec.ActionID)
	path := filepath.Join(a.archiveDir, name)
	if err := os.WriteFile(path, []byte(ec.Content), 0644); err != nil {
		return FailedReceipt(a.Name(), ec, ReasonTransientError, err.Error(), a.clock.Now())
	}

	return OKReceipt(a.Name(), ec, name, a.clock.Now())
}
