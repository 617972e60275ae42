package adapters

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"vigil/internal/clock"
	"vigil/internal/logging"
)

// MirrorAdapter copies the published site directory to a secondary
// location so disclosure survives loss of the primary output.
type MirrorAdapter struct {
	sourceDir string
	mirrorDir string
	clock     clock.Clock
	logger    logging.Logger
}

// NewMirrorAdapter creates the mirror adapter. Both directories must be
// configured for it to be enabled.
func NewMirrorAdapter(sourceDir, mirrorDir string, clk clock.Clock) *MirrorAdapter {
	return &MirrorAdapter{
		sourceDir: sourceDir,
		mirrorDir: mirrorDir,
		clock:     clk,
		logger:    logging.NewComponentLogger("MirrorAdapter"),
	}
}

func (a *MirrorAdapter) Name() string { return "mirror" }

func (a *MirrorAdapter) IsEnabled(ExecutionContext) bool {
	return a.sourceDir != "" && a.mirrorDir != ""
}

func (a *MirrorAdapter) Validate(ExecutionContext) (bool, string) {
	if _, err := os.Stat(a.sourceDir); err != nil {
		return false, "source directory not readable"
	}
	return true, ""
}

func (a *MirrorAdapter) Execute(ctx context.Context, ec ExecutionContext) Receipt {
	now := a.clock.Now()

	entries, err := os.ReadDir(a.sourceDir)
	if err != nil {
		return FailedReceipt(a.Name(), ec, ReasonTransientError, err.Error(), now)
	}
	if err := os.MkdirAll(a.mirrorDir, 0755); err != nil {
		return FailedReceipt(a.Name(), ec, ReasonTransientError, err.Error(), now)
	}

	copied := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return FailedReceipt(a.Name(), ec, classifyError(err), err.Error(), a.clock.Now())
		}
		if err := copyFile(
			filepath.Join(a.sourceDir, entry.Name()),
			filepath.Join(a.mirrorDir, entry.Name()),
		); err != nil {
			return FailedReceipt(a.Name(), ec, ReasonTransientError, err.Error(), a.clock.Now())
		}
		copied++
	}

	a.logger.Info("Mirrored %d files to %s", copied, a.mirrorDir)
	return OKReceipt(a.Name(), ec, "", a.clock.Now())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
