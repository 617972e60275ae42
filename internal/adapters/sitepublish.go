package adapters

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"vigil/internal/clock"
	"vigil/internal/logging"
)

// SitePublishAdapter drops the rendered notice into the static-site
// output directory. Site generation itself happens downstream; the engine
// only knows "publish the site" as an action label.
type SitePublishAdapter struct {
	outputDir string
	clock     clock.Clock
	logger    logging.Logger
}

// NewSitePublishAdapter creates the site-publish adapter. An empty output
// directory leaves it not configured.
func NewSitePublishAdapter(outputDir string, clk clock.Clock) *SitePublishAdapter {
	return &SitePublishAdapter{
		outputDir: outputDir,
		clock:     clk,
		logger:    logging.NewComponentLogger("SitePublishAdapter"),
	}
}

func (a *SitePublishAdapter) Name() string { return "site_publish" }

func (a *SitePublishAdapter) IsEnabled(ExecutionContext) bool {
	return a.outputDir != ""
}

func (a *SitePublishAdapter) Validate(ec ExecutionContext) (bool, string) {
	if ec.Content == "" {
		return false, "empty content"
	}
	return true, ""
}

func (a *SitePublishAdapter) Execute(_ context.Context, ec ExecutionContext) Receipt {
	now := a.clock.Now()

	if err := os.MkdirAll(a.outputDir, 0755); err != nil {
		return FailedReceipt(a.Name(), ec, ReasonTransientError, err.Error(), now)
	}

	name := fmt.Sprintf("%s-%s.md", ec.Stage, ec.ActionID)
	path := filepath.Join(a.outputDir, name)
	if err := os.WriteFile(path, []byte(ec.Content), 0644); err != nil {
		return FailedReceipt(a.Name(), ec, ReasonTransientError, err.Error(), a.clock.Now())
	}

	a.logger.Info("Published site notice %s", path)
	return OKReceipt(a.Name(), ec, name, a.clock.Now())
}
