// Package actions selects the action plan for a stage and runs each
// entry through the adapter execution pipeline.
package actions

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"vigil/internal/logging"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Resolver renders message templates from the templates directory.
// Rendered output is plain text; a missing variable expands to the
// empty string rather than failing the action.
type Resolver struct {
	dir    string
	cache  *lru.Cache[string, string]
	logger logging.Logger
}

// NewResolver creates a resolver over dir. Raw template bodies are
// cached; substitution runs per call.
func NewResolver(dir string) (*Resolver, error) {
	cache, err := lru.New[string, string](64)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		dir:    dir,
		cache:  cache,
		logger: logging.NewComponentLogger("TemplateResolver"),
	}, nil
}

// Render loads the named template and substitutes {{var}} placeholders
// from vars. An empty name yields empty content, which the adapter's
// validation then rejects.
func (r *Resolver) Render(name string, vars map[string]string) (string, error) {
	if name == "" {
		return "", nil
	}

	raw, ok := r.cache.Get(name)
	if !ok {
		data, err := r.read(name)
		if err != nil {
			return "", err
		}
		raw = data
		r.cache.Add(name, raw)
	}

	out := placeholderRe.ReplaceAllStringFunc(raw, func(m string) string {
		key := strings.TrimSpace(m[2 : len(m)-2])
		v, ok := vars[key]
		if !ok {
			r.logger.Debug("Template %s: unresolved variable %q", name, key)
		}
		return v
	})
	return out, nil
}

// read loads the template body. Markdown is the primary form; a plain
// .txt body serves when no .md file exists.
func (r *Resolver) read(name string) (string, error) {
	data, mdErr := os.ReadFile(filepath.Join(r.dir, name+".md"))
	if mdErr == nil {
		return string(data), nil
	}
	data, txtErr := os.ReadFile(filepath.Join(r.dir, name+".txt"))
	if txtErr == nil {
		return string(data), nil
	}
	return "", fmt.Errorf("template %q: %w", name, mdErr)
}

// Invalidate drops a cached template body, used after template edits.
func (r *Resolver) Invalidate(name string) {
	r.cache.Remove(name)
}
