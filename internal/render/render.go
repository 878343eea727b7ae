// Package render renders Jinja2-compatible workspace templates with
// strict-undefined semantics, resolving "var.<name>" references against
// the variable store: unconditional ones before the first render attempt,
// ones inside {% if %}/{% for %} bodies only when an attempt needs them.
package render

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/nikolalohinski/gonja/v2"
	"github.com/nikolalohinski/gonja/v2/config"
	"github.com/nikolalohinski/gonja/v2/exec"
	"github.com/nikolalohinski/gonja/v2/loaders"

	"github.com/edelwud/jinjaform/internal/varstore"
)

var (
	varRefPattern = regexp.MustCompile(`\bvar\.([A-Za-z_][A-Za-z0-9_]*)`)
	tagPattern    = regexp.MustCompile(`\{%-?\s*(\w+)`)
)

// ReferencedVariables returns the distinct var.<name> references appearing
// anywhere in a template's source text, in first-appearance order.
func ReferencedVariables(source []byte) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range varRefPattern.FindAllSubmatch(source, -1) {
		name := string(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// UnconditionalReferences returns the distinct var.<name> references a
// render always evaluates: those outside every {% if %} and {% for %}
// body. A top-level opening tag's own expression still counts, since the
// engine must evaluate it to pick the branch, but anything inside the
// block may never be reached and so must not pre-emptively block on the
// store.
func UnconditionalReferences(source []byte) []string {
	var unconditional []byte
	depth := 0
	rest := source
	for len(rest) > 0 {
		loc := tagPattern.FindSubmatchIndex(rest)
		if loc == nil {
			if depth == 0 {
				unconditional = append(unconditional, rest...)
			}
			break
		}

		end := loc[1]
		if tagEnd := bytes.Index(rest[loc[0]:], []byte("%}")); tagEnd >= 0 {
			end = loc[0] + tagEnd + 2
		}

		switch keyword := string(rest[loc[2]:loc[3]]); keyword {
		case "if", "for":
			if depth == 0 {
				unconditional = append(unconditional, rest[:end]...)
			}
			depth++
		case "endif", "endfor":
			if depth == 0 {
				unconditional = append(unconditional, rest[:end]...)
			} else {
				depth--
			}
		default:
			if depth == 0 {
				unconditional = append(unconditional, rest[:end]...)
			}
		}
		rest = rest[end:]
	}
	return ReferencedVariables(unconditional)
}

// Engine renders templates against a shared variable store.
type Engine struct {
	store        *varstore.Store
	cfg          *config.Config
	env          *exec.Environment
	extraContext map[string]any
}

// New creates an Engine. extensions may be nil.
func New(store *varstore.Store, extensions *Extensions) *Engine {
	cfg := config.New()
	cfg.StrictUndefined = true
	cfg.KeepTrailingNewline = true

	env := &exec.Environment{
		Context:           gonja.DefaultEnvironment.Context,
		Filters:           gonja.DefaultEnvironment.Filters,
		Tests:             gonja.DefaultEnvironment.Tests,
		ControlStructures: gonja.DefaultEnvironment.ControlStructures,
		Methods:           gonja.DefaultEnvironment.Methods,
	}

	e := &Engine{store: store, cfg: cfg, env: env}
	if extensions != nil {
		for name, fn := range extensions.Filters {
			_ = env.Filters.Register(name, fn)
		}
		for name, fn := range extensions.Tests {
			_ = env.Tests.Register(name, fn)
		}
		e.extraContext = extensions.Context
	}

	return e
}

// Render resolves the var.<name> references in source against the store
// for workerID, then renders the template. Unconditional references are
// resolved before the first attempt; a reference inside an {% if %} or
// {% for %} body may never be reached, so it is only resolved once a
// render attempt actually trips over it. sourcePath names the template in
// every error the render produces.
func (e *Engine) Render(workerID, sourcePath string, source []byte) (string, error) {
	resolved := make(map[string]any)
	lookup := func(name string) error {
		val, err := e.store.Lookup(workerID, name)
		if err != nil {
			return fmt.Errorf("%w in %s", err, sourcePath)
		}
		resolved[name] = val
		return nil
	}

	for _, name := range UnconditionalReferences(source) {
		if err := lookup(name); err != nil {
			return "", err
		}
	}

	loaderPath := "/" + strings.TrimPrefix(sourcePath, "/")
	loader, err := loaders.NewMemoryLoader(map[string]string{loaderPath: string(source)})
	if err != nil {
		return "", fmt.Errorf("loading template %s: %w", sourcePath, err)
	}
	tpl, err := exec.NewTemplate(loaderPath, e.cfg, loader, e.env)
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", sourcePath, err)
	}

	var remaining []string
	for _, name := range ReferencedVariables(source) {
		if _, ok := resolved[name]; !ok {
			remaining = append(remaining, name)
		}
	}

	for {
		out, err := tpl.ExecuteToString(exec.NewContext(e.contextData(resolved)))
		if err == nil {
			return out, nil
		}
		name, rest := nextUnresolved(err, remaining)
		if name == "" {
			return "", fmt.Errorf("rendering %s: %w", sourcePath, err)
		}
		remaining = rest
		if err := lookup(name); err != nil {
			return "", err
		}
	}
}

func (e *Engine) contextData(resolved map[string]any) map[string]any {
	data := map[string]any{
		"var": resolved,
		"env": environMap(),
	}
	for k, v := range e.extraContext {
		if _, exists := data[k]; !exists {
			data[k] = v
		}
	}
	return data
}

// nextUnresolved picks which still-unresolved reference a failed render
// attempt tripped over: the first candidate the engine's error names, or,
// failing that, the first candidate in appearance order so the retry loop
// always drains before surfacing the underlying error.
func nextUnresolved(err error, candidates []string) (string, []string) {
	if len(candidates) == 0 {
		return "", nil
	}
	msg := err.Error()
	for i, name := range candidates {
		if strings.Contains(msg, name) {
			return name, append(candidates[:i:i], candidates[i+1:]...)
		}
	}
	return candidates[0], candidates[1:]
}

// environMap mirrors the process environment into the template context,
// so every template can read environment variables alongside its
// resolved variables.
func environMap() map[string]string {
	env := os.Environ()
	result := make(map[string]string, len(env))
	for _, kv := range env {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			result[kv[:idx]] = kv[idx+1:]
		}
	}
	return result
}
