// Package orchestrator runs every template in a workspace through the
// renderer concurrently, one worker per template, so that a var.<name>
// reference in one template can block on a value another template is still
// producing without serializing the whole render.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/edelwud/jinjaform/internal/depgraph"
	"github.com/edelwud/jinjaform/internal/extractor"
	"github.com/edelwud/jinjaform/internal/render"
	"github.com/edelwud/jinjaform/internal/varstore"
)

// Template is one file queued for rendering.
type Template struct {
	// WorkerID uniquely identifies this template to the variable store. The
	// collected file's path is used, since it is already unique per run.
	WorkerID string
	Path     string
	Source   []byte
}

// Outcome is the result of running every queued Template to completion.
type Outcome struct {
	// Outputs maps a Template's Path to its rendered content. A template
	// that failed to render has no entry here.
	Outputs map[string]string
	// Metadata is the union of every rendered template's provider/backend
	// blocks, merged last-writer-wins per the concurrency model's documented
	// eventually-merged ordering.
	Metadata extractor.Metadata
	// Errors holds every render failure, one per failing template. A
	// deadlock cancels every still-blocked lookup, so a single stuck
	// variable can surface as several errors, one per affected template.
	Errors  []error
	Success bool
	// Dependencies is the variable dependency graph built from every
	// template's declared and referenced variables, for diagnosing a
	// deadlock or visualizing cross-template dependencies.
	Dependencies *depgraph.Graph
}

// Orchestrator fans a batch of templates out across one goroutine each,
// sharing a single variable store so that cross-template var.<name>
// references resolve (or deadlock) the same way they would if every
// template were rendered by hand in dependency order. Each worker also runs
// the configuration extractor on its own rendered output immediately,
// before reporting done, so a variable one template declares can unblock a
// sibling that is already waiting on it.
type Orchestrator struct {
	store     *varstore.Store
	engine    *render.Engine
	extractor *extractor.Extractor
}

// New creates an Orchestrator backed by a fresh variable store.
func New(extensions *render.Extensions) *Orchestrator {
	store := varstore.New()
	return &Orchestrator{
		store:     store,
		engine:    render.New(store, extensions),
		extractor: extractor.New(),
	}
}

// Store returns the underlying variable store, so callers can Define or
// SetValue variables (e.g. from terraform.tfvars) before Run starts.
func (o *Orchestrator) Store() *varstore.Store {
	return o.store
}

// Run renders every template concurrently. Every worker runs to completion
// regardless of whether another worker failed: a context cancellation from
// the caller stops new work from starting, but an individual render
// failure never aborts its siblings, since a partial workspace assembled
// from a partially-successful run is not useful on its own.
func (o *Orchestrator) Run(ctx context.Context, templates []Template) (*Outcome, error) {
	for _, t := range templates {
		o.store.Register(t.WorkerID)
	}

	var (
		mu         sync.Mutex
		outputs    = make(map[string]string, len(templates))
		meta       = extractor.NewMetadata()
		errs       []error
		definedBy  = make(map[string]string)
		consumedBy = make(map[string][]string, len(templates))
	)

	// Declarations are also scanned from the raw source, so a template that
	// never finishes rendering (e.g. in a deadlock) still appears as the
	// producer of the variables it declares.
	declPattern := regexp.MustCompile(`(?m)^\s*variable\s+"([A-Za-z_][A-Za-z0-9_-]*)"`)
	for _, t := range templates {
		for _, name := range render.ReferencedVariables(t.Source) {
			consumedBy[name] = append(consumedBy[name], t.Path)
		}
		for _, m := range declPattern.FindAllSubmatch(t.Source, -1) {
			definedBy[string(m[1])] = t.Path
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, t := range templates {
		t := t
		eg.Go(func() error {
			defer o.store.Done(t.WorkerID)

			if err := egCtx.Err(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.Path, err))
				mu.Unlock()
				return nil
			}

			out, err := o.engine.Render(t.WorkerID, t.Path, t.Source)
			if err != nil {
				// Render errors already name their source template.
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}

			vars, fileMeta, diags := o.extractor.Parse(t.Path, []byte(out))
			if diags.HasErrors() {
				mu.Lock()
				errs = append(errs, fmt.Errorf("parsing rendered %s: %w", t.Path, diags))
				mu.Unlock()
				return nil
			}
			for _, v := range vars {
				o.store.Define(v.Name, v.Default, v.HasDefault)
			}

			mu.Lock()
			outputs[t.Path] = out
			meta.Merge(fileMeta)
			for _, v := range vars {
				definedBy[v.Name] = t.Path
			}
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })

	return &Outcome{
		Outputs:      outputs,
		Metadata:     meta,
		Errors:       errs,
		Success:      len(errs) == 0,
		Dependencies: depgraph.BuildFromVariables(definedBy, consumedBy),
	}, nil
}
