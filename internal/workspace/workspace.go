// Package workspace assembles the per-invocation workspace: it drives the
// collector, feeds variable-file values into the variable store ahead
// of any render, runs every template through the orchestrator, and
// writes the combined result into a fresh "<cwd>/.jinjaform"
// workspace directory, preserving the IaC tool's own ".terraform" state
// directory across a rebuild.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edelwud/jinjaform/internal/collector"
	"github.com/edelwud/jinjaform/internal/depgraph"
	"github.com/edelwud/jinjaform/internal/extractor"
	"github.com/edelwud/jinjaform/internal/orchestrator"
	"github.com/edelwud/jinjaform/internal/render"
	"github.com/edelwud/jinjaform/pkg/log"
)

// terraformStateDir is the IaC tool's own state directory, preserved
// across a clean.
const terraformStateDir = ".terraform"

// Assembler builds the ephemeral "<cwd>/.jinjaform" workspace for one
// invocation.
type Assembler struct {
	// ProjectRoot is the nearest ancestor directory containing
	// ".jinjaformrc"; the ancestor chain is collected up to and including
	// this directory.
	ProjectRoot string
	// Cwd is the deployment target directory the command was invoked from.
	Cwd string
	// Extensions holds the project's .jinja/{filters,tests,context}
	// plugins, passed straight through to the renderer. May be nil.
	Extensions *render.Extensions

	moduleCache string
	pluginCache string
}

// New creates an Assembler for one build, with the shared caches at their
// default locations under "<projectRoot>/.jinjaform".
func New(projectRoot, cwd string, extensions *render.Extensions) *Assembler {
	return &Assembler{
		ProjectRoot: projectRoot,
		Cwd:         cwd,
		Extensions:  extensions,
		moduleCache: filepath.Join(projectRoot, ".jinjaform", "modules"),
		pluginCache: filepath.Join(projectRoot, ".jinjaform", "plugins"),
	}
}

// ConfigureCaches points the shared module and plugin caches at the
// project-configured directories, resolving relative paths against the
// project root. An empty value keeps the default.
func (a *Assembler) ConfigureCaches(modulesDir, pluginsDir string) {
	if modulesDir != "" {
		a.moduleCache = a.resolveDir(modulesDir)
	}
	if pluginsDir != "" {
		a.pluginCache = a.resolveDir(pluginsDir)
	}
}

func (a *Assembler) resolveDir(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(a.ProjectRoot, dir)
}

// Dir returns the workspace directory this Assembler builds into.
func (a *Assembler) Dir() string {
	return filepath.Join(a.Cwd, ".jinjaform")
}

func (a *Assembler) terraformDir() string {
	return filepath.Join(a.Dir(), terraformStateDir)
}

func (a *Assembler) moduleCacheDir() string {
	return a.moduleCache
}

func (a *Assembler) pluginCacheDir() string {
	return a.pluginCache
}

// Clean removes every direct child of the workspace directory except
// ".terraform", the IaC tool's own state. A workspace that does not exist
// yet is not an error: there is nothing to clean.
func (a *Assembler) Clean() error {
	entries, err := os.ReadDir(a.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading workspace directory: %w", err)
	}

	for _, e := range entries {
		if e.Name() == terraformStateDir {
			continue
		}
		path := filepath.Join(a.Dir(), e.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}
	return nil
}

// Result is what a successful Build produces: the provider/backend
// metadata extracted from every rendered template, for the cloud-setup
// collaborator.
type Result struct {
	Metadata     extractor.Metadata
	Dependencies *depgraph.Graph
}

// BuildError wraps the aggregate render error list a failed Build
// produced. No rendered ".tf" files are written to the workspace when this
// is returned.
type BuildError struct {
	Errors       []error
	Dependencies *depgraph.Graph
}

func (e *BuildError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	msg := fmt.Sprintf("workspace build failed:\n  %s", strings.Join(msgs, "\n  "))
	if e.Dependencies != nil {
		if cycles := e.Dependencies.DetectCycles(); len(cycles) > 0 {
			msg += "\nvariable dependency cycles:"
			for _, cycle := range cycles {
				msg += fmt.Sprintf("\n  %s", strings.Join(cycle, " -> "))
			}
		}
	}
	return msg
}

// Build assembles the workspace: caches and symlinks first, then variable
// files, then templates, then the combined outputs.
func (a *Assembler) Build(ctx context.Context) (*Result, error) {
	if err := a.prepareCaches(); err != nil {
		return nil, err
	}

	entries, err := collector.New(a.ProjectRoot).Collect(a.Cwd)
	if err != nil {
		return nil, fmt.Errorf("collecting workspace files: %w", err)
	}

	orch := orchestrator.New(a.Extensions)

	tfvarsGroups, tfGroups, otherGroups := groupByKind(entries)

	if err := a.writeTFVars(orch, tfvarsGroups); err != nil {
		return nil, err
	}

	templates, err := buildTemplates(tfGroups)
	if err != nil {
		return nil, err
	}

	outcome, err := orch.Run(ctx, templates)
	if err != nil {
		return nil, fmt.Errorf("running template workers: %w", err)
	}
	if !outcome.Success {
		return nil, &BuildError{Errors: outcome.Errors, Dependencies: outcome.Dependencies}
	}

	if err := a.writeRenderedTF(tfGroups, outcome.Outputs); err != nil {
		return nil, err
	}
	if err := a.writeOther(otherGroups); err != nil {
		return nil, err
	}

	return &Result{Metadata: outcome.Metadata, Dependencies: outcome.Dependencies}, nil
}

// prepareCaches ensures the workspace's ".terraform" directory exists,
// with a "modules" symlink into the project-wide module cache and a
// ".root" symlink to the project root so rendered configuration can
// reference project-relative paths. The plugin cache is not symlinked:
// Terraform resolves modules through a path it expects under .terraform,
// but finds the plugin cache purely through TF_PLUGIN_CACHE_DIR, which
// the caller exports to the child process.
func (a *Assembler) prepareCaches() error {
	if err := os.MkdirAll(a.terraformDir(), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", a.terraformDir(), err)
	}
	if err := os.MkdirAll(a.moduleCacheDir(), 0o755); err != nil {
		return fmt.Errorf("creating module cache directory: %w", err)
	}
	if err := os.MkdirAll(a.pluginCacheDir(), 0o755); err != nil {
		return fmt.Errorf("creating plugin cache directory: %w", err)
	}

	moduleLink := filepath.Join(a.terraformDir(), "modules")
	if err := relink(moduleLink, a.moduleCacheDir()); err != nil {
		return fmt.Errorf("linking module cache: %w", err)
	}

	rootLink := filepath.Join(a.Dir(), ".root")
	if err := relink(rootLink, a.ProjectRoot); err != nil {
		return fmt.Errorf("linking project root: %w", err)
	}

	return nil
}

// PluginCacheDir returns the directory the caller should export as
// TF_PLUGIN_CACHE_DIR for the child IaC tool process.
func (a *Assembler) PluginCacheDir() string {
	return a.pluginCacheDir()
}

// relink replaces any existing file, directory, or symlink at link with a
// fresh symlink to target.
func relink(link, target string) error {
	if err := os.RemoveAll(link); err != nil {
		return err
	}
	return os.Symlink(target, link)
}

// group is one filename's ordered list of contributing ancestor-chain
// entries, leaf-to-root.
type group struct {
	name    string
	entries []collector.Entry
}

// groupByKind buckets entries by their Kind and groups same-named entries
// together, preserving the leaf-to-root order the collector returned them
// in. Within each kind, groups themselves are ordered alphabetically by
// name for deterministic output.
func groupByKind(entries []collector.Entry) (tfvars, tf, other []group) {
	tfvars = groupEntries(entries, collector.KindTFVars)
	tf = groupEntries(entries, collector.KindTF)
	other = groupEntries(entries, collector.KindOther)
	return
}

func groupEntries(entries []collector.Entry, kind collector.Kind) []group {
	order := make([]string, 0)
	byName := make(map[string][]collector.Entry)
	for _, e := range entries {
		if e.Kind != kind {
			continue
		}
		if _, seen := byName[e.Name]; !seen {
			order = append(order, e.Name)
		}
		byName[e.Name] = append(byName[e.Name], e)
	}
	sort.Strings(order)

	groups := make([]group, 0, len(order))
	for _, name := range order {
		groups = append(groups, group{name: name, entries: byName[name]})
	}
	return groups
}

// writeTFVars combines and writes every ".tfvars" group, and for
// "terraform.tfvars" specifically, parses each fragment and calls
// SetValue before any template worker starts. The combined file lists
// fragments leaf-to-root, but the store is fed root first: SetValue keeps
// the first value it sees, making the root fragment (the project-wide
// override) authoritative.
func (a *Assembler) writeTFVars(orch *orchestrator.Orchestrator, groups []group) error {
	extr := extractor.New()

	for _, g := range groups {
		if err := a.writeCombined(g, true); err != nil {
			return err
		}

		if strings.EqualFold(g.name, "terraform.tfvars") {
			// SetValue keeps only the first value it sees for a given
			// name, so fragments must be fed in root-to-leaf order (the
			// reverse of the collector's leaf-to-root order) for the
			// root fragment to win.
			for i := len(g.entries) - 1; i >= 0; i-- {
				e := g.entries[i]
				content, err := os.ReadFile(e.Source)
				if err != nil {
					return fmt.Errorf("reading %s: %w", e.Source, err)
				}
				attrs, diags := extr.ParseTFVars(e.Source, content)
				if diags.HasErrors() {
					return fmt.Errorf("parsing %s: %w", e.Source, diags)
				}
				for k, v := range attrs {
					orch.Store().SetValue(k, v)
				}
			}
		}
	}
	return nil
}

// buildTemplates turns every ".tf" entry across every group into one
// Template, each worker keyed by its own absolute source path: same-named
// files at different depths are rendered independently and only combined
// afterward, once every render has produced its own output.
func buildTemplates(groups []group) ([]orchestrator.Template, error) {
	var templates []orchestrator.Template
	for _, g := range groups {
		for _, e := range g.entries {
			content, err := os.ReadFile(e.Source)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", e.Source, err)
			}
			templates = append(templates, orchestrator.Template{
				WorkerID: e.Source,
				Path:     e.Source,
				Source:   content,
			})
		}
	}
	return templates, nil
}

// writeRenderedTF writes the combined output for every ".tf" group, using
// each entry's rendered output from the orchestrator's outcome.
func (a *Assembler) writeRenderedTF(groups []group, outputs map[string]string) error {
	for _, g := range groups {
		if err := a.writeCombinedRendered(g, outputs); err != nil {
			return err
		}
	}
	return nil
}

// writeOther writes every "other" group verbatim, with no provenance
// header since the format of an arbitrary file is unknown.
func (a *Assembler) writeOther(groups []group) error {
	for _, g := range groups {
		if err := a.writeCombined(g, false); err != nil {
			return err
		}
	}
	return nil
}

// writeCombined concatenates a group's contributing source files into one
// workspace file, optionally preceding each fragment with a provenance
// comment naming its path relative to the project root.
func (a *Assembler) writeCombined(g group, withProvenance bool) error {
	out, err := os.Create(filepath.Join(a.Dir(), g.name))
	if err != nil {
		return fmt.Errorf("creating %s: %w", g.name, err)
	}
	defer out.Close()

	for _, e := range g.entries {
		if withProvenance {
			if _, err := fmt.Fprintf(out, "# jinjaform: %s\n", a.relPath(e.Source)); err != nil {
				return err
			}
		}
		content, err := os.ReadFile(e.Source)
		if err != nil {
			return fmt.Errorf("reading %s: %w", e.Source, err)
		}
		if _, err := out.Write(content); err != nil {
			return err
		}
		if len(content) > 0 && content[len(content)-1] != '\n' {
			if _, err := out.Write([]byte("\n")); err != nil {
				return err
			}
		}
	}
	log.WithField("file", g.name).Debug("workspace: wrote combined file")
	return nil
}

// writeCombinedRendered is writeCombined's counterpart for ".tf" groups,
// substituting each fragment's rendered text for its raw source bytes.
func (a *Assembler) writeCombinedRendered(g group, outputs map[string]string) error {
	out, err := os.Create(filepath.Join(a.Dir(), g.name))
	if err != nil {
		return fmt.Errorf("creating %s: %w", g.name, err)
	}
	defer out.Close()

	for _, e := range g.entries {
		if _, err := fmt.Fprintf(out, "# jinjaform: %s\n", a.relPath(e.Source)); err != nil {
			return err
		}
		rendered, ok := outputs[e.Source]
		if !ok {
			return fmt.Errorf("no rendered output recorded for %s", e.Source)
		}
		if _, err := out.WriteString(rendered); err != nil {
			return err
		}
		if len(rendered) > 0 && rendered[len(rendered)-1] != '\n' {
			if _, err := out.WriteString("\n"); err != nil {
				return err
			}
		}
	}
	log.WithField("file", g.name).Debug("workspace: wrote rendered file")
	return nil
}

func (a *Assembler) relPath(path string) string {
	rel, err := filepath.Rel(a.ProjectRoot, path)
	if err != nil {
		return path
	}
	return rel
}
