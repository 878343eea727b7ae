package render

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"strings"

	"github.com/nikolalohinski/gonja/v2/exec"
)

// FilterFunc is the engine-native filter signature a project's compiled
// filter plugins must export: "{{ value | name(args...) }}".
type FilterFunc = exec.FilterFunction

// TestFunc is the engine-native test signature a project's compiled test
// plugins must export: "{% if value is name %}".
type TestFunc = exec.TestFunction

// Extensions holds the filters, tests, and context values a project
// contributes under .jinja/filters, .jinja/tests, and .jinja/context to
// extend the template language. Each extension is a compiled shared
// object built with `go build -buildmode=plugin`.
type Extensions struct {
	Filters map[string]FilterFunc
	Tests   map[string]TestFunc
	Context map[string]any
}

// LoadExtensions reads .jinja/{filters,tests,context} under dir and loads
// every *.so file found there. A missing .jinja directory, or a missing
// subdirectory, is not an error: projects that don't extend the template
// language simply have none.
//
// Each filters/*.so must export a package-level symbol named Filters of
// type map[string]render.FilterFunc. Each tests/*.so must export Tests of
// type map[string]render.TestFunc. Each context/*.so must export Context
// of type map[string]any. A plugin may omit the symbols it doesn't need.
func LoadExtensions(dir string) (*Extensions, error) {
	ext := &Extensions{
		Filters: make(map[string]FilterFunc),
		Tests:   make(map[string]TestFunc),
		Context: make(map[string]any),
	}

	jinjaDir := filepath.Join(dir, ".jinja")
	if _, err := os.Stat(jinjaDir); os.IsNotExist(err) {
		return ext, nil
	}

	if err := loadFilters(filepath.Join(jinjaDir, "filters"), ext.Filters); err != nil {
		return nil, err
	}
	if err := loadTests(filepath.Join(jinjaDir, "tests"), ext.Tests); err != nil {
		return nil, err
	}
	if err := loadContext(filepath.Join(jinjaDir, "context"), ext.Context); err != nil {
		return nil, err
	}

	return ext, nil
}

func loadFilters(dir string, into map[string]FilterFunc) error {
	return forEachPlugin(dir, func(p *plugin.Plugin, path string) error {
		sym, err := p.Lookup("Filters")
		if err != nil {
			return nil
		}
		filters, ok := sym.(*map[string]FilterFunc)
		if !ok {
			return fmt.Errorf("%s: Filters symbol has unexpected type %T", path, sym)
		}
		for name, fn := range *filters {
			into[name] = fn
		}
		return nil
	})
}

func loadTests(dir string, into map[string]TestFunc) error {
	return forEachPlugin(dir, func(p *plugin.Plugin, path string) error {
		sym, err := p.Lookup("Tests")
		if err != nil {
			return nil
		}
		tests, ok := sym.(*map[string]TestFunc)
		if !ok {
			return fmt.Errorf("%s: Tests symbol has unexpected type %T", path, sym)
		}
		for name, fn := range *tests {
			into[name] = fn
		}
		return nil
	})
}

func loadContext(dir string, into map[string]any) error {
	return forEachPlugin(dir, func(p *plugin.Plugin, path string) error {
		sym, err := p.Lookup("Context")
		if err != nil {
			return nil
		}
		ctx, ok := sym.(*map[string]any)
		if !ok {
			return fmt.Errorf("%s: Context symbol has unexpected type %T", path, sym)
		}
		for name, val := range *ctx {
			into[name] = val
		}
		return nil
	})
}

// forEachPlugin opens every *.so file in dir, in sorted-name order, and
// hands it to fn. A missing dir is not an error.
func forEachPlugin(dir string, fn func(p *plugin.Plugin, path string) error) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".so") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		p, err := plugin.Open(path)
		if err != nil {
			return fmt.Errorf("loading plugin %s: %w", path, err)
		}
		if err := fn(p, path); err != nil {
			return err
		}
	}
	return nil
}
