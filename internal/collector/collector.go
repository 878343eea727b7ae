// Package collector discovers workspace input files: it walks the
// directory chain from the working directory up to the project root and
// buckets the files it finds into variable files, Terraform/template
// files, and everything else.
package collector

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Kind classifies a collected file by its extension.
type Kind int

const (
	// KindTFVars is a ".tfvars" file, a source of variable values.
	KindTFVars Kind = iota
	// KindTF is a ".tf" file: every ".tf" file is a template, rendered
	// through the templating engine whether or not it references "var.*".
	KindTF
	// KindOther is any file that is neither ".tfvars" nor ".tf"; it is
	// copied into the workspace verbatim, never rendered.
	KindOther
)

// Entry is one file discovered in the ancestor chain.
type Entry struct {
	// Name is the file's lowercase final name: the key its bucket groups
	// on, and the name the combined workspace output is written under.
	Name string
	// Source is the absolute path to the file as found on disk.
	Source string
	// Dir is the absolute path to the directory Source was found in.
	Dir string
	// Kind classifies Name by its own extension.
	Kind Kind
}

// Collector walks a project's ancestor chain collecting workspace-relevant
// files.
type Collector struct {
	// ProjectRoot is the topmost directory to include in the walk.
	ProjectRoot string
}

// New creates a Collector rooted at projectRoot.
func New(projectRoot string) *Collector {
	return &Collector{ProjectRoot: projectRoot}
}

// Collect walks from startDir up through ProjectRoot (inclusive) and
// returns every relevant file found, ordered leaf-to-root across
// directories and alphabetically within a directory. Unlike a "first seen
// wins" scheme, same-named files at different depths are BOTH returned:
// combining their contents is the assembler's job, with the file's Kind
// deciding how. Name is lowercased, so differently-cased copies of
// the same filename at different depths land in one bucket and produce one
// combined workspace file.
func (c *Collector) Collect(startDir string) ([]Entry, error) {
	root, err := filepath.Abs(c.ProjectRoot)
	if err != nil {
		return nil, err
	}
	start, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	var entries []Entry

	current := start
	for isWithin(current, root) {
		dirEntries, err := readRelevantFiles(current)
		if err != nil {
			return nil, err
		}
		entries = append(entries, dirEntries...)

		if current == root {
			break
		}
		current = filepath.Dir(current)
	}

	return entries, nil
}

// isWithin reports whether dir is root or a descendant of root.
func isWithin(dir, root string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

// readRelevantFiles lists one directory's non-hidden regular files, sorted
// by on-disk name, and classifies each into a bucket.
func readRelevantFiles(dir string) ([]Entry, error) {
	infos, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			continue
		}
		names = append(names, info.Name())
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, Entry{
			Name:   strings.ToLower(name),
			Source: filepath.Join(dir, name),
			Dir:    dir,
			Kind:   classify(name),
		})
	}
	return entries, nil
}

// classify buckets name by its extension alone: every file qualifies for
// some bucket, so nothing found in the ancestor chain is silently dropped.
func classify(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tfvars":
		return KindTFVars
	case ".tf":
		return KindTF
	default:
		return KindOther
	}
}
