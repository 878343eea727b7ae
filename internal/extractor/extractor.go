// Package extractor introspects rendered configuration: once a
// template has been rendered to HCL text, it parses that text, returns
// every "variable" block for the caller to register with the variable
// store, and collects provider and backend configuration for the
// cloud-setup collaborator.
package extractor

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// VariableDecl is one "variable" block found in a rendered file.
type VariableDecl struct {
	Name       string
	HasDefault bool
	Default    any
}

// Metadata collects the provider and backend configuration gathered while
// extracting a workspace, keyed by provider/backend type (e.g. "aws", "s3").
type Metadata struct {
	Providers map[string]map[string]any
	Backends  map[string]map[string]any
}

// NewMetadata creates an empty Metadata ready for merging.
func NewMetadata() Metadata {
	return Metadata{
		Providers: make(map[string]map[string]any),
		Backends:  make(map[string]map[string]any),
	}
}

// Merge folds other into m, attribute by attribute. Later calls win on
// conflicting keys within the same provider/backend type.
func (m Metadata) Merge(other Metadata) {
	mergeInto(m.Providers, other.Providers)
	mergeInto(m.Backends, other.Backends)
}

func mergeInto(dst, src map[string]map[string]any) {
	for kind, attrs := range src {
		existing, ok := dst[kind]
		if !ok {
			existing = make(map[string]any)
			dst[kind] = existing
		}
		for k, v := range attrs {
			existing[k] = v
		}
	}
}

// Extractor parses rendered HCL text into variable declarations and
// provider/backend metadata.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

var topSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "variable", LabelNames: []string{"name"}},
		{Type: "provider", LabelNames: []string{"name"}},
		{Type: "terraform"},
	},
}

var backendSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "backend", LabelNames: []string{"name"}},
	},
}

var defaultSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "default"},
	},
}

// Parse extracts variable declarations and provider/backend metadata from
// one rendered file. filename is used only to attribute diagnostics.
func (e *Extractor) Parse(filename string, content []byte) ([]VariableDecl, Metadata, hcl.Diagnostics) {
	meta := NewMetadata()
	var vars []VariableDecl

	hclParser := hclparse.NewParser()
	file, diags := hclParser.ParseHCL(content, filename)
	if file == nil {
		return vars, meta, diags
	}

	body, _, topDiags := file.Body.PartialContent(topSchema)
	diags = append(diags, topDiags...)
	if body == nil {
		return vars, meta, diags
	}

	for _, block := range body.Blocks {
		switch block.Type {
		case "variable":
			decl, blockDiags := e.extractVariable(block)
			diags = append(diags, blockDiags...)
			vars = append(vars, decl)
		case "provider":
			attrs, blockDiags := blockAttributes(block.Body)
			diags = append(diags, blockDiags...)
			storeAttrs(meta.Providers, block.Labels[0], attrs)
		case "terraform":
			backendContent, _, backendDiags := block.Body.PartialContent(backendSchema)
			diags = append(diags, backendDiags...)
			if backendContent == nil {
				continue
			}
			for _, backendBlock := range backendContent.Blocks {
				attrs, blockDiags := blockAttributes(backendBlock.Body)
				diags = append(diags, blockDiags...)
				storeAttrs(meta.Backends, backendBlock.Labels[0], attrs)
			}
		}
	}

	return vars, meta, diags
}

// ParseTFVars parses the top-level key = value assignments of a ".tfvars"
// fragment, the format the assembler feeds into the variable store's SetValue before
// any template worker starts.
func (e *Extractor) ParseTFVars(filename string, content []byte) (map[string]any, hcl.Diagnostics) {
	hclParser := hclparse.NewParser()
	file, diags := hclParser.ParseHCL(content, filename)
	if file == nil {
		return nil, diags
	}
	attrs, attrDiags := blockAttributes(file.Body)
	diags = append(diags, attrDiags...)
	return attrs, diags
}

func (e *Extractor) extractVariable(block *hcl.Block) (VariableDecl, hcl.Diagnostics) {
	decl := VariableDecl{Name: block.Labels[0]}

	content, _, diags := block.Body.PartialContent(defaultSchema)
	if content == nil {
		return decl, diags
	}

	attr, ok := content.Attributes["default"]
	if !ok {
		return decl, diags
	}

	val, valDiags := attr.Expr.Value(nil)
	diags = append(diags, valDiags...)
	if valDiags.HasErrors() {
		return decl, diags
	}

	decl.HasDefault = true
	decl.Default = ctyToGo(val)
	return decl, diags
}

func blockAttributes(body hcl.Body) (map[string]any, hcl.Diagnostics) {
	attrs, diags := body.JustAttributes()
	result := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, valDiags := attr.Expr.Value(nil)
		diags = append(diags, valDiags...)
		if valDiags.HasErrors() {
			continue
		}
		result[name] = ctyToGo(val)
	}
	return result, diags
}

func storeAttrs(dst map[string]map[string]any, kind string, attrs map[string]any) {
	existing, ok := dst[kind]
	if !ok {
		existing = make(map[string]any)
		dst[kind] = existing
	}
	for k, v := range attrs {
		existing[k] = v
	}
}

// ctyToGo converts a cty.Value to a plain Go value (string, bool, float64,
// []any or map[string]any), the shape the variable store and templating
// engine both consume. Unknown or null values become nil.
func ctyToGo(val cty.Value) any {
	if val.IsNull() || !val.IsKnown() {
		return nil
	}

	t := val.Type()
	switch {
	case t == cty.String:
		return val.AsString()
	case t == cty.Bool:
		return val.True()
	case t == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		items := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			items = append(items, ctyToGo(v))
		}
		return items
	case t.IsObjectType() || t.IsMapType():
		result := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			result[fmt.Sprint(k.AsString())] = ctyToGo(v)
		}
		return result
	default:
		return nil
	}
}
