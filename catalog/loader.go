// Package catalog loads rule definitions from YAML files and keeps a running
// engine in sync with them. The engine API stays Register-based: the catalog
// is a host convenience layered on top.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"themis/core"
	"themis/expr"
)

// ruleSpec mirrors core.Rule's declarative fields. Fields whose zero value is
// not the right default are pointers: an omitted enabled means enabled, an
// omitted priority means MEDIUM.
type ruleSpec struct {
	Name         string                 `yaml:"name"`
	Description  string                 `yaml:"description"`
	Conditions   []core.Condition       `yaml:"conditions"`
	Actions      []core.Action          `yaml:"actions"`
	Priority     *core.Priority         `yaml:"priority"`
	Enabled      *bool                  `yaml:"enabled"`
	ContextTypes []string               `yaml:"context_types"`
	Tags         []string               `yaml:"tags"`
	Metadata     map[string]interface{} `yaml:"metadata"`
	Version      int                    `yaml:"version"`
}

func (s ruleSpec) rule() core.Rule {
	r := core.Rule{
		Name:         s.Name,
		Description:  s.Description,
		Conditions:   s.Conditions,
		Actions:      s.Actions,
		Priority:     core.PriorityMedium,
		Enabled:      true,
		ContextTypes: s.ContextTypes,
		Tags:         s.Tags,
		Metadata:     s.Metadata,
		Version:      s.Version,
	}
	if s.Priority != nil {
		r.Priority = *s.Priority
	}
	if s.Enabled != nil {
		r.Enabled = *s.Enabled
	}
	return r
}

// catalogDoc is the collection form of a document: a mapping with a rules
// sequence. A document without a rules key is decoded as a single rule.
type catalogDoc struct {
	Rules []ruleSpec `yaml:"rules"`
}

// Load reads rules from one YAML file. A file may hold a rules: collection,
// a single rule document, or several documents separated by ---. Duplicate
// rule names within the file are an error; unknown action names are not (they
// resolve at execution time).
func Load(path string) ([]core.Rule, error) {
	rules, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	if err := checkDuplicates(rules); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// LoadDir reads rules from every .yaml/.yml file under dir, including
// subdirectories. Files load in lexical walk order; duplicate rule names
// across the whole directory are an error.
func LoadDir(dir string) ([]core.Rule, error) {
	var rules []core.Rule
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		loaded, err := loadFile(path)
		if err != nil {
			return err
		}
		rules = append(rules, loaded...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkDuplicates(rules); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	return rules, nil
}

// LoadPath loads a catalog from a file or a directory.
func LoadPath(path string) ([]core.Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat catalog path: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return Load(path)
}

// Diagnostic is one problem Lint found, attributed to a rule.
type Diagnostic struct {
	Rule    string `json:"rule"`
	Problem string `json:"problem"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Rule, d.Problem)
}

// Lint loads a catalog from a file or directory and compiles every condition
// expression, returning the loaded rules plus a diagnostic per expression
// that fails to parse. Load errors (unreadable files, malformed YAML,
// structurally invalid rules) are returned as the error.
func Lint(path string) ([]core.Rule, []Diagnostic, error) {
	rules, err := LoadPath(path)
	if err != nil {
		return nil, nil, err
	}

	ev, err := expr.NewEvaluator(nil)
	if err != nil {
		return nil, nil, err
	}

	var diags []Diagnostic
	for _, rule := range rules {
		for i, cond := range rule.Conditions {
			if cond.Evaluator != nil || strings.TrimSpace(cond.Expression) == "" {
				continue
			}
			if _, err := ev.Compile(cond.Expression); err != nil {
				diags = append(diags, Diagnostic{
					Rule:    rule.Name,
					Problem: fmt.Sprintf("condition %d: %v", i+1, err),
				})
			}
		}
	}
	return rules, diags, nil
}

func loadFile(path string) ([]core.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	rules, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

func parse(data []byte) ([]core.Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var specs []ruleSpec
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if isEmptyDoc(&node) {
			continue
		}
		docSpecs, err := decodeDocument(&node)
		if err != nil {
			return nil, err
		}
		specs = append(specs, docSpecs...)
	}

	rules := make([]core.Rule, 0, len(specs))
	for _, spec := range specs {
		rule := spec.rule()
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func decodeDocument(node *yaml.Node) ([]ruleSpec, error) {
	if hasKey(node, "rules") {
		var doc catalogDoc
		if err := node.Decode(&doc); err != nil {
			return nil, err
		}
		return doc.Rules, nil
	}
	var spec ruleSpec
	if err := node.Decode(&spec); err != nil {
		return nil, err
	}
	return []ruleSpec{spec}, nil
}

func hasKey(node *yaml.Node, key string) bool {
	n := node
	for n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return true
		}
	}
	return false
}

func isEmptyDoc(node *yaml.Node) bool {
	n := node
	for n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	if n.Kind == 0 {
		return true
	}
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

func checkDuplicates(rules []core.Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if seen[rule.Name] {
			return fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		seen[rule.Name] = true
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
