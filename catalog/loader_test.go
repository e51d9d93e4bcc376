package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"themis/core"
)

func writeCatalog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCatalogForm(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), "rules.yaml", `
rules:
  - name: high_value_order
    description: flags orders above the review threshold
    priority: CRITICAL
    context_types: [order]
    conditions:
      - expression: "total > 1000"
    actions:
      - name: raise_alert
        parameters:
          message: high value order
        retry_on_failure: true
        max_retries: 2
  - name: tag_new_customer
    priority: low
    conditions:
      - expression: "customer_age_days < 30"
    actions:
      - name: set_data
        parameters:
          key: segment
          value: new
`)

	rules, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	first := rules[0]
	assert.Equal(t, "high_value_order", first.Name)
	assert.Equal(t, core.PriorityCritical, first.Priority)
	assert.True(t, first.Enabled)
	assert.Equal(t, []string{"order"}, first.ContextTypes)
	require.Len(t, first.Conditions, 1)
	assert.Equal(t, "total > 1000", first.Conditions[0].Expression)
	require.Len(t, first.Actions, 1)
	assert.Equal(t, "raise_alert", first.Actions[0].Name)
	assert.True(t, first.Actions[0].RetryOnFailure)
	assert.Equal(t, 2, first.Actions[0].MaxRetries)

	// priority names parse case-insensitively
	assert.Equal(t, core.PriorityLow, rules[1].Priority)
}

func TestLoadSingleRuleDocument(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), "one.yaml", `
name: lone_rule
priority: HIGH
actions:
  - name: log
    parameters:
      message: hello
`)

	rules, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "lone_rule", rules[0].Name)
	assert.Equal(t, core.PriorityHigh, rules[0].Priority)
}

func TestLoadMultiDocumentFile(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), "multi.yaml", `
rules:
  - name: from_catalog
    actions:
      - name: log
        parameters: {message: a}
---
name: from_document
actions:
  - name: log
    parameters: {message: b}
`)

	rules, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "from_catalog", rules[0].Name)
	assert.Equal(t, "from_document", rules[1].Name)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), "defaults.yaml", `
rules:
  - name: minimal
`)

	rules, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Enabled, "omitted enabled defaults to true")
	assert.Equal(t, core.PriorityMedium, rules[0].Priority, "omitted priority defaults to MEDIUM")
}

func TestLoadHonorsExplicitDisabled(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), "disabled.yaml", `
rules:
  - name: dormant
    enabled: false
`)

	rules, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)
}

func TestLoadAllowsUnknownActionNames(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), "custom.yaml", `
rules:
  - name: calls_custom_action
    actions:
      - name: quarantine_host
`)

	rules, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "quarantine_host", rules[0].Actions[0].Name)
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), "dupes.yaml", `
rules:
  - name: twice
  - name: twice
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule name")
	assert.Contains(t, err.Error(), "twice")
}

func TestLoadRejectsInvalidRules(t *testing.T) {
	dir := t.TempDir()

	missingName := writeCatalog(t, dir, "unnamed.yaml", `
rules:
  - priority: HIGH
`)
	_, err := Load(missingName)
	assert.Error(t, err)

	badPriority := writeCatalog(t, dir, "priority.yaml", `
rules:
  - name: bad
    priority: URGENT
`)
	_, err = Load(badPriority)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URGENT")

	malformed := writeCatalog(t, dir, "broken.yaml", "rules: [")
	_, err = Load(malformed)
	assert.Error(t, err)
}

func TestLoadToleratesEmptyDocuments(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), "sparse.yaml", `---
# nothing in this document
---
rules:
  - name: only_rule
`)

	rules, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "only_rule", rules[0].Name)
}

func TestLoadDirWalksNestedFiles(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "a.yaml", "rules:\n  - name: rule_a\n")
	writeCatalog(t, dir, "nested/b.yml", "rules:\n  - name: rule_b\n")
	writeCatalog(t, dir, "notes.txt", "not a catalog")

	rules, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	names := []string{rules[0].Name, rules[1].Name}
	assert.ElementsMatch(t, []string{"rule_a", "rule_b"}, names)
}

func TestLoadDirRejectsDuplicatesAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "a.yaml", "rules:\n  - name: shared\n")
	writeCatalog(t, dir, "b.yaml", "rules:\n  - name: shared\n")

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule name")
}

func TestLoadPathDispatchesOnFileType(t *testing.T) {
	dir := t.TempDir()
	file := writeCatalog(t, dir, "a.yaml", "rules:\n  - name: via_file\n")

	fromFile, err := LoadPath(file)
	require.NoError(t, err)
	assert.Len(t, fromFile, 1)

	fromDir, err := LoadPath(dir)
	require.NoError(t, err)
	assert.Len(t, fromDir, 1)

	_, err = LoadPath(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestLintReportsBadExpressions(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), "lint.yaml", `
rules:
  - name: clean
    conditions:
      - expression: "total > 100 and status == 'open'"
  - name: broken
    conditions:
      - expression: "total >"
      - expression: "valid == true"
  - name: no_expression
    conditions:
      - expression: ""
`)

	rules, diags, err := Lint(path)
	require.NoError(t, err)
	assert.Len(t, rules, 3)

	require.Len(t, diags, 1)
	assert.Equal(t, "broken", diags[0].Rule)
	assert.Contains(t, diags[0].Problem, "condition 1")
	assert.Contains(t, diags[0].String(), "broken")
}

func TestLintPropagatesLoadErrors(t *testing.T) {
	_, _, err := Lint(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
