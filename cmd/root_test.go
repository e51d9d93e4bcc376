package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"themis/core"
)

// resetFlags clears the package-level flag state between Execute calls.
func resetFlags() {
	configFile = ""
	rulesPath = ""
	outputJSON = false
	noColor = false
}

// captureStdout runs fn with stdout redirected and returns what it printed.
// The color package holds its own writer, so both are swapped.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	oldColorOutput := color.Output
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	color.Output = w

	fn()

	w.Close()
	os.Stdout = oldStdout
	color.Output = oldColorOutput

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	return buf.String()
}

func TestNewRootCmd(t *testing.T) {
	root := NewRootCmd()
	assert.Equal(t, "themis", root.Use)

	subcommands := make(map[string]bool)
	for _, sub := range root.Commands() {
		subcommands[sub.Name()] = true
	}
	for _, expected := range []string{"eval", "rules", "version"} {
		assert.True(t, subcommands[expected], "missing command: %s", expected)
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("rules"))
	assert.NotNil(t, root.PersistentFlags().Lookup("json"))
	assert.NotNil(t, root.PersistentFlags().Lookup("no-color"))
}

func TestRulesCommandStructure(t *testing.T) {
	root := NewRootCmd()

	var rulesCmd *cobra.Command
	for _, sub := range root.Commands() {
		if sub.Name() == "rules" {
			rulesCmd = sub
		}
	}
	require.NotNil(t, rulesCmd)

	subcommands := make(map[string]bool)
	for _, sub := range rulesCmd.Commands() {
		subcommands[sub.Name()] = true
	}
	assert.True(t, subcommands["list"])
	assert.True(t, subcommands["lint"])
}

func TestVersionCommand(t *testing.T) {
	resetFlags()
	root := NewRootCmd()
	root.SetArgs([]string{"version"})

	output := captureStdout(t, func() {
		require.NoError(t, root.Execute())
	})
	assert.Contains(t, output, "themis")
	assert.Contains(t, output, Version)
}

func TestOutputAsJSON(t *testing.T) {
	result := core.RuleResult{
		RuleName:      "sample",
		Success:       true,
		ConditionsMet: true,
		Duration:      time.Millisecond,
	}

	output := captureStdout(t, func() {
		require.NoError(t, outputAsJSON(result))
	})

	var parsed core.RuleResult
	require.NoError(t, json.Unmarshal([]byte(output), &parsed))
	assert.Equal(t, "sample", parsed.RuleName)
	assert.True(t, parsed.Success)
}

func TestDescribeOutcome(t *testing.T) {
	tests := []struct {
		name   string
		result core.RuleResult
		want   string
	}{
		{
			name:   "skip",
			result: core.RuleResult{Success: true, ConditionsMet: false},
			want:   "not met",
		},
		{
			name:   "pass without actions",
			result: core.RuleResult{Success: true, ConditionsMet: true},
			want:   "matched",
		},
		{
			name: "pass with actions",
			result: core.RuleResult{
				Success:       true,
				ConditionsMet: true,
				ActionResults: []core.ActionResult{{}, {}},
			},
			want: "2 action(s)",
		},
		{
			name:   "failure",
			result: core.RuleResult{Success: false, Error: "actions failed: x"},
			want:   "error",
		},
		{
			name: "timeout",
			result: core.RuleResult{
				Success:  false,
				Metadata: map[string]interface{}{"timed_out": true},
			},
			want: "timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeOutcome(tt.result))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly_ten", truncate("exactly_ten", 11))
	assert.Equal(t, "this_is...", truncate("this_is_far_too_long", 10))
}
