package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"themis/core"
	"themis/engine"
)

// outputAsJSON writes v to stdout as indented JSON.
func outputAsJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderResults displays one batch's results as a table, one row per rule in
// execution order.
func renderResults(eng *engine.Engine, results []core.RuleResult, loaded int) {
	headerColor.Printf("RESULTS (%d loaded, %d applicable)\n", loaded, len(results))
	headerColor.Println(strings.Repeat("=", 78))

	if len(results) == 0 {
		warningColor.Println("No rules apply to this context")
		return
	}

	passed, skipped, failed := 0, 0, 0
	var elapsed time.Duration
	for _, result := range results {
		elapsed += result.Duration

		switch {
		case !result.Success:
			failed++
			errorColor.Printf("FAIL  ")
		case result.ConditionsMet:
			passed++
			successColor.Printf("PASS  ")
		default:
			skipped++
			warningColor.Printf("SKIP  ")
		}

		fmt.Printf("%-28s %-9s %-12s %s\n",
			truncate(result.RuleName, 28),
			rulePriority(eng, result.RuleName),
			describeOutcome(result),
			result.Duration.Round(time.Microsecond))

		if result.Error != "" {
			fmt.Printf("      %s\n", result.Error)
		}
		for _, ar := range result.ActionResults {
			if ar.Error != "" {
				fmt.Printf("      %s attempt %d: %s\n", ar.ActionName, ar.Attempt, ar.Error)
			}
		}
	}

	headerColor.Println(strings.Repeat("=", 78))
	fmt.Printf("%d passed, %d skipped, %d failed in %s\n",
		passed, skipped, failed, elapsed.Round(time.Microsecond))
}

// renderAlerts displays any alerts the batch raised.
func renderAlerts(eng *engine.Engine) {
	alerts := eng.Alerts(0)
	if len(alerts) == 0 {
		return
	}

	fmt.Println()
	warningColor.Printf("ALERTS (%d)\n", len(alerts))
	for _, alert := range alerts {
		name := alert.RuleName
		if name == "" {
			name = "-"
		}
		fmt.Printf("  [%s] %-22s %-24s %s\n", alert.Severity, alert.Type, name, alert.Message)
	}
}

// renderRulesTable displays a loaded catalog, one row per rule.
func renderRulesTable(rules []core.Rule) {
	if len(rules) == 0 {
		warningColor.Println("Catalog is empty")
		return
	}

	headerColor.Printf("RULES (%d)\n", len(rules))
	headerColor.Println(strings.Repeat("=", 92))
	fmt.Printf("%-28s %-9s %-8s %-6s %-7s %s\n",
		"Name", "Priority", "Enabled", "Conds", "Actions", "Context Types")
	fmt.Println(strings.Repeat("-", 92))

	for _, rule := range rules {
		enabled := "yes"
		if !rule.Enabled {
			enabled = "no"
		}
		types := "any"
		if len(rule.ContextTypes) > 0 {
			types = strings.Join(rule.ContextTypes, ", ")
		}
		fmt.Printf("%-28s %-9s %-8s %-6d %-7d %s\n",
			truncate(rule.Name, 28),
			rule.Priority,
			enabled,
			len(rule.Conditions),
			len(rule.Actions),
			types)
	}
	headerColor.Println(strings.Repeat("=", 92))
}

// describeOutcome summarizes what a rule result did.
func describeOutcome(result core.RuleResult) string {
	if !result.Success {
		if timedOut, ok := result.Metadata["timed_out"].(bool); ok && timedOut {
			return "timed out"
		}
		return "error"
	}
	if !result.ConditionsMet {
		return "not met"
	}
	if n := len(result.ActionResults); n > 0 {
		return fmt.Sprintf("%d action(s)", n)
	}
	return "matched"
}

// rulePriority looks a rule's priority up for display. Rules can vanish from
// the registry between evaluation and rendering; show a dash then.
func rulePriority(eng *engine.Engine, name string) string {
	rule, err := eng.Registry().Get(name)
	if err != nil {
		return "-"
	}
	return rule.Priority.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
