package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"themis/catalog"
)

// newRulesCmd creates the 'rules' command group.
func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule catalogs",
	}
	rulesCmd.AddCommand(newRulesListCmd())
	rulesCmd.AddCommand(newRulesLintCmd())
	return rulesCmd
}

// newRulesListCmd creates the 'rules list' subcommand.
func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the rules in a catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rulesPath == "" {
				return fmt.Errorf("--rules is required")
			}
			rules, err := catalog.LoadPath(rulesPath)
			if err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(rules)
			}
			renderRulesTable(rules)
			return nil
		},
	}
}

// newRulesLintCmd creates the 'rules lint' subcommand.
func newRulesLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Check a catalog for structural and expression problems",
		Long: `Load a catalog and compile every condition expression, reporting rules whose
expressions fail to parse. Structural problems (unnamed rules, unknown
priorities, duplicate names, malformed YAML) fail the load itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rulesPath == "" {
				return fmt.Errorf("--rules is required")
			}

			rules, diags, err := catalog.Lint(rulesPath)
			if err != nil {
				return err
			}

			if outputJSON {
				return outputAsJSON(struct {
					Rules    int                  `json:"rules"`
					Problems []catalog.Diagnostic `json:"problems"`
				}{len(rules), diags})
			}

			infoColor.Printf("%d rule(s) loaded from %s\n", len(rules), rulesPath)
			if len(diags) == 0 {
				successColor.Println("No problems found")
				return nil
			}

			for _, diag := range diags {
				errorColor.Printf("  %s\n", diag)
			}
			return fmt.Errorf("%d problem(s) found", len(diags))
		},
	}
}
