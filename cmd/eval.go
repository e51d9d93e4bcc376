package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"themis/catalog"
	"themis/config"
	"themis/core"
	"themis/engine"
	"themis/metrics"
)

// newEvalCmd creates the 'eval' subcommand.
func newEvalCmd() *cobra.Command {
	var (
		contextFile string
		contextType string
		contextID   string
		mode        string
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a rule catalog against one execution context",
		Long: `Load a rule catalog, build an execution context from a JSON data file, run
one batch and render the per-rule results.

Examples:
  # Evaluate order rules against a captured order
  themis eval --rules rules/ --context order.json --type order

  # Dry-run with JSON output for scripting
  themis eval --rules rules.yaml --context ctx.json --mode dry_run --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rulesPath == "" {
				return fmt.Errorf("--rules is required")
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			rules, err := catalog.LoadPath(rulesPath)
			if err != nil {
				return fmt.Errorf("load rules: %w", err)
			}

			data, err := loadContextData(contextFile)
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg, logger.Sugar())
			if err != nil {
				return err
			}
			// Evaluate applies the configured batch timeout itself.
			ctx := context.Background()
			if err := eng.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = eng.Stop() }()

			registered := make([]*core.Rule, len(rules))
			for i := range rules {
				registered[i] = &rules[i]
			}
			if err := eng.Registry().RegisterAll(registered); err != nil {
				return fmt.Errorf("register rules: %w", err)
			}

			ec := core.NewExecutionContext(contextType, data)
			ec.ID = contextID
			if mode != "" {
				ec.SetMeta("mode", mode)
			}

			results, err := eng.Evaluate(ctx, ec)
			if err != nil {
				return fmt.Errorf("evaluate: %w", err)
			}

			if outputJSON {
				return outputAsJSON(evalReport{
					Results:   results,
					Stats:     eng.Metrics(),
					RuleStats: eng.RuleMetrics(),
					Alerts:    eng.Alerts(0),
				})
			}

			renderResults(eng, results, len(rules))
			renderAlerts(eng)
			return nil
		},
	}

	cmd.Flags().StringVar(&contextFile, "context", "", "JSON file with context data")
	cmd.Flags().StringVar(&contextType, "type", "default", "context type rules are matched against")
	cmd.Flags().StringVar(&contextID, "id", "", "context identifier recorded in the audit trail")
	cmd.Flags().StringVar(&mode, "mode", "", "execution mode label recorded in the audit trail")

	return cmd
}

// evalReport is the --json output document.
type evalReport struct {
	Results   []core.RuleResult            `json:"results"`
	Stats     metrics.SystemStats          `json:"stats"`
	RuleStats map[string]metrics.RuleStats `json:"rule_stats"`
	Alerts    []metrics.Alert              `json:"alerts"`
}

// loadContextData reads a JSON object into a context data mapping. No file
// means an empty mapping.
func loadContextData(path string) (map[string]interface{}, error) {
	if path == "" {
		return map[string]interface{}{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context file: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("context file %s is not a JSON object: %w", path, err)
	}
	return data, nil
}
