// Package cmd provides the themis command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"themis/config"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags shared by all subcommands
var (
	configFile string
	rulesPath  string
	outputJSON bool
	noColor    bool
)

// NewRootCmd creates the themis root command with all subcommands.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "themis",
		Short: "Priority-ordered rule execution engine",
		Long: `Themis evaluates YAML-defined rules against execution contexts: conditions
gate actions, rules run concurrently in priority order, and every batch is
measured and audited.

Rules live in YAML catalogs (a single file or a directory) and are evaluated
against a context built from a JSON document.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "config file path (defaults to themis.yaml when present)")
	root.PersistentFlags().StringVar(&rulesPath, "rules", "", "rule catalog file or directory")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	root.AddCommand(newEvalCmd())
	root.AddCommand(newRulesCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// newLogger builds the CLI logger from the logging section of the config:
// a colored console encoder for console format, the stock JSON encoder
// otherwise.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	var encoder zapcore.Encoder
	if cfg.Logging.Format == "json" {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)
	return zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
