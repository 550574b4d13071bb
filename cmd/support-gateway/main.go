package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tributary-ai/support-gateway/internal/config"
)

// Set at build time with -ldflags "-X main.version=..."
var (
	version   = "dev"
	buildDate = "unknown"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "support-gateway",
		Short: "Routing gateway for AI support operations",
		Long: `support-gateway classifies support operations by urgency, routes them over a
direct or managed provider path, and picks a model per request.

Environment Variables:
  OPENAI_API_KEY                 OpenAI API key
  ANTHROPIC_API_KEY              Anthropic API key
  SUPPORT_GATEWAY_PORT           Server port (default: 8080)
  SUPPORT_GATEWAY_LOG_LEVEL      Log level (debug,info,warn,error)
  SUPPORT_GATEWAY_LOG_FORMAT     Log format (json,text)
  SUPPORT_GATEWAY_REGION         Managed path region
  SUPPORT_GATEWAY_REDIS_ADDR     Redis address for the shared cache and rate limiter
  SUPPORT_GATEWAY_API_KEYS       Comma separated operator API keys
  SUPPORT_GATEWAY_JWT_SECRET     HS256 secret for bearer tokens`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")

	root.AddCommand(newServeCmd(), newModelsCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger := logrus.New()
			if err := setupLogger(logger, cfg.Logging); err != nil {
				return fmt.Errorf("failed to setup logger: %w", err)
			}

			app, err := NewApplication(cfg, logger, buildAdapters(cfg, logger)...)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			return app.Run()
		},
	}
}

func newModelsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the configured model registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return printModels(cmd.OutOrStdout(), cfg, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the registry as JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "support-gateway %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", buildDate)
		},
	}
}

func printModels(w io.Writer, cfg *config.Config, asJSON bool) error {
	specs := cfg.ModelSpecs()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{"models": specs})
	}

	enabled := make(map[string]bool)
	for _, name := range cfg.EnabledProviders() {
		enabled[name] = true
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tTOOLS\tCONTEXT\tIN/1K\tOUT/1K\tLATENCY\tENABLED")
	for _, s := range specs {
		c := s.Capabilities
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%.5f\t%.5f\t%s\t%t\n",
			s.Provider, s.ModelID, c.SupportsTools, c.ContextWindow,
			c.CostPer1KInput, c.CostPer1KOutput, c.DefaultLatency, enabled[s.Provider])
	}
	return tw.Flush()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
