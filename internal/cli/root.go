// Package cli implements the rag command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ragindex/internal/config"
	"ragindex/internal/domain"
	"ragindex/internal/logger"
	"ragindex/internal/metrics"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
	metricsOut string
}

// Command is the rag command tree plus the App its subcommands share.
type Command struct {
	root *cobra.Command
	opts rootOptions
	app  *App
}

// New builds the rag command tree. The App is built once flags are parsed.
func New() *Command {
	c := &Command{}
	root := &cobra.Command{
		Use:   "rag",
		Short: "Ingest documents and search them by meaning",
		Long: `rag splits documents into chunks, embeds each chunk and stores it in a
vector index. Search embeds the query the same way and pages through the
closest chunks.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}
	root.PersistentFlags().StringVar(&c.opts.configPath, "config", "", "path to YAML config file (default ./config.yaml or ~/.config/rag/config.yaml)")
	root.PersistentFlags().StringVar(&c.opts.logLevel, "log-level", "", "log level: debug, info, warn, error or disabled")
	root.PersistentFlags().BoolVar(&c.opts.logJSON, "log-json", false, "log as JSON")
	root.PersistentFlags().StringVar(&c.opts.metricsOut, "metrics-out", "", "write Prometheus metrics to this file on exit")

	appFn := func() *App { return c.app }
	root.AddCommand(
		newIngestCmd(appFn),
		newListCmd(appFn),
		newShowCmd(appFn),
		newDeleteCmd(appFn),
		newSearchCmd(appFn),
		newNamespacesCmd(appFn),
		newBrowseCmd(appFn),
	)
	root.SetOut(os.Stdout)
	c.root = root
	return c
}

// Root exposes the cobra command, mainly to set args and outputs.
func (c *Command) Root() *cobra.Command { return c.root }

// Execute runs the command, then writes metrics and closes the store even when
// the command failed.
func (c *Command) Execute(ctx context.Context) error {
	err := c.root.ExecuteContext(ctx)
	return errors.Join(err, finish(c.app, c.opts.metricsOut))
}

func (c *Command) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(c.opts)
	if err != nil {
		return err
	}
	log := logger.NewLogger(&logger.Config{
		Level:      logger.LogLevel(cfg.Log.Level),
		Output:     cmd.ErrOrStderr(),
		JSON:       cfg.Log.JSON,
		TimeFormat: "15:04:05",
	})
	ctx := logger.ContextWithLogger(cmd.Context(), log)
	cmd.SetContext(ctx)
	c.app, err = Build(ctx, cfg, metrics.New())
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

func loadConfig(opts rootOptions) (*config.AppConfig, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if opts.configPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(opts.configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logJSON {
		cfg.Log.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(app *App, metricsOut string) error {
	var errs []error
	if app != nil && metricsOut != "" {
		errs = append(errs, app.Metrics.WriteTextfile(metricsOut))
	}
	if app != nil {
		errs = append(errs, app.Close())
	}
	return errors.Join(errs...)
}

// namespaceFlag parses an optional --namespace value.
func namespaceFlag(raw string) (domain.Namespace, error) {
	if raw == "" {
		return "", nil
	}
	return domain.ParseNamespace(raw)
}
