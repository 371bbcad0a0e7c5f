package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"peval/internal/config"
	"peval/internal/eval"
	"peval/internal/events"
	"peval/internal/logging"
	"peval/internal/metrics"
	"peval/internal/procenv"
)

type options struct {
	configPath string
	configName string
	logLevel   string
	logFormat  string
	envFiles   string
}

func newRootCmd() (*cobra.Command, *options) {
	o := &options{}
	root := &cobra.Command{
		Use:           "peval [flags] [overrides...]",
		Short:         "Evaluate a base model with a PEFT adapter on a test set",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          o.run,
	}
	f := root.PersistentFlags()
	f.StringVar(&o.configPath, "config-path", envOr("PEVAL_CONFIG_PATH", ""), "Directory holding the config file")
	f.StringVar(&o.configName, "config-name", envOr("PEVAL_CONFIG_NAME", ""), "Config file name; .yaml is assumed without an extension")
	f.StringVar(&o.logLevel, "log-level", envOr("PEVAL_LOG_LEVEL", "info"), "Log level: trace|debug|info|warn|error")
	f.StringVar(&o.logFormat, "log-format", envOr("PEVAL_LOG_FORMAT", "console"), "Log format: console|json")
	f.StringVar(&o.envFiles, "env-file", ".env", "Comma-separated dotenv files loaded before the run; missing files are ignored")

	root.AddCommand(&cobra.Command{
		Use:   "show-config [overrides...]",
		Short: "Print the composed and resolved configuration",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.loadEnv(); err != nil {
				return err
			}
			tree, err := o.compose(args)
			if err != nil {
				return err
			}
			resolved, err := tree.Resolve()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), resolved.YAML())
			return err
		},
	})
	return root, o
}

func (o *options) logger(w io.Writer) zerolog.Logger {
	return logging.New(o.logLevel, o.logFormat, w)
}

func (o *options) compose(overrides []string) (config.Tree, error) {
	return config.Compose(config.ConfigFile(o.configPath, o.configName), overrides)
}

// loadEnv loads the dotenv files in order. Variables already set win.
func (o *options) loadEnv() error {
	for _, p := range splitCSV(o.envFiles) {
		if err := loadDotEnv(p); err != nil {
			return fmt.Errorf("env file %s: %w", p, err)
		}
	}
	return nil
}

func (o *options) run(cmd *cobra.Command, overrides []string) error {
	if err := o.loadEnv(); err != nil {
		return err
	}
	log := o.logger(cmd.ErrOrStderr())
	tree, err := o.compose(overrides)
	if err != nil {
		return err
	}
	sm, err := procenv.ParseStartMethod(tree.String("runtime.start_method"))
	if err != nil {
		return err
	}
	if err := procenv.SetStartMethod(sm, true); err != nil {
		return err
	}

	ctx := cmd.Context()
	met := metrics.New()
	if addr := tree.String("telemetry.metrics_addr"); addr != "" {
		_, errc, err := metrics.Serve(ctx, addr, met, log)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		go watchServer(errc, log)
	}

	res, err := eval.Run(ctx, tree, eval.Deps{
		Stdout:  cmd.OutOrStdout(),
		Logger:  log,
		Events:  events.Log{Logger: log},
		Metrics: met,
	})
	if err != nil {
		return err
	}
	log.Info().Int("batches", len(res.Responses)).Bool("coordinator", res.Coordinator).
		Dur("took", res.Duration).Msg("evaluation finished")
	return nil
}

func watchServer(errc <-chan error, log zerolog.Logger) {
	if err := <-errc; err != nil {
		log.Error().Err(err).Msg("status server stopped")
	}
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
