package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forPelevin/clipper/internal/config"
	"github.com/forPelevin/clipper/internal/logging"
)

// flag bindings shared by every command, keyed by config key
var rootBindings = map[string]string{
	"storage.base_dir": "data-dir",
	"logging.level":    "log-level",
	"logging.format":   "log-format",
}

func Main() {
	_ = godotenv.Load() // best-effort: load .env if present

	root := newRootCmd()
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clipper",
		Short:         "Extract and edit clips from source videos",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "Config file (default: clipper.yaml in ., ./configs, /etc/clipper)")
	root.PersistentFlags().String("data-dir", "", "Base directory for temp files, outputs and the job database")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "Log format: json or console")

	root.AddCommand(newServeCmd(), newRenderCmd())
	return root
}

// load reads configuration with the command's flags bound on top.
func load(cmd *cobra.Command, bindings map[string]string) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")

	all := make(map[string]string, len(rootBindings)+len(bindings))
	for k, v := range rootBindings {
		all[k] = v
	}
	for k, v := range bindings {
		all[k] = v
	}
	// unset flags must not shadow file and env values
	for key, name := range all {
		if f := cmd.Flags().Lookup(name); f == nil || !f.Changed {
			delete(all, key)
		}
	}

	cfg, err := config.Load(path, cmd.Flags(), all)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}
