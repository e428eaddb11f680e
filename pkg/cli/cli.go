// Package cli is the cobra front-end of the pipeline. Exit codes: 0 success,
// 1 operational error (retries exhausted, partial failures present), 2
// configuration error.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"telescribe/pkg/chat"
	"telescribe/pkg/config"
	"telescribe/pkg/llm"
	"telescribe/pkg/monitor"
	"telescribe/pkg/store"
	"telescribe/pkg/version"
)

// errConfig marks failures that should exit with code 2.
var errConfig = errors.New("configuration error")

func configErr(err error) error {
	return fmt.Errorf("%w: %w", errConfig, err)
}

var (
	flagConfig string
	flagSystem string
	flagEnv    string
)

var rootCmd = &cobra.Command{
	Use:           "telescribe",
	Short:         "Telegram channel knowledge-base pipeline",
	Long:          "telescribe ingests Telegram channel messages, structures them with an LLM, groups them into topics, and exports a knowledge base.",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "config.json", "application config file")
	rootCmd.PersistentFlags().StringVar(&flagSystem, "system", "system.json", "system tuning config file")
	rootCmd.PersistentFlags().StringVar(&flagEnv, "env", ".env", "env file with API keys")

	rootCmd.AddCommand(ingestCmd, processCmd, topicizeCmd, exportCmd, runCmd, sourcesCmd)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		if errors.Is(err, errConfig) {
			return 2
		}
		return 1
	}
	return 0
}

// app bundles the lazily opened shared resources of one command run.
type app struct {
	cfg *config.Config
	sys *config.SystemConfig

	raw  *store.RawStore
	ing  *store.IngestionStore
	proc *store.ProcessingStore
}

// newApp loads configuration and opens the three stores.
func newApp() (*app, error) {
	if err := godotenv.Load(flagEnv); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not load env file", "file", flagEnv, "error", err)
	}

	cfg, sys, err := config.Load(flagConfig, flagSystem)
	if err != nil {
		return nil, configErr(err)
	}
	monitor.Setup(sys.LogLevel)

	a := &app{cfg: cfg, sys: sys}
	if a.raw, err = store.OpenRaw(cfg.Stores.RawPath); err != nil {
		return nil, configErr(err)
	}
	if a.ing, err = store.OpenIngestion(cfg.Stores.IngestPath); err != nil {
		a.Close()
		return nil, configErr(err)
	}
	if a.proc, err = store.OpenProcessing(cfg.Stores.ProcessedPath); err != nil {
		a.Close()
		return nil, configErr(err)
	}
	return a, nil
}

func (a *app) Close() {
	if a.raw != nil {
		a.raw.Close()
	}
	if a.ing != nil {
		a.ing.Close()
	}
	if a.proc != nil {
		a.proc.Close()
	}
}

func (a *app) llmClient() (llm.Client, error) {
	client, err := llm.NewFromConfig(a.cfg.LLM, a.sys)
	if err != nil {
		return nil, configErr(err)
	}
	return client, nil
}

func (a *app) chatClient() (chat.Client, error) {
	client, err := chat.NewFromConfig(a.cfg.Chat, a.sys)
	if err != nil {
		return nil, configErr(err)
	}
	return client, nil
}

func (a *app) outDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if a.cfg.ExportDir != "" {
		return a.cfg.ExportDir
	}
	return "kb_export"
}
