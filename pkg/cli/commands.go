package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	_ "telescribe/pkg/chat/autoload"
	"telescribe/pkg/config"
	"telescribe/pkg/export"
	"telescribe/pkg/ingest"
	_ "telescribe/pkg/llm/autoload"
	"telescribe/pkg/model"
	"telescribe/pkg/monitor"
	"telescribe/pkg/process"
	"telescribe/pkg/store"
	"telescribe/pkg/topics"
)

var (
	flagChannel string
	flagOutDir  string
	flagWatch   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [source]",
	Short: "Fetch posts and comments into the raw store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := signalContext()

		if err := seedSources(ctx, a.ing, a.cfg); err != nil {
			return err
		}
		client, err := a.chatClient()
		if err != nil {
			return err
		}
		engine := ingest.NewEngine(a.raw, a.ing, client, a.sys)

		if len(args) == 1 {
			summary, err := engine.IngestSource(ctx, args[0])
			logIngest(summary)
			return err
		}

		summaries, failed, err := engine.IngestAll(ctx)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			logIngest(s)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d sources failed", failed, len(summaries))
		}
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Transform raw messages into structured documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		client, err := a.llmClient()
		if err != nil {
			return err
		}
		summary, err := process.NewEngine(a.raw, a.proc, client, a.sys).Process(signalContext(), flagChannel)
		if err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d messages failed processing", summary.Failed, summary.Pending)
		}
		return nil
	},
}

var topicizeCmd = &cobra.Command{
	Use:   "topicize",
	Short: "Group processed documents into topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		client, err := a.llmClient()
		if err != nil {
			return err
		}
		_, err = topics.NewEngine(a.proc, a.proc, client, a.sys).Topicize(signalContext(), flagChannel)
		return err
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the knowledge-base artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := export.NewExporter(a.proc, a.ing).Export(signalContext(), a.outDir(flagOutDir))
		if err != nil {
			return err
		}
		slog.Info("Export finished", "out_dir", summary.OutDir, "messages", summary.Messages, "topics", summary.Topics)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline end to end",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := signalContext()

		if !flagWatch {
			return runOnce(ctx, a)
		}

		// Watch mode: poll on the configured interval, re-seeding sources
		// when the config files change on disk.
		reload := config.Watch(ctx, flagConfig, flagSystem)
		interval := time.Duration(a.sys.PollIntervalSec) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := runOnce(ctx, a); err != nil {
				slog.Error("Pipeline pass failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-reload:
				cfg, sys, err := config.Load(flagConfig, flagSystem)
				if err != nil {
					slog.Error("Config reload failed, keeping previous config", "error", err)
					continue
				}
				a.cfg, a.sys = cfg, sys
				slog.Info("Configuration reloaded")
			case <-ticker.C:
			}
		}
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect and administer the source registry",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources and their cursors",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sources, err := a.ing.ListSources(signalContext())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCE\tSTATUS\tLAST_POST\tFAILS\tLAST_ERROR")
		for _, s := range sources {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.SourceID, s.Status, s.LastPostID, s.FailCount, s.LastError)
		}
		return w.Flush()
	},
}

var sourcesPauseCmd = &cobra.Command{
	Use:   "pause <source>",
	Short: "Pause ingestion for a source",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setSourceStatus(args[0], model.SourceStatusPaused) },
}

var sourcesResumeCmd = &cobra.Command{
	Use:   "resume <source>",
	Short: "Resume ingestion for a source",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setSourceStatus(args[0], model.SourceStatusActive) },
}

func init() {
	processCmd.Flags().StringVar(&flagChannel, "channel", "", "restrict to one channel")
	topicizeCmd.Flags().StringVar(&flagChannel, "channel", "", "restrict to one channel")
	exportCmd.Flags().StringVar(&flagOutDir, "out-dir", "", "output directory (defaults to config export_dir)")
	runCmd.Flags().StringVar(&flagOutDir, "out-dir", "", "output directory (defaults to config export_dir)")
	runCmd.Flags().BoolVar(&flagWatch, "watch", false, "keep polling instead of a single pass")

	sourcesCmd.AddCommand(sourcesListCmd, sourcesPauseCmd, sourcesResumeCmd)
}

// runOnce executes one ingest → process → topicize → export pass.
func runOnce(ctx context.Context, a *app) error {
	if err := seedSources(ctx, a.ing, a.cfg); err != nil {
		return err
	}

	chatClient, err := a.chatClient()
	if err != nil {
		return err
	}
	llmClient, err := a.llmClient()
	if err != nil {
		return err
	}

	summaries, failedSources, err := ingest.NewEngine(a.raw, a.ing, chatClient, a.sys).IngestAll(ctx)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		logIngest(s)
	}

	procSummary, err := process.NewEngine(a.raw, a.proc, llmClient, a.sys).Process(ctx, "")
	if err != nil {
		return err
	}

	if _, err := topics.NewEngine(a.proc, a.proc, llmClient, a.sys).Topicize(ctx, ""); err != nil {
		return err
	}

	expSummary, err := export.NewExporter(a.proc, a.ing).Export(ctx, a.outDir(flagOutDir))
	if err != nil {
		return err
	}
	slog.Info("Pipeline pass finished",
		"sources_failed", failedSources,
		"processed", procSummary.Processed, "process_failed", procSummary.Failed,
		"exported_messages", expSummary.Messages, "exported_topics", expSummary.Topics)

	if failedSources > 0 || procSummary.Failed > 0 {
		return fmt.Errorf("pass completed with partial failures: %d sources, %d messages", failedSources, procSummary.Failed)
	}
	return nil
}

// seedSources upserts config-declared sources into the ingestion store.
func seedSources(ctx context.Context, ing *store.IngestionStore, cfg *config.Config) error {
	for _, sc := range cfg.Sources {
		src := model.SourceState{
			SourceID:        sc.ChannelID,
			ChannelID:       sc.ChannelID,
			ChannelUsername: sc.ChannelUsername,
			Status:          model.SourceStatusActive,
			IncludeComments: sc.IncludeComments,
		}
		if sc.HistoryFrom != "" {
			t, err := model.ParseTime(sc.HistoryFrom)
			if err != nil {
				return configErr(fmt.Errorf("source %s: bad history_from: %w", sc.ChannelID, err))
			}
			src.HistoryFrom = &t
		}
		if sc.HistoryTo != "" {
			t, err := model.ParseTime(sc.HistoryTo)
			if err != nil {
				return configErr(fmt.Errorf("source %s: bad history_to: %w", sc.ChannelID, err))
			}
			src.HistoryTo = &t
		}
		if err := ing.UpsertSource(ctx, src); err != nil {
			return err
		}
	}
	return nil
}

func setSourceStatus(sourceID, status string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := signalContext()

	if _, found, err := a.ing.LoadSource(ctx, sourceID); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("unknown source %q", sourceID)
	}
	if err := a.ing.UpdateSource(ctx, sourceID, store.SourcePatch{Status: &status}); err != nil {
		return err
	}
	slog.Info("Source status updated", "source_id", sourceID, "status", status)
	return nil
}

func logIngest(s ingest.Summary) {
	if s.Skipped {
		return
	}
	slog.Info("Ingest summary", "source_id", s.SourceID, "mode", s.Mode,
		"fetched", s.Fetched, "written", s.Written, "duplicates", s.Duplicates,
		"conflicts", s.Conflicts, "comments", s.Comments)
}

// signalContext tags the run with an id for log correlation and cancels on
// SIGINT/SIGTERM so in-flight stages finish their current transactional unit
// and exit cleanly.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(monitor.WithRunID(context.Background(), uuid.NewString()[:8]))
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("Shutdown signal received, finishing current work")
		cancel()
	}()
	return ctx
}
