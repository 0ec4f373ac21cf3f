package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"scanbot/internal/domain"
	"scanbot/internal/history"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const cliChannel = "cli"

func analyzeCmd() *cobra.Command {
	var userID string
	var record bool
	cmd := &cobra.Command{
		Use:   "analyze <image-path-or-url>",
		Short: "Run one image through the pipeline and print the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			closeLog, err := setupLogger(cfg.General)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, appOptions{history: record})
			if err != nil {
				return err
			}
			defer a.Close()

			msg := domain.InboundMessage{
				ID:          uuid.NewString(),
				Channel:     cliChannel,
				ChatID:      cliChannel,
				SenderID:    userID,
				Attachments: []domain.Attachment{cliAttachment(args[0])},
				Timestamp:   time.Now(),
			}
			deliver := func(_ context.Context, _ string, text string) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
				return err
			}

			summary := a.orch.Handle(ctx, msg, deliver)
			if summary.Failed > 0 {
				return fmt.Errorf("analysis of %s failed", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "cli", "user ID passed to the pipeline")
	cmd.Flags().BoolVar(&record, "record", false, "record the outcome in the history database")
	return cmd
}

// cliAttachment builds an attachment for a URL or a local file. Source is
// forced to "image" so the classifier accepts files without an extension.
func cliAttachment(arg string) domain.Attachment {
	att := domain.Attachment{ID: cliChannel, Source: "image"}
	lower := strings.ToLower(arg)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		att.URL = arg
		return att
	}
	att.LocalPath = arg
	att.Name = filepath.Base(arg)
	return att
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the pipeline's knowledge store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			closeLog, err := setupLogger(cfg.General)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.invoker.Reset(ctx)
			if err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			logger.Info("pipeline store reset", "duration", res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent analyses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("history is disabled (history.enabled=false)")
			}
			store, err := history.NewSQLiteStore(cfg.History.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	return cmd
}

func printHistory(out io.Writer, records []history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No analyses recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCHANNEL\tFILE\tSTATUS\tSTAGE\tRESULTS\tDURATION")
	for _, r := range records {
		stage := string(r.Stage)
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			r.Channel,
			r.Filename,
			r.Status,
			stage,
			len(r.Results),
			r.Duration.Round(time.Millisecond),
		)
	}
	w.Flush()
}
