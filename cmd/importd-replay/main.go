// Command importd-replay lists staged import batches and re-runs the merge for
// a batch whose merge failed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omnivia/importd/internal/staging"
)

type replayOptions struct {
	dsn     string
	timeout time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := newRootCommand(log).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(log *zap.Logger) *cobra.Command {
	opts := &replayOptions{}
	root := &cobra.Command{
		Use:          "importd-replay",
		Short:        "Inspect staged import batches and replay their merge",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", envOrDefault("IMPORT_STAGING_DSN", ""), "staging backend DSN (file://, postgres://)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-command timeout")
	root.AddCommand(newListCommand(opts), newMergeCommand(opts, log))
	return root
}

func newListCommand(opts *replayOptions) *cobra.Command {
	var tenant string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List staged batches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd.Context(), opts, func(ctx context.Context, backend staging.Backend) error {
				records, err := backend.List(ctx, strings.TrimSpace(tenant), limit)
				if err != nil {
					return err
				}
				summaries := make([]stagedSummary, 0, len(records))
				for _, rec := range records {
					summaries = append(summaries, summarize(rec))
				}
				return printJSON(cmd.OutOrStdout(), summaries)
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "only list batches for this tenant")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum batches to list (0 for all)")
	return cmd
}

func newMergeCommand(opts *replayOptions, log *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <staging-id>",
		Short: "Re-run the merge for one staged batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stagingID := strings.TrimSpace(args[0])
			return withBackend(cmd.Context(), opts, func(ctx context.Context, backend staging.Backend) error {
				rec, err := backend.Get(ctx, stagingID)
				if err != nil {
					return fmt.Errorf("staged batch %s: %w", stagingID, err)
				}
				result, err := backend.Merge(ctx, staging.MergeRequestFor(rec))
				if err != nil {
					log.Error("replayed merge failed",
						zap.String("tenant", rec.TenantID),
						zap.String("staging_id", rec.ID),
						zap.String("correlation_id", rec.CorrelationID),
						zap.Error(err),
					)
					return err
				}
				if result.StagingID == "" {
					result.StagingID = rec.ID
				}
				log.Info("replayed merge",
					zap.String("tenant", rec.TenantID),
					zap.String("staging_id", rec.ID),
					zap.String("correlation_id", rec.CorrelationID),
				)
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func withBackend(ctx context.Context, opts *replayOptions, fn func(context.Context, staging.Backend) error) error {
	if strings.TrimSpace(opts.dsn) == "" {
		return fmt.Errorf("dsn is required (--dsn or IMPORT_STAGING_DSN)")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := staging.BuildBackendFromDSN(opts.dsn)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	return fn(ctx, backend)
}

type stagedSummary struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	BatchID       string    `json:"batch_id"`
	Checksum      string    `json:"batch_checksum"`
	Source        string    `json:"source"`
	RowCount      int       `json:"row_count"`
	CorrelationID string    `json:"correlation_id"`
	ImportedAt    time.Time `json:"imported_at"`
}

func summarize(rec staging.Record) stagedSummary {
	return stagedSummary{
		ID:            rec.ID,
		TenantID:      rec.TenantID,
		BatchID:       rec.BatchID,
		Checksum:      rec.Checksum,
		Source:        rec.Source,
		RowCount:      rec.RowCount,
		CorrelationID: rec.CorrelationID,
		ImportedAt:    rec.ImportedAt,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
