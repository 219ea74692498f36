// cmd/report.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/config"
	"github.com/xkilldash9x/sentinel/internal/observability"
	"github.com/xkilldash9x/sentinel/internal/reporting"
	"github.com/xkilldash9x/sentinel/internal/store"
)

// reportStore is the run history the commands read and write.
type reportStore interface {
	Migrate(ctx context.Context) error
	SaveReport(ctx context.Context, report *schemas.TestReport) error
	GetReport(ctx context.Context, runID string) (*schemas.TestReport, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

// storeProvider creates the run history store. Tests inject a provider
// returning a mock instead of connecting to PostgreSQL.
type storeProvider interface {
	// Create returns the store, a cleanup function releasing its resources,
	// and an error if the store could not be reached.
	Create(ctx context.Context, cfg config.Interface) (reportStore, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the provider backed by a pgx connection pool.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (reportStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (SENTINEL_DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return st, cleanup, nil
}

type reportOptions struct {
	runID  string
	list   bool
	limit  int
	pretty bool
}

func newReportCmd(provider storeProvider) *cobra.Command {
	var opts reportOptions

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Render a stored run or list run history",
		Long: `Loads a run saved in the run history database and renders it again in
any supported format. --list prints the most recent runs instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if !opts.list && opts.runID == "" {
				return fmt.Errorf("either --run-id or --list is required")
			}
			return runReport(ctx, observability.GetLogger(), cfg, opts, provider, cmd.OutOrStdout())
		},
	}

	reportCmd.Flags().StringVar(&opts.runID, "run-id", "", "ID of the run to render")
	reportCmd.Flags().BoolVar(&opts.list, "list", false, "List recent runs")
	reportCmd.Flags().IntVar(&opts.limit, "limit", 20, "Number of runs listed by --list")
	reportCmd.Flags().BoolVar(&opts.pretty, "pretty", false, "Render the markdown narrative for the terminal")
	reportCmd.Flags().StringP("format", "f", "", "Report format: markdown, json or sarif")
	reportCmd.Flags().StringP("output", "o", "", "Report output path (default stdout)")
	reportCmd.Flags().String("database-url", "", "PostgreSQL URL for run history")
	reportCmd.MarkFlagsMutuallyExclusive("run-id", "list")

	return reportCmd
}

// runReport contains the testable core of the report command.
func runReport(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	opts reportOptions,
	provider storeProvider,
	out io.Writer,
) error {
	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if opts.list {
		runs, err := st.ListRuns(ctx, opts.limit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		return printMarkdown(out, runTable(runs), opts.pretty)
	}

	logger.Info("Loading stored run", zap.String(observability.FieldRunID, opts.runID))
	report, err := st.GetReport(ctx, opts.runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return fmt.Errorf("no stored run with id %s: %w", opts.runID, err)
		}
		return fmt.Errorf("failed to load run %s: %w", opts.runID, err)
	}

	if opts.pretty {
		return printMarkdown(out, reporting.RenderMarkdown(report, cfg.Report().RedactLength), true)
	}
	return writeReport(out, cfg.Report(), report, logger)
}

// runTable renders the run history listing as a markdown table.
func runTable(runs []store.RunSummary) string {
	if len(runs) == 0 {
		return "No runs recorded.\n"
	}
	var b strings.Builder
	b.WriteString("| Run | Started | Duration | Driver | Passed | Failed | Errors | Skipped | Pass rate |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|---|\n")
	for _, r := range runs {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %d | %d | %d | %.1f%% |\n",
			r.RunID,
			r.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			r.Duration.Round(time.Millisecond),
			r.Driver,
			r.Summary.Passed, r.Summary.Failed, r.Summary.Errors, r.Summary.Skipped,
			r.Summary.PassRate)
	}
	return b.String()
}

// printMarkdown writes md, rendered for the terminal when pretty is set.
func printMarkdown(out io.Writer, md string, pretty bool) error {
	if pretty {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
		if err != nil {
			return fmt.Errorf("failed to create markdown renderer: %w", err)
		}
		rendered, err := r.Render(md)
		if err != nil {
			return fmt.Errorf("failed to render markdown: %w", err)
		}
		md = rendered
	}
	_, err := io.WriteString(out, md)
	return err
}
