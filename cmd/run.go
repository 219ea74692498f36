// cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/config"
	"github.com/xkilldash9x/sentinel/internal/driver/cdpdriver"
	"github.com/xkilldash9x/sentinel/internal/driver/mcpdriver"
	"github.com/xkilldash9x/sentinel/internal/logparse"
	"github.com/xkilldash9x/sentinel/internal/network"
	"github.com/xkilldash9x/sentinel/internal/observability"
	"github.com/xkilldash9x/sentinel/internal/orchestrator"
	"github.com/xkilldash9x/sentinel/internal/reporting"
	"github.com/xkilldash9x/sentinel/internal/scenario"
)

// ErrRunFailed is returned when at least one scenario failed or errored.
var ErrRunFailed = errors.New("one or more scenarios did not pass")

const shutdownTimeout = 15 * time.Second

// driverFactory creates the browser driver a run uses.
type driverFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (schemas.Driver, error)
}

type defaultDriverFactory struct{}

// NewDriverFactory returns the factory that builds chromedp or MCP drivers
// according to driver.kind.
func NewDriverFactory() driverFactory {
	return &defaultDriverFactory{}
}

func (f *defaultDriverFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (schemas.Driver, error) {
	dc := cfg.Driver()
	switch dc.Kind {
	case mcpdriver.Name:
		d, err := mcpdriver.Connect(ctx, dc, Version, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	case cdpdriver.Name:
		return cdpdriver.New(dc.Browser, logger), nil
	default:
		return nil, fmt.Errorf("unsupported driver kind %q", dc.Kind)
	}
}

func newRunCmd(deps dependencies) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [scenario paths...]",
		Short: "Run scenarios against the target application",
		Long: `Loads scenario definitions from the given files or directories (or
target.scenarios), runs them through the configured browser driver and
writes a report. The command exits non-zero when any scenario fails.

With --schedule the suite is repeated on a cron schedule until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			paths := args
			if len(paths) == 0 {
				paths = cfg.Target().ScenarioPaths
			}

			s := &suite{
				cfg:    cfg,
				logger: observability.GetLogger(),
				deps:   deps,
				out:    cmd.OutOrStdout(),
				paths:  paths,
			}
			if schedule := cfg.Schedule(); schedule != "" {
				return s.runScheduled(ctx, schedule)
			}
			_, err = s.runOnce(ctx)
			return err
		},
	}

	runCmd.Flags().String("base-url", "", "Base URL of the application under test")
	runCmd.Flags().String("server-log", "", "Path of the application server log to follow during the run")
	runCmd.Flags().String("driver", "", "Browser driver: chromedp or mcp")
	runCmd.Flags().Bool("headless", true, "Run the local browser headless")
	runCmd.Flags().IntP("concurrency", "j", 0, "Number of scenarios run in parallel")
	runCmd.Flags().Bool("autofix", true, "Attempt automatic remediation of failing scenarios")
	runCmd.Flags().StringP("format", "f", "", "Report format: markdown, json or sarif")
	runCmd.Flags().StringP("output", "o", "", "Report output path (default stdout)")
	runCmd.Flags().String("schedule", "", `Repeat the suite on a cron schedule, e.g. "@every 30m"`)
	runCmd.Flags().String("database-url", "", "PostgreSQL URL for run history")
	return runCmd
}

// suite runs one set of scenario paths with one configuration.
type suite struct {
	cfg    config.Interface
	logger *zap.Logger
	deps   dependencies
	out    io.Writer
	paths  []string
}

// runOnce loads, runs, reports and stores one pass over the suite.
func (s *suite) runOnce(ctx context.Context) (*schemas.TestReport, error) {
	scenarios, err := s.load()
	if err != nil {
		return nil, err
	}

	driver, err := s.deps.drivers.Create(ctx, s.cfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s driver: %w", s.cfg.Driver().Kind, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := driver.Close(closeCtx); err != nil {
			s.logger.Warn("Error during driver shutdown", zap.Error(err))
		}
	}()

	opts := []orchestrator.Option{orchestrator.WithReleaser(s.newReleaser())}
	if path := s.cfg.Target().ServerLog; path != "" {
		tail := logparse.NewServerLogTail(s.logger, path, s.cfg.Runner().CaptureLimit)
		if err := tail.Start(ctx); err != nil {
			s.logger.Warn("Server log unavailable; continuing without it.", zap.Error(err))
		} else {
			defer tail.Stop()
			opts = append(opts, orchestrator.WithServerLog(tail))
		}
	}

	orch, err := orchestrator.New(s.cfg, driver, s.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	report := orch.RunAll(ctx, scenarios, schemas.ReportMeta{Environment: s.cfg.Target().Environment})

	// A canceled run still produces a report of what completed.
	s.save(report)
	if err := writeReport(s.out, s.cfg.Report(), report, s.logger); err != nil {
		return report, err
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	if report.Summary.Failed+report.Summary.Errors > 0 {
		return report, ErrRunFailed
	}
	return report, nil
}

func (s *suite) load() ([]schemas.TestScenario, error) {
	res, err := scenario.New(s.logger).LoadPaths(s.paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load scenarios: %w", err)
	}
	for _, issue := range res.Warnings() {
		s.logger.Warn("Scenario definition warning", zap.String("issue", issue.String()))
	}
	if errs := res.Errors(); len(errs) > 0 {
		for _, issue := range errs {
			s.logger.Error("Invalid scenario definition", zap.String("issue", issue.String()))
		}
		return nil, fmt.Errorf("%d invalid scenario definition(s); run `sentinel validate` for details", len(errs))
	}
	if len(res.Scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios found in %v", s.paths)
	}
	return res.Scenarios, nil
}

func (s *suite) newReleaser() *network.HTTPReleaser {
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.IgnoreTLSErrors = s.cfg.Driver().Browser.IgnoreTLSErrors
	clientCfg.Logger = s.logger

	headers := make(http.Header)
	for k, v := range s.cfg.Target().CleanupHeaders {
		headers.Set(k, v)
	}
	return network.NewHTTPReleaser(network.NewClient(clientCfg), s.cfg.Target().BaseURL, headers, s.logger)
}

// save persists report when a database is configured. Persistence failures
// are logged and never fail the run.
func (s *suite) save(report *schemas.TestReport) {
	if s.cfg.Database().URL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	st, cleanup, err := s.deps.stores.Create(ctx, s.cfg)
	if err != nil {
		s.logger.Error("Run history unavailable", zap.Error(err))
		return
	}
	if cleanup != nil {
		defer cleanup()
	}
	if err := st.Migrate(ctx); err != nil {
		s.logger.Error("Failed to prepare run history tables", zap.Error(err))
		return
	}
	if err := st.SaveReport(ctx, report); err != nil {
		s.logger.Error("Failed to save run", zap.String(observability.FieldRunID, report.Meta.RunID), zap.Error(err))
		return
	}
	s.logger.Info("Run saved.", zap.String(observability.FieldRunID, report.Meta.RunID))
}

// runScheduled repeats the suite on schedule until ctx is canceled. Overlapping
// ticks are skipped rather than queued.
func (s *suite) runScheduled(ctx context.Context, schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	clog := cronLogger{s.logger.Named("schedule").Sugar()}
	c := cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	if _, err := c.AddFunc(schedule, func() {
		report, err := s.runOnce(ctx)
		switch {
		case err == nil, errors.Is(err, ErrRunFailed), errors.Is(err, context.Canceled):
			if report != nil {
				s.logger.Info("Scheduled run complete.",
					zap.String(observability.FieldRunID, report.Meta.RunID),
					zap.Float64("pass_rate", report.Summary.PassRate))
			}
		default:
			s.logger.Error("Scheduled run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	c.Start()
	s.logger.Info("Scheduled runs started.", zap.String("schedule", schedule))
	<-ctx.Done()
	s.logger.Info("Stopping scheduler; waiting for the active run.")
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

// writeReport renders report with the configured sink.
func writeReport(out io.Writer, rc config.ReportConfig, report *schemas.TestReport, logger *zap.Logger) error {
	reporter, err := reporting.NewWithWriter(rc.Format, rc.Output, out, reporting.Options{
		RedactLength:   rc.RedactLength,
		IncludeResults: rc.IncludeResults,
		ToolVersion:    Version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}
	defer func() {
		if err := reporter.Close(); err != nil {
			logger.Warn("Failed to close reporter cleanly.", zap.Error(err))
		}
	}()

	if err := reporter.Write(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if rc.Output != "" && rc.Output != "stdout" {
		logger.Info("Report written.", zap.String("path", rc.Output), zap.String("format", rc.Format))
	}
	return nil
}
