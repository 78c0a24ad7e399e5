package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/config"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/engine"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/events"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/idempotency"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/output"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/policy"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/render"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/server"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/version"
)

// pruneInterval is how often serve sweeps expired idempotency records from
// stores without native expiry.
const pruneInterval = time.Hour

// errRemediationIncomplete makes handle exit non-zero when a revocation
// failed, after the report has been printed.
var errRemediationIncomplete = errors.New("remediation incomplete")

// eventHandler is the part of *engine.Engine the handle, lambda and serve
// commands drive.
type eventHandler interface {
	Handle(ctx context.Context, ev models.ChangeEvent) (models.InvocationResult, error)
}

// driftChecker is the part of *engine.Engine the check command drives.
type driftChecker interface {
	Check(ctx context.Context) (*models.DriftFinding, error)
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "sgdrift",
		Short:         "Security group drift detection and remediation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to sgdrift.yaml (default: ./sgdrift.yaml, /etc/sgdrift/sgdrift.yaml)")

	cfgPath := func() string { return configFile }
	root.AddCommand(
		newLambdaCmd(cfgPath),
		newServeCmd(cfgPath),
		newHandleCmd(cfgPath),
		newCheckCmd(cfgPath),
		newBaselineCmd(cfgPath),
		newDoctorCmd(cfgPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.Info())
		},
	}
}

// bootstrap loads the configuration and wires the app against the default
// AWS credential chain.
func bootstrap(ctx context.Context, configFile string) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, common.NewDefaultAWSClientProvider(), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func (a *app) shutdown() {
	if err := a.Close(); err != nil {
		a.logger.Warn("close", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// ── lambda ────────────────────────────────────────────────────────────────────

func newLambdaCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as the AWS Lambda handler for EventBridge CloudTrail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), cfgPath())
			if err != nil {
				return err
			}
			defer a.shutdown()
			lambda.Start(lambdaHandler(a.engine, a.logger))
			return nil
		},
	}
}

// lambdaHandler adapts the engine to the Lambda runtime. Only transient
// faults are returned as errors, so the runtime redelivers exactly the
// events a retry can fix.
func lambdaHandler(h eventHandler, logger *zap.Logger) func(context.Context, lambdaevents.CloudWatchEvent) (models.InvocationResult, error) {
	return func(ctx context.Context, env lambdaevents.CloudWatchEvent) (models.InvocationResult, error) {
		ev, err := events.FromCloudWatchEvent(env)
		if err != nil {
			logger.Error("malformed event dropped", zap.String("envelope_id", env.ID), zap.Error(err))
			return models.InvocationResult{
				EventID: env.ID,
				State:   models.StateFaulted,
				Outcome: models.OutcomeFault,
				Trail:   []models.State{models.StateReceived, models.StateFaulted},
				Error: &models.InvocationError{
					Code:    string(faults.CodeOf(err)),
					Kind:    string(faults.KindOf(err)),
					Message: err.Error(),
				},
			}, nil
		}

		res, err := h.Handle(ctx, ev)
		if err != nil && faults.IsRetryable(err) {
			return res, err
		}
		return res, nil
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func newServeCmd(cfgPath func() string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP event intake, health and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, cfgPath())
			if err != nil {
				return err
			}
			defer a.shutdown()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			if _, ok := a.store.(idempotency.Pruner); ok {
				go pruneLoop(ctx, a.guard, a.logger, pruneInterval)
			}
			return server.New(a.engine, a.store, a.registry, a.logger.Named("http")).Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: server.addr from config)")
	return cmd
}

// pruneLoop removes expired idempotency records every interval until ctx
// is done.
func pruneLoop(ctx context.Context, g *idempotency.Guard, logger *zap.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.Prune(ctx)
			if err != nil {
				logger.Warn("prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned idempotency records", zap.Int64("count", n))
			}
		}
	}
}

// ── handle ────────────────────────────────────────────────────────────────────

func newHandleCmd(cfgPath func() string) *cobra.Command {
	var (
		eventFile string
		reportFmt string
		colored   bool
	)

	cmd := &cobra.Command{
		Use:   "handle",
		Short: "Process one change event from a file and remediate any drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readEvent(eventFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			a, err := bootstrap(cmd.Context(), cfgPath())
			if err != nil {
				return err
			}
			defer a.shutdown()

			_, err = runHandle(cmd.Context(), a.engine, data, cmd.OutOrStdout(), engine.ReportFormat(reportFmt), colored)
			return err
		},
	}
	cmd.Flags().StringVar(&eventFile, "event", "", `Event JSON file, or "-" for stdin (required)`)
	cmd.Flags().StringVar(&reportFmt, "report", "table", "Output format: json or table")
	cmd.Flags().BoolVar(&colored, "color", false, "Colour severities and outcomes in table output")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func readEvent(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event file %q: %w", path, err)
	}
	return data, nil
}

// runHandle parses data, runs it through h and renders the result to w.
// The result is rendered even when the invocation faulted.
func runHandle(ctx context.Context, h eventHandler, data []byte, w io.Writer, format engine.ReportFormat, colored bool) (models.InvocationResult, error) {
	ev, err := events.Parse(data)
	if err != nil {
		return models.InvocationResult{}, err
	}

	res, handleErr := h.Handle(ctx, ev)
	if format == engine.ReportFormatJSON {
		if err := render.WriteResultJSON(w, res); err != nil {
			return res, fmt.Errorf("encode result: %w", err)
		}
	} else {
		output.RenderSummary(w, res, output.TableOptions{Colored: colored, IncludeAttempts: true})
	}

	if handleErr != nil {
		return res, handleErr
	}
	if res.Outcome == models.OutcomePartialFailure {
		return res, errRemediationIncomplete
	}
	return res, nil
}

// ── check ─────────────────────────────────────────────────────────────────────

func newCheckCmd(cfgPath func() string) *cobra.Command {
	var (
		reportFmt   string
		colored     bool
		failOnDrift bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare the live security group with its baseline without remediating",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), cfgPath())
			if err != nil {
				return err
			}
			defer a.shutdown()

			return runCheck(cmd.Context(), a.engine, cmd.OutOrStdout(), engine.ReportFormat(reportFmt), colored, failOnDrift, a.policy)
		},
	}
	cmd.Flags().StringVar(&reportFmt, "report", "table", "Output format: json or table")
	cmd.Flags().BoolVar(&colored, "color", false, "Colour severities in table output")
	cmd.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "Exit non-zero when any drift is found, regardless of the policy threshold")
	return cmd
}

// runCheck renders the current drift of c to w. It fails when failOnDrift
// is set and any rule drifted, or when pol's enforcement threshold is met.
func runCheck(ctx context.Context, c driftChecker, w io.Writer, format engine.ReportFormat, colored, failOnDrift bool, pol *policy.PolicyConfig) error {
	finding, err := c.Check(ctx)
	if err != nil {
		return err
	}

	if format == engine.ReportFormatJSON {
		if err := writeJSON(w, finding); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "Group:    %s\n", finding.ObjectID)
		fmt.Fprintf(w, "Drifted:  %d rule(s)\n", len(finding.Results))
		fmt.Fprintln(w)
		output.RenderTable(w, finding.Results, output.TableOptions{Colored: colored, DryRun: true})
		if n := len(finding.MissingBaselineRules); n > 0 {
			fmt.Fprintf(w, "\n%d baseline rule(s) missing from the group (not restored)\n", n)
		}
	}

	if failOnDrift && len(finding.Results) > 0 {
		return fmt.Errorf("drift detected: %d rule(s) not in baseline", len(finding.Results))
	}
	if policy.ShouldFail(finding.Results, pol) {
		return fmt.Errorf("drift at or above %s severity (policy enforcement)", strings.ToUpper(pol.Enforcement.FailOnSeverity))
	}
	return nil
}
