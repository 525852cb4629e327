package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-fincheck/infrastructure/llm"
	"github.com/ahrav/go-fincheck/infrastructure/reasoner"
	"github.com/ahrav/go-fincheck/infrastructure/units"
	"github.com/ahrav/go-fincheck/internal/application"
	"github.com/ahrav/go-fincheck/internal/config"
	"github.com/ahrav/go-fincheck/internal/ports"
)

type verifyOptions struct {
	pipelineFile string
	summary      bool
	recordsFile  string
	mode         string
	noOracle     bool
	withRecords  bool
	concurrency  int
	timeout      time.Duration
}

// answerTolerance is the relative error within which a numeric answer
// matches a case's expected answer.
const answerTolerance = 0.01

var verifyOpts verifyOptions

var verifyCmd = &cobra.Command{
	Use:   "verify <case-file>...",
	Short: "Verify the cases in one or more case files",
	Long: "Each case is answered by the reasoner (replayed from the case file or live), " +
		"checked by the verification gate, and printed as one JSON line.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := verifyOpts
		if opts.pipelineFile == "" {
			opts.pipelineFile = cfg.Pipeline.ConfigFile
		}
		if opts.recordsFile == "" {
			opts.recordsFile = cfg.Pipeline.RecordsFile
		}
		if opts.mode == "" {
			opts.mode = cfg.Reasoner.Mode
		}
		lines, err := runVerify(cmd.Context(), cfg, opts, args, cmd.OutOrStdout(), zap.L())
		if err != nil {
			return err
		}
		if opts.summary {
			return writeSummary(cmd.ErrOrStderr(), summarize(lines))
		}
		return nil
	},
}

func init() {
	f := verifyCmd.Flags()
	f.StringVar(&verifyOpts.pipelineFile, "pipeline", "", "pipeline config file (overrides pipeline.config_file)")
	f.StringVar(&verifyOpts.recordsFile, "records", "", "append attempt records as JSON lines to this file")
	f.StringVar(&verifyOpts.mode, "reasoner", "", "reasoner mode: replay or llm (overrides reasoner.mode)")
	f.BoolVar(&verifyOpts.noOracle, "no-oracle", false, "skip the oracle-backed stages")
	f.BoolVar(&verifyOpts.withRecords, "with-records", false, "include per-attempt records in the output")
	f.IntVar(&verifyOpts.concurrency, "concurrency", 1, "cases verified in parallel")
	f.DurationVar(&verifyOpts.timeout, "timeout", 5*time.Minute, "deadline per case")
	f.BoolVar(&verifyOpts.summary, "summary", false, "print a run summary to stderr")
}

// verifyLine is one line of verify output.
type verifyLine struct {
	ID     string              `json:"id"`
	Result *application.Result `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
	// Correct is set when the case names an expected answer.
	Correct  *bool             `json:"correct,omitempty"`
	Expected string            `json:"expected,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Latency  time.Duration     `json:"latency_ns"`
}

func runVerify(
	ctx context.Context,
	c *config.Config,
	opts verifyOptions,
	paths []string,
	out io.Writer,
	logger *zap.Logger,
) ([]verifyLine, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.mode != "replay" && opts.mode != "llm" {
		return nil, eris.Errorf("unknown reasoner mode %q", opts.mode)
	}

	var cases []verifyCase
	for _, p := range paths {
		cs, err := readCaseFile(p)
		if err != nil {
			return nil, err
		}
		cases = append(cases, cs...)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics, promReg := newMetrics(c.Metrics, logger)
	var collector ports.MetricsCollector
	if metrics != nil {
		collector = metrics
		serveMetrics(ctx, c.Metrics.Addr, promReg, logger)
	}

	reg, err := newOracleRegistry(c.LLM, collector, logger)
	if err != nil {
		return nil, err
	}
	var oracle ports.LLMClient
	if !opts.noOracle {
		client, err := reg.Client(oracleSpec(c.LLM))
		switch {
		case errors.Is(err, llm.ErrEmptyAPIKey):
			logger.Warn("verify: no oracle key, oracle stages disabled", zap.Error(err))
		case err != nil:
			return nil, eris.Wrap(err, "oracle client")
		default:
			oracle = client
		}
	}

	pc, err := loadPipelineConfig(opts.pipelineFile)
	if err != nil {
		return nil, err
	}
	pipeline, err := buildGate(ctx, pc, oracle, collector, logger)
	if err != nil {
		return nil, err
	}

	var live ports.Reasoner
	if opts.mode == "llm" {
		if live, err = newLLMReasoner(*c, reg, logger); err != nil {
			return nil, err
		}
	}

	orchOpts := []application.OrchestratorOption{application.WithOrchestratorLogger(logger)}
	if collector != nil {
		orchOpts = append(orchOpts, application.WithOrchestratorMetrics(collector))
	}
	if opts.recordsFile != "" {
		f, err := os.OpenFile(filepath.Clean(opts.recordsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, eris.Wrap(err, "open records file")
		}
		defer f.Close()
		orchOpts = append(orchOpts, application.WithRecorder(newJSONLRecorder(f)))
	}

	lines := make([]verifyLine, len(cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.concurrency, 1))
	for i, vc := range cases {
		g.Go(func() error {
			line := verifyLine{ID: vc.ID, Expected: vc.Expected, Tags: vc.Tags}
			defer func() { lines[i] = line }()

			r := live
			if r == nil {
				replay, err := reasoner.NewReplayReasoner(vc.Outputs...)
				if err != nil {
					line.Error = err.Error()
					return nil
				}
				r = replay
			}
			orch, err := application.NewOrchestrator(r, pipeline.Gate, pc.MaxRetries, orchOpts...)
			if err != nil {
				return eris.Wrap(err, "orchestrator")
			}

			caseCtx, cancel := context.WithTimeout(gctx, opts.timeout)
			defer cancel()
			start := time.Now()
			res, err := orch.Run(caseCtx, vc.Question, vc.Evidence)
			line.Latency = time.Since(start)
			if err != nil {
				// A case deadline fails that case only; cancelling the run stops all.
				if gctx.Err() != nil {
					return err
				}
				line.Error = err.Error()
				return nil
			}
			if !opts.withRecords {
				res.Records = nil
			}
			line.Result = &res
			if vc.Expected != "" {
				ok := units.AnswersAgree(res.Answer, vc.Expected, answerTolerance)
				line.Correct = &ok
			}
			logger.Info("verify: case done",
				zap.String("case", vc.ID),
				zap.String("status", string(res.Outcome.Status)),
				zap.Int("attempts", res.Attempts),
				zap.Duration("latency", line.Latency),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "verify")
	}

	enc := json.NewEncoder(out)
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			return nil, eris.Wrap(err, "write result")
		}
	}
	return lines, nil
}
