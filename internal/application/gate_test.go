package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ahrav/go-fincheck/infrastructure/units"
	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
	"github.com/ahrav/go-fincheck/internal/testutils"
)

// resultUnit returns a unit that records res under its own name.
func resultUnit(name string, res domain.LayerResult) *mockUnit {
	return &mockUnit{
		name: name,
		executeFunc: func(_ context.Context, s domain.State) (domain.State, error) {
			return s.AppendStageResult(domain.StageResult{Stage: name, Result: res}), nil
		},
	}
}

// issueUnit returns a unit that records a failing result with one issue.
func issueUnit(name string, kind domain.IssueKind) *mockUnit {
	return resultUnit(name, domain.LayerResult{
		Issues:     []domain.Issue{domain.NewIssue(name, kind, "flagged")},
		Confidence: domain.ConfidenceLow,
	})
}

func passUnit(name string) *mockUnit {
	return resultUnit(name, domain.LayerResult{Passed: true, Confidence: domain.ConfidenceHigh})
}

// reextractUnit proposes answer with the given suggestion confidence.
func reextractUnit(answer string, confidence float64) *mockUnit {
	name := units.StageReextraction
	return &mockUnit{
		name: name,
		executeFunc: func(_ context.Context, s domain.State) (domain.State, error) {
			s = domain.With(s, domain.KeyReextraction, domain.ReextractionSuggestion{
				Strategy:   domain.StrategyFocused,
				Answer:     answer,
				Confidence: confidence,
			})
			s = s.UpdateBudgetUsage(100, 1)
			return s.AppendStageResult(domain.StageResult{
				Stage:  name,
				Result: domain.LayerResult{Passed: true, CorrectedAnswer: answer, Confidence: domain.ConfidenceMedium},
			}), nil
		},
	}
}

// voteUnit records a vote verdict, proposing corrected when non-empty.
func voteUnit(correct bool, corrected string) *mockUnit {
	return resultUnit(units.StageConsistencyVote, domain.LayerResult{
		Passed:          correct,
		CorrectedAnswer: corrected,
		Confidence:      domain.ConfidenceHigh,
	})
}

type gateFixture struct {
	fast, recompute, reextract, vote, numeric *mockUnit
	rules                                     []*mockUnit
}

// newGateFixture wires a gate where every stage passes and the fast path is
// not taken.
func newGateFixture() *gateFixture {
	return &gateFixture{
		fast:      resultUnit(units.StageFastCorrection, domain.LayerResult{Passed: true, Confidence: domain.ConfidenceMedium}),
		recompute: passUnit(units.StageFormulaRecompute),
		reextract: reextractUnit("", 0),
		vote:      voteUnit(true, ""),
		numeric:   passUnit(units.StageNumericConsistency),
		rules:     []*mockUnit{passUnit(units.StageGrounding), passUnit(units.StageScenario)},
	}
}

func (f *gateFixture) stages() GateStages {
	s := GateStages{
		FastCorrection: f.fast,
		Recompute:      f.recompute,
		Numeric:        f.numeric,
	}
	if f.reextract != nil {
		s.Reextraction = f.reextract
	}
	if f.vote != nil {
		s.Vote = f.vote
	}
	for _, r := range f.rules {
		s.Rules = append(s.Rules, r)
	}
	s.Rules = append(s.Rules, f.numeric)
	return s
}

func (f *gateFixture) gate(t *testing.T, cfg GateConfig, opts ...GateOption) *Gate {
	t.Helper()
	g, err := NewGate(f.stages(), cfg, opts...)
	require.NoError(t, err)
	return g
}

func gateQuestion() domain.Question {
	return domain.Question{
		Text:         "What was the change in revenue from 2018 to 2019?",
		FormulaType:  domain.FormulaAbsoluteChange,
		ExpectedType: domain.ExpectedCurrency,
		Years:        []int{2018, 2019},
	}
}

func gateOutput(answer string) domain.ReasonerOutput {
	return domain.ReasonerOutput{
		Answer:    answer,
		Reasoning: "500 - 400 = 100",
		Citations: []string{"p1"},
	}
}

func defaultGateConfig() GateConfig {
	return GateConfigFrom(DefaultPipelineConfig())
}

func stageNames(state domain.State) []string {
	var names []string
	for _, r := range state.StageResults() {
		names = append(names, r.Stage)
	}
	return names
}

func TestGate_FastPath(t *testing.T) {
	tests := []struct {
		name       string
		earlyExit  bool
		wantStages []string
	}{
		{
			name: "voter runs without early exit",
			wantStages: []string{
				units.StageFastCorrection,
				units.StageGrounding,
				units.StageNumericConsistency,
				units.StageConsistencyVote,
			},
		},
		{
			name:      "early exit skips voter when clean",
			earlyExit: true,
			wantStages: []string{
				units.StageFastCorrection,
				units.StageGrounding,
				units.StageNumericConsistency,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture()
			f.fast = resultUnit(units.StageFastCorrection, domain.LayerResult{
				Passed:           true,
				Confidence:       domain.ConfidenceHigh,
				FastPathEligible: true,
			})
			cfg := defaultGateConfig()
			cfg.EarlyExit = tt.earlyExit

			res := f.gate(t, cfg).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)

			assert.Equal(t, domain.PathFastPath, res.Path)
			assert.Equal(t, tt.wantStages, stageNames(res.State))
			assert.Zero(t, f.recompute.runs())
			assert.Zero(t, f.reextract.runs())
			assert.Equal(t, 1, f.rules[0].runs(), "grounding")
			assert.Zero(t, f.rules[1].runs(), "scenario")
			assert.Equal(t, domain.StatusPass, res.Outcome.Status)
			assert.True(t, res.Outcome.Verified)
			assert.Equal(t, "100", res.Answer)
		})
	}
}

func TestGate_FastPathRequiresCleanHighConfidence(t *testing.T) {
	tests := []struct {
		name string
		res  domain.LayerResult
	}{
		{
			name: "not eligible",
			res:  domain.LayerResult{Passed: true, Confidence: domain.ConfidenceHigh},
		},
		{
			name: "medium confidence",
			res:  domain.LayerResult{Passed: true, Confidence: domain.ConfidenceMedium, FastPathEligible: true},
		},
		{
			name: "resolved correction",
			res: domain.LayerResult{
				Passed:            true,
				Confidence:        domain.ConfidenceHigh,
				FastPathEligible:  true,
				CorrectedAnswer:   "-100",
				CorrectionApplied: true,
				Issues: []domain.Issue{{
					Kind: domain.IssueSignMismatch, Stage: units.StageFastCorrection, Resolved: true,
				}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture()
			f.fast = resultUnit(units.StageFastCorrection, tt.res)

			res := f.gate(t, defaultGateConfig()).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)

			assert.Equal(t, domain.PathFullCheck, res.Path)
			assert.Equal(t, 1, f.recompute.runs())
		})
	}
}

func TestGate_FullCheckOrder(t *testing.T) {
	f := newGateFixture()
	f.recompute = issueUnit(units.StageFormulaRecompute, domain.IssueRecomputeMismatch)
	f.reextract = reextractUnit("120", 0.9)

	res := f.gate(t, defaultGateConfig()).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)

	assert.Equal(t, domain.PathFullCheck, res.Path)
	assert.Equal(t, []string{
		units.StageFastCorrection,
		units.StageFormulaRecompute,
		units.StageReextraction,
		units.StageGrounding,
		units.StageScenario,
		units.StageNumericConsistency,
		units.StageConsistencyVote,
	}, stageNames(res.State))
}

func TestGate_Reextraction(t *testing.T) {
	tests := []struct {
		name          string
		recompute     *mockUnit
		confidence    float64
		wantRuns      int
		wantAnswer    string
		wantRejected  bool
		wantCorrected bool
	}{
		{
			name:          "accepted at threshold",
			recompute:     issueUnit(units.StageFormulaRecompute, domain.IssueRecomputeMismatch),
			confidence:    0.7,
			wantRuns:      1,
			wantAnswer:    "120",
			wantCorrected: true,
		},
		{
			name:         "rejected below threshold",
			recompute:    issueUnit(units.StageFormulaRecompute, domain.IssueMissingOperands),
			confidence:   0.6,
			wantRuns:     1,
			wantAnswer:   "100",
			wantRejected: true,
		},
		{
			name:       "not triggered by clean recompute",
			recompute:  passUnit(units.StageFormulaRecompute),
			confidence: 0.9,
			wantAnswer: "100",
		},
		{
			name: "triggered by low confidence on error-prone formula",
			recompute: resultUnit(units.StageFormulaRecompute, domain.LayerResult{
				Passed: true, Confidence: domain.ConfidenceLow,
			}),
			confidence:    0.9,
			wantRuns:      1,
			wantAnswer:    "120",
			wantCorrected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture()
			f.recompute = tt.recompute
			f.reextract = reextractUnit("120", tt.confidence)

			res := f.gate(t, defaultGateConfig()).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)

			assert.Equal(t, tt.wantRuns, f.reextract.runs())
			assert.Equal(t, tt.wantAnswer, res.Answer)
			assert.Equal(t, tt.wantRejected, domain.HasIssueKind(res.Outcome.Issues, domain.IssueReextractionRejected))

			r, ok := lastResult(res.State, units.StageReextraction)
			assert.Equal(t, tt.wantRuns == 1, ok)
			assert.Equal(t, tt.wantCorrected, r.CorrectionApplied)

			original, _ := domain.Get(res.State, domain.KeyOriginalAnswer)
			assert.Equal(t, "100", original)
		})
	}
}

func TestGate_ReextractionUsageCounted(t *testing.T) {
	f := newGateFixture()
	f.recompute = issueUnit(units.StageFormulaRecompute, domain.IssueRecomputeMismatch)
	f.reextract = reextractUnit("120", 0.9)

	res := f.gate(t, defaultGateConfig()).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)
	assert.Equal(t, domain.Usage{Tokens: 100, Calls: 1}, res.Usage)
}

func TestGate_Vote(t *testing.T) {
	tests := []struct {
		name       string
		vote       *mockUnit
		wantAnswer string
		wantKind   domain.IssueKind
		wantStatus domain.Status
	}{
		{
			name:       "agreement leaves answer",
			vote:       voteUnit(true, ""),
			wantAnswer: "100",
			wantStatus: domain.StatusPass,
		},
		{
			name:       "correction replaces answer",
			vote:       voteUnit(false, "-100"),
			wantAnswer: "-100",
			wantKind:   domain.IssueConsistencyCorrection,
			wantStatus: domain.StatusPartialPass,
		},
		{
			name:       "disagreement without correction",
			vote:       voteUnit(false, ""),
			wantAnswer: "100",
			wantKind:   domain.IssueConsistencyDisagree,
			wantStatus: domain.StatusPartialPass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture()
			f.vote = tt.vote

			res := f.gate(t, defaultGateConfig()).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)

			assert.Equal(t, tt.wantAnswer, res.Answer)
			assert.Equal(t, tt.wantStatus, res.Outcome.Status)
			if tt.wantKind == "" {
				assert.Empty(t, res.Outcome.Issues)
				return
			}
			require.Len(t, res.Outcome.Issues, 1)
			assert.Equal(t, tt.wantKind, res.Outcome.Issues[0].Kind)
			assert.Equal(t, tt.wantKind == domain.IssueConsistencyCorrection, res.Outcome.Issues[0].Resolved)
		})
	}
}

func TestGate_EarlyExitFullCheck(t *testing.T) {
	t.Run("clean attempt skips voter", func(t *testing.T) {
		f := newGateFixture()
		cfg := defaultGateConfig()
		cfg.EarlyExit = true

		res := f.gate(t, cfg).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)
		assert.Zero(t, f.vote.runs())
		assert.Equal(t, domain.StatusPass, res.Outcome.Status)
	})

	t.Run("issues still reach voter", func(t *testing.T) {
		f := newGateFixture()
		f.rules = []*mockUnit{issueUnit(units.StageScenario, domain.IssueScenarioMismatch)}
		cfg := defaultGateConfig()
		cfg.EarlyExit = true

		f.gate(t, cfg).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)
		assert.Equal(t, 1, f.vote.runs())
	})
}

func TestGate_StageIsolation(t *testing.T) {
	errOracle := errors.New("oracle down")

	tests := []struct {
		name string
		unit *mockUnit
	}{
		{
			name: "error",
			unit: &mockUnit{name: units.StageScenario, executeFunc: func(_ context.Context, s domain.State) (domain.State, error) {
				return s, errOracle
			}},
		},
		{
			name: "error with foreign state",
			unit: &mockUnit{name: units.StageScenario, executeFunc: func(context.Context, domain.State) (domain.State, error) {
				return domain.NewState(), errOracle
			}},
		},
		{
			name: "panic",
			unit: &mockUnit{name: units.StageScenario, executeFunc: func(context.Context, domain.State) (domain.State, error) {
				panic("index out of range")
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture()
			f.rules = []*mockUnit{tt.unit, passUnit(units.StageTraceability)}

			core, logs := observer.New(zap.WarnLevel)
			res := f.gate(t, defaultGateConfig(), WithLogger(zap.New(core))).
				Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)

			require.Len(t, res.Outcome.Issues, 1)
			is := res.Outcome.Issues[0]
			assert.Equal(t, domain.IssueStageInconclusive, is.Kind)
			assert.Equal(t, units.StageScenario, is.Stage)

			// Later stages still run and the attempt still gets a verdict.
			assert.Contains(t, stageNames(res.State), units.StageTraceability)
			assert.Equal(t, 1, f.vote.runs())
			assert.Equal(t, domain.StatusPartialPass, res.Outcome.Status)
			assert.Equal(t, "100", res.Answer)
			assert.NotZero(t, logs.Len())
		})
	}
}

func TestGate_FailedOracleStageKeepsUsage(t *testing.T) {
	f := newGateFixture()
	f.vote = &mockUnit{name: units.StageConsistencyVote, executeFunc: func(_ context.Context, s domain.State) (domain.State, error) {
		return s.UpdateBudgetUsage(250, 3), units.ErrNoVotes
	}}

	res := f.gate(t, defaultGateConfig()).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)

	assert.Equal(t, domain.Usage{Tokens: 250, Calls: 3}, res.Usage)
	assert.True(t, domain.HasIssueKind(res.Outcome.Issues, domain.IssueStageInconclusive))
	assert.Equal(t, "100", res.Answer)
}

func TestGate_EmptyAnswer(t *testing.T) {
	for _, answer := range []string{"", "   "} {
		f := newGateFixture()
		res := f.gate(t, defaultGateConfig()).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput(answer), 1)

		assert.Equal(t, domain.StatusHardFail, res.Outcome.Status)
		assert.False(t, res.Outcome.Verified)
		assert.True(t, domain.HasIssueKind(res.Outcome.Issues, domain.IssueEmptyAnswer))
		assert.Zero(t, f.fast.runs())
		assert.Equal(t, []string{GateStage}, stageNames(res.State))
	}
}

func TestGate_Status(t *testing.T) {
	tests := []struct {
		name      string
		rule      *mockUnit
		citations []string
		required  int
		want      domain.Status
	}{
		{
			name:     "clean",
			rule:     passUnit(units.StageScenario),
			required: 1,
			want:     domain.StatusPass,
		},
		{
			name:      "grounding gap is hard",
			rule:      issueUnit(units.StageGrounding, domain.IssueGroundingGap),
			citations: []string{"p1"},
			required:  1,
			want:      domain.StatusHardFail,
		},
		{
			name:      "soft issue with citations",
			rule:      issueUnit(units.StageScenario, domain.IssueScenarioMismatch),
			citations: []string{"p1"},
			required:  1,
			want:      domain.StatusPartialPass,
		},
		{
			name:     "soft issue without enough citations",
			rule:     issueUnit(units.StageScenario, domain.IssueScenarioMismatch),
			required: 1,
			want:     domain.StatusHardFail,
		},
		{
			name:     "soft issue with citations not required",
			rule:     issueUnit(units.StageScenario, domain.IssueScenarioMismatch),
			required: 0,
			want:     domain.StatusPartialPass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture()
			f.rules = []*mockUnit{tt.rule}
			cfg := defaultGateConfig()
			cfg.RequiredCitations = tt.required

			out := gateOutput("100")
			out.Citations = tt.citations
			res := f.gate(t, cfg).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, out, 1)

			assert.Equal(t, tt.want, res.Outcome.Status)
			assert.Equal(t, tt.want.Verified(), res.Outcome.Verified)
		})
	}
}

func TestGate_WithoutOracleStages(t *testing.T) {
	f := newGateFixture()
	f.recompute = issueUnit(units.StageFormulaRecompute, domain.IssueRecomputeMismatch)
	f.reextract = nil
	f.vote = nil

	res := f.gate(t, defaultGateConfig()).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)

	assert.NotContains(t, stageNames(res.State), units.StageReextraction)
	assert.NotContains(t, stageNames(res.State), units.StageConsistencyVote)
	assert.Equal(t, domain.Usage{}, res.Usage)
}

func TestGate_ExecutionID(t *testing.T) {
	f := newGateFixture()
	g := f.gate(t, defaultGateConfig())

	ctx := ContextWithExecutionID(context.Background(), "exec-42")
	res := g.Verify(ctx, gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 2)
	id, _ := domain.Get(res.State, domain.KeyExecutionID)
	assert.Equal(t, "exec-42", id)
	attempt, _ := domain.Get(res.State, domain.KeyAttempt)
	assert.Equal(t, 2, attempt)

	res = g.Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)
	id, _ = domain.Get(res.State, domain.KeyExecutionID)
	assert.NotEmpty(t, id)
}

func TestGate_TraceLevel(t *testing.T) {
	f := newGateFixture()
	cfg := defaultGateConfig()
	cfg.TraceLevel = "debug"

	res := f.gate(t, cfg).Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)
	level, _ := domain.Get(res.State, domain.KeyTraceLevel)
	assert.Equal(t, "debug", level)
}

func TestNewGate_RequiresCoreStages(t *testing.T) {
	f := newGateFixture()
	stages := f.stages()
	stages.Recompute = nil

	_, err := NewGate(stages, defaultGateConfig())
	require.Error(t, err)
}

func TestNewGate_DuplicateRule(t *testing.T) {
	f := newGateFixture()
	stages := f.stages()
	stages.Rules = append(stages.Rules, f.rules[0])

	_, err := NewGate(stages, defaultGateConfig())
	require.Error(t, err)
}

// recordingMetrics captures metric calls.
type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	latency  []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counters: make(map[string]float64)}
}

func (m *recordingMetrics) RecordLatency(_ string, _ time.Duration, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = append(m.latency, labels["stage"])
}

func (m *recordingMetrics) RecordCounter(metric string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := metric
	if s, ok := labels["status"]; ok {
		key += ":" + s
	}
	if s, ok := labels["stage"]; ok {
		key += ":" + s
	}
	m.counters[key] += value
}

func (m *recordingMetrics) RecordGauge(string, float64, map[string]string)     {}
func (m *recordingMetrics) RecordHistogram(string, float64, map[string]string) {}

func TestGate_Metrics(t *testing.T) {
	f := newGateFixture()
	f.rules = []*mockUnit{{name: units.StageScenario, executeFunc: func(_ context.Context, s domain.State) (domain.State, error) {
		return s, errors.New("boom")
	}}}
	m := newRecordingMetrics()

	f.gate(t, defaultGateConfig(), WithMetrics(m)).
		Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)

	assert.Equal(t, 1.0, m.counters["gate_verdicts_total:PARTIAL_PASS"])
	assert.Equal(t, 1.0, m.counters["stage_inconclusive_total:"+units.StageScenario])
	assert.Contains(t, m.latency, units.StageFastCorrection)
	assert.Contains(t, m.latency, units.StageConsistencyVote)
}

// countingUnit wraps a unit and counts executions.
type countingUnit struct {
	ports.Unit
	calls *int
}

func (c countingUnit) Execute(ctx context.Context, s domain.State) (domain.State, error) {
	*c.calls++
	return c.Unit.Execute(ctx, s)
}

func TestGate_OracleDecorator(t *testing.T) {
	f := newGateFixture()
	f.recompute = issueUnit(units.StageFormulaRecompute, domain.IssueRecomputeMismatch)
	f.reextract = reextractUnit("120", 0.9)

	var calls int
	wrap := func(u ports.Unit) ports.Unit { return countingUnit{Unit: u, calls: &calls} }

	f.gate(t, defaultGateConfig(), WithOracleDecorator(wrap)).
		Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), 1)

	// Re-extraction and the voter are wrapped; rule stages are not.
	assert.Equal(t, 2, calls)
}

func TestBuildGate(t *testing.T) {
	t.Run("without oracle", func(t *testing.T) {
		g, err := BuildGate(NewStageRegistry(nil), DefaultPipelineConfig())
		require.NoError(t, err)

		assert.Nil(t, g.stages.Reextraction)
		assert.Nil(t, g.stages.Vote)
		names := make([]string, 0)
		for _, u := range g.rules.Units() {
			names = append(names, u.Name())
		}
		assert.Equal(t, DefaultRuleStages(), names)
		assert.Same(t, g.stages.Numeric, g.rules.Units()[len(names)-1])
	})

	t.Run("with oracle", func(t *testing.T) {
		g, err := BuildGate(NewStageRegistry(testutils.NewMockLLMClient("gpt-test")), DefaultPipelineConfig())
		require.NoError(t, err)
		require.NotNil(t, g.stages.Reextraction)
		require.NotNil(t, g.stages.Vote)
		assert.Equal(t, units.StageReextraction, g.stages.Reextraction.Name())
		assert.Equal(t, units.StageConsistencyVote, g.stages.Vote.Name())
	})

	t.Run("custom rule order", func(t *testing.T) {
		cfg := DefaultPipelineConfig()
		cfg.RuleStages = []string{units.StageTraceability, units.StageGrounding}
		g, err := BuildGate(NewStageRegistry(nil), cfg)
		require.NoError(t, err)

		rules := g.rules.Units()
		require.Len(t, rules, 2)
		assert.Equal(t, units.StageTraceability, rules[0].Name())
		assert.Equal(t, units.StageGrounding, rules[1].Name())
	})

	t.Run("bad stage params", func(t *testing.T) {
		cfg := DefaultPipelineConfig()
		cfg.Stages = map[string]map[string]any{
			units.StageGrounding: {"similarity_threshold": 5.0},
		}
		_, err := BuildGate(NewStageRegistry(nil), cfg)
		require.Error(t, err)
	})
}

func TestGate_RealStagesEmptyEvidence(t *testing.T) {
	g, err := BuildGate(NewStageRegistry(nil), DefaultPipelineConfig())
	require.NoError(t, err)

	out := domain.ReasonerOutput{Answer: "100", Reasoning: "500 - 400 = 100", Citations: []string{"p9"}}
	res := g.Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, out, 1)

	// A citation that points at nothing is never grounded.
	assert.Equal(t, domain.StatusHardFail, res.Outcome.Status)
	assert.True(t, domain.HasIssueKind(res.Outcome.Issues, domain.IssueGroundingGap))
	assert.Equal(t, units.StageFastCorrection, stageNames(res.State)[0])
}

func TestGate_ConcurrentVerify(t *testing.T) {
	f := newGateFixture()
	g := f.gate(t, defaultGateConfig())

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := g.Verify(context.Background(), gateQuestion(), domain.EvidenceBundle{}, gateOutput("100"), i+1)
			assert.Equal(t, domain.StatusPass, res.Outcome.Status)
		}()
	}
	wg.Wait()
}
