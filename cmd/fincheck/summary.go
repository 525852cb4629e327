package main

import (
	"encoding/json"
	"io"
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rotisserie/eris"

	"github.com/ahrav/go-fincheck/internal/testutils"
)

// runSummary aggregates a verify run. Accuracy figures only count cases that
// name an expected answer.
type runSummary struct {
	Cases    int            `json:"cases"`
	Errors   int            `json:"errors"`
	Verified int            `json:"verified"`
	ByStatus map[string]int `json:"by_status"`
	ByTier   map[string]int `json:"by_tier"`

	Scored            int                `json:"scored"`
	Correct           int                `json:"correct"`
	Accuracy          float64            `json:"accuracy"`
	AccuracyByTier    map[string]float64 `json:"accuracy_by_tier,omitempty"`
	AccuracyByFormula map[string]float64 `json:"accuracy_by_formula,omitempty"`
	AccuracyByFault   map[string]float64 `json:"accuracy_by_fault,omitempty"`
	// CalibrationError is the case-weighted gap between each tier's score
	// and its observed accuracy.
	CalibrationError float64 `json:"calibration_error"`

	MeanAttempts float64       `json:"mean_attempts"`
	MeanLatency  time.Duration `json:"mean_latency_ns"`
	P95Latency   time.Duration `json:"p95_latency_ns"`
	P99Latency   time.Duration `json:"p99_latency_ns"`
}

type tally struct{ correct, total int }

func (t tally) rate() float64 {
	if t.total == 0 {
		return 0
	}
	return float64(t.correct) / float64(t.total)
}

func rates(m map[string]*tally) map[string]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, t := range m {
		out[k] = t.rate()
	}
	return out
}

func count(m map[string]*tally, key string, correct bool) {
	if key == "" {
		return
	}
	t, ok := m[key]
	if !ok {
		t = &tally{}
		m[key] = t
	}
	t.total++
	if correct {
		t.correct++
	}
}

func summarize(lines []verifyLine) runSummary {
	s := runSummary{
		Cases:    len(lines),
		ByStatus: map[string]int{},
		ByTier:   map[string]int{},
	}
	byTier := map[string]*tally{}
	byFormula := map[string]*tally{}
	byFault := map[string]*tally{}
	tierScore := map[string]float64{}

	var latencies, attempts []float64
	for _, l := range lines {
		latencies = append(latencies, float64(l.Latency))
		if l.Result == nil {
			s.Errors++
			continue
		}
		res := l.Result
		attempts = append(attempts, float64(res.Attempts))
		s.ByStatus[string(res.Outcome.Status)]++
		s.ByTier[res.Tier.Label]++
		tierScore[res.Tier.Label] = res.Tier.Score
		if res.Outcome.Verified {
			s.Verified++
		}

		if l.Correct == nil {
			continue
		}
		ok := *l.Correct
		s.Scored++
		if ok {
			s.Correct++
		}
		count(byTier, res.Tier.Label, ok)
		count(byFormula, l.Tags[testutils.TagFormula], ok)
		count(byFault, l.Tags[testutils.TagFault], ok)
	}

	s.Accuracy = tally{correct: s.Correct, total: s.Scored}.rate()
	s.AccuracyByTier = rates(byTier)
	s.AccuracyByFormula = rates(byFormula)
	s.AccuracyByFault = rates(byFault)
	if s.Scored > 0 {
		for label, t := range byTier {
			s.CalibrationError += float64(t.total) / float64(s.Scored) * math.Abs(tierScore[label]-t.rate())
		}
	}

	// stats only fails on empty input, which leaves the zero value.
	if m, err := stats.Mean(attempts); err == nil {
		s.MeanAttempts = m
	}
	if m, err := stats.Mean(latencies); err == nil {
		s.MeanLatency = time.Duration(m)
	}
	if p, err := stats.Percentile(latencies, 95); err == nil {
		s.P95Latency = time.Duration(p)
	}
	if p, err := stats.Percentile(latencies, 99); err == nil {
		s.P99Latency = time.Duration(p)
	}
	return s
}

func writeSummary(w io.Writer, s runSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return eris.Wrap(err, "write summary")
	}
	return nil
}
