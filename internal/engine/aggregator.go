package engine

import (
	"math"
)

// MaxTopReasons caps Verdict.TopReasons.
const MaxTopReasons = 5

// FloorReason is the sole reason on a verdict computed from no results.
const FloorReason = "No signals available"

// LabelSet names the three risk tiers of a pipeline, lowest first.
type LabelSet struct {
	Low    RiskLabel
	Medium RiskLabel
	High   RiskLabel
}

// FusionConfig holds the thresholds for label assignment.
type FusionConfig struct {
	HighThreshold   float64 // Probability >= this → High
	MediumThreshold float64 // Probability >= this but < HighThreshold → Medium
	Labels          LabelSet
}

// EmailFusionConfig returns the email pipeline thresholds (HIGH/MEDIUM/LOW).
func EmailFusionConfig() FusionConfig {
	return FusionConfig{
		HighThreshold:   0.70,
		MediumThreshold: 0.40,
		Labels:          LabelSet{Low: LabelLow, Medium: LabelMedium, High: LabelHigh},
	}
}

// CallFusionConfig returns the call pipeline thresholds (phishing/suspicious/safe).
func CallFusionConfig() FusionConfig {
	return FusionConfig{
		HighThreshold:   0.80,
		MediumThreshold: 0.50,
		Labels:          LabelSet{Low: LabelSafe, Medium: LabelSuspicious, High: LabelPhishing},
	}
}

// Fuse combines detector results into a verdict.
//
// Rules:
//  1. nil entries are dropped; no results at all yields the floor verdict
//  2. Probability = mean score, rounded to 3 decimals
//  3. Probability >= HighThreshold → High, >= MediumThreshold → Medium, else Low
//  4. TopReasons collects reasons in result order, skipping duplicates, up to MaxTopReasons
//
// Fuse is pure: the same ordered input always yields an identical verdict.
func Fuse(results []*DetectorResult, cfg FusionConfig) *Verdict {
	kept := make([]*DetectorResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return floorVerdict(cfg, FloorReason)
	}

	var sum float64
	for _, r := range kept {
		sum += r.Score
	}
	prob := roundProbability(sum / float64(len(kept)))

	return &Verdict{
		Label:           cfg.label(prob),
		Probability:     prob,
		TopReasons:      topReasons(kept),
		DetectorResults: kept,
	}
}

func (cfg FusionConfig) label(prob float64) RiskLabel {
	switch {
	case prob >= cfg.HighThreshold:
		return cfg.Labels.High
	case prob >= cfg.MediumThreshold:
		return cfg.Labels.Medium
	default:
		return cfg.Labels.Low
	}
}

func floorVerdict(cfg FusionConfig, reason string) *Verdict {
	return &Verdict{
		Label:           cfg.Labels.Low,
		Probability:     0,
		TopReasons:      []string{reason},
		DetectorResults: []*DetectorResult{},
	}
}

func topReasons(results []*DetectorResult) []string {
	reasons := make([]string, 0, MaxTopReasons)
	seen := make(map[string]struct{}, MaxTopReasons)
	for _, r := range results {
		for _, reason := range r.Reasons {
			if len(reasons) == MaxTopReasons {
				return reasons
			}
			if _, dup := seen[reason]; dup {
				continue
			}
			seen[reason] = struct{}{}
			reasons = append(reasons, reason)
		}
	}
	return reasons
}

func roundProbability(p float64) float64 {
	return math.Round(p*1000) / 1000
}
