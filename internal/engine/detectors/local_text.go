package detectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/triage-ai/phishguard/internal/engine"
)

// TextDetector scores subject and body with a phishing-email text classifier.
type TextDetector struct {
	classifier      Classifier
	model           string
	reasonThreshold float64
}

// NewTextDetector creates a local text detector backed by model on the sidecar.
func NewTextDetector(classifier Classifier, model string, reasonThreshold float64) *TextDetector {
	return &TextDetector{classifier: classifier, model: model, reasonThreshold: reasonThreshold}
}

func (d *TextDetector) Name() string {
	return "text"
}

func (d *TextDetector) Kind() engine.EvidenceKind {
	return engine.KindText
}

func (d *TextDetector) Detect(ctx context.Context, req *engine.DetectRequest) (*engine.DetectResult, error) {
	if req.Subject == "" && req.BodyText == "" {
		return nil, fmt.Errorf("%w: text detector needs a subject or body", engine.ErrInvalidInput)
	}

	preds, err := d.classifier.Classify(ctx, d.model, []string{req.Subject + "\n" + req.BodyText})
	if err != nil {
		return nil, err
	}

	label := strings.ToLower(preds[0].Label)
	score := positiveScore(preds[0], "phish")

	var reasons []string
	if score >= d.reasonThreshold {
		reasons = append(reasons, "Classifier vote: "+label)
	}

	return &engine.DetectResult{
		Score:   score,
		Reasons: reasons,
		Features: map[string]any{
			"model":      d.model,
			"label":      label,
			"confidence": preds[0].Score,
		},
	}, nil
}

// positiveScore turns a top-label prediction into the probability of the
// positive class: the confidence itself when the label starts with one of
// prefixes, its complement otherwise.
func positiveScore(p Prediction, prefixes ...string) float64 {
	label := strings.ToLower(p.Label)
	for _, prefix := range prefixes {
		if strings.HasPrefix(label, prefix) {
			return clamp01(p.Score)
		}
	}
	return clamp01(1 - p.Score)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
