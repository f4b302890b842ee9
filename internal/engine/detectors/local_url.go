package detectors

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/triage-ai/phishguard/internal/engine"
	"github.com/triage-ai/phishguard/internal/preprocess"
)

// URLDetector scores each URL with a malicious-URL classifier and reports
// the worst one.
type URLDetector struct {
	classifier      Classifier
	model           string
	reasonThreshold float64
}

// NewURLDetector creates a local URL detector backed by model on the sidecar.
func NewURLDetector(classifier Classifier, model string, reasonThreshold float64) *URLDetector {
	return &URLDetector{classifier: classifier, model: model, reasonThreshold: reasonThreshold}
}

func (d *URLDetector) Name() string {
	return "url"
}

func (d *URLDetector) Kind() engine.EvidenceKind {
	return engine.KindURL
}

func (d *URLDetector) Detect(ctx context.Context, req *engine.DetectRequest) (*engine.DetectResult, error) {
	if len(req.URLs) == 0 {
		return nil, fmt.Errorf("%w: url detector needs at least one url", engine.ErrInvalidInput)
	}

	preds, err := d.classifier.Classify(ctx, d.model, req.URLs)
	if err != nil {
		return nil, err
	}

	var worst float64
	seen := make(map[string]struct{})
	reasons := []string{}
	urls := make([]map[string]any, 0, len(req.URLs))

	for i, u := range req.URLs {
		score := positiveScore(preds[i], "mal", "phish")
		if score > worst {
			worst = score
		}
		urls = append(urls, map[string]any{
			"url":    u,
			"domain": preprocess.CanonicalDomain(u),
			"label":  strings.ToLower(preds[i].Label),
			"score":  score,
		})
		if score > d.reasonThreshold {
			reason := "URL model red flag " + u
			if _, dup := seen[reason]; !dup {
				seen[reason] = struct{}{}
				reasons = append(reasons, reason)
			}
		}
	}
	sort.Strings(reasons)

	return &engine.DetectResult{
		Score:    worst,
		Reasons:  reasons,
		Features: map[string]any{"model": d.model, "urls": urls},
	}, nil
}
