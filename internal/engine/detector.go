package engine

import (
	"context"
)

// Detector is the interface every risk detector must implement, local or remote.
// Implementations must respect context deadlines and be safe for concurrent use:
// one instance is shared by every pipeline run in the process.
type Detector interface {
	// Name returns the detector's unique identifier (e.g., "text", "url_remote").
	Name() string

	// Kind returns the evidence type this detector inspects.
	Kind() EvidenceKind

	// Detect scores the request. Failures wrap ErrDetectorUnavailable or
	// ErrInvalidInput. Retrying transient errors is the detector's own concern.
	Detect(ctx context.Context, req *DetectRequest) (*DetectResult, error)
}

// DetectRequest carries the derived state a detector reads from.
// Each detector only looks at the fields for its evidence kind.
type DetectRequest struct {
	Subject    string
	BodyText   string
	URLs       []string // capped by the coordinator
	AudioPaths []string // capped by the coordinator
	HeadersRaw string
	MessageID  string
}

// DetectResult is the outcome of a single detector run.
type DetectResult struct {
	Score    float64 // 0.0 – 1.0, probability of phishing intent
	Reasons  []string
	Features map[string]any
}
