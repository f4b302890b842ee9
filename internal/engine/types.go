package engine

// RiskLabel is the discrete risk tier assigned to a verdict.
type RiskLabel string

const (
	LabelLow    RiskLabel = "LOW"
	LabelMedium RiskLabel = "MEDIUM"
	LabelHigh   RiskLabel = "HIGH"

	LabelSafe       RiskLabel = "safe"
	LabelSuspicious RiskLabel = "suspicious"
	LabelPhishing   RiskLabel = "phishing"
)

// Tier groups detectors of similar cost and latency.
type Tier int

const (
	TierUnspecified Tier = iota
	TierLocal            // local
	TierRemote           // remote
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierRemote:
		return "remote"
	default:
		return "unspecified"
	}
}

// EvidenceKind classifies the type of evidence a detector inspects.
type EvidenceKind int

const (
	KindUnspecified EvidenceKind = iota
	KindText                     // text
	KindURL                      // url
	KindAudio                    // audio
	KindMetadata                 // metadata
)

// String returns the lowercase evidence kind.
func (k EvidenceKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindURL:
		return "url"
	case KindAudio:
		return "audio"
	case KindMetadata:
		return "metadata"
	default:
		return "unspecified"
	}
}

// DetectorResult is the output of one detector invocation within a run.
// It is never modified after the fan-out that produced it returns.
type DetectorResult struct {
	DetectorID string
	Tier       Tier
	Score      float64
	Reasons    []string
	// Features is diagnostic only. The coordinator never reads it.
	Features map[string]any
}

// Verdict is the fused risk assessment for one run.
type Verdict struct {
	Label           RiskLabel
	Probability     float64
	TopReasons      []string
	DetectorResults []*DetectorResult
}

// Escalated reports whether any remote-tier result contributed to the verdict.
func (v *Verdict) Escalated() bool {
	if v == nil {
		return false
	}
	for _, r := range v.DetectorResults {
		if r != nil && r.Tier == TierRemote {
			return true
		}
	}
	return false
}

// EmailRequest is an inbound email to be screened.
type EmailRequest struct {
	MessageID  string
	HeadersRaw string
	Subject    string
	BodyHTML   string
	BodyText   string
}

// CallMetadata describes the phone call an audio sample came from.
type CallMetadata struct {
	Caller          string
	Callee          string
	StartedAt       string
	DurationSeconds float64
}

// CallRequest is an inbound phone call to be screened.
type CallRequest struct {
	CallID      string
	AudioPaths  []string
	Metadata    *CallMetadata
	Transcripts []string
}
