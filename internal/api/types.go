package api

import (
	"github.com/triage-ai/phishguard/internal/engine"
)

// --- POST /email/analyze ---

// AnalyzeEmailRequest is the JSON body for POST /email/analyze.
// Every field may be empty; an empty email gets the floor verdict.
type AnalyzeEmailRequest struct {
	MessageID  string `json:"messageId" validate:"max=998"`
	HeadersRaw string `json:"headersRaw" validate:"max=262144"`
	Subject    string `json:"subject" validate:"max=4096"`
	BodyHTML   string `json:"bodyHtml"`
	BodyText   string `json:"bodyText"`
	ReceivedAt string `json:"receivedAt,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

func (r *AnalyzeEmailRequest) toEngine() *engine.EmailRequest {
	return &engine.EmailRequest{
		MessageID:  r.MessageID,
		HeadersRaw: r.HeadersRaw,
		Subject:    r.Subject,
		BodyHTML:   r.BodyHTML,
		BodyText:   r.BodyText,
	}
}

// --- POST /phone/analyze-audio ---

// CallMetadataReq is the JSON carried in the "metadata" form field.
type CallMetadataReq struct {
	Caller          string  `json:"caller" validate:"max=256"`
	Callee          string  `json:"callee" validate:"max=256"`
	StartedAt       string  `json:"startedAt" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	DurationSeconds float64 `json:"durationSeconds" validate:"gte=0"`
}

// --- Verdict response (both pipelines) ---

// AgentOutputResp is one consulted detector in agentOutputs.
type AgentOutputResp struct {
	DetectorID string         `json:"detectorId"`
	Tier       string         `json:"tier"`
	Score      float64        `json:"score"`
	Reasons    []string       `json:"reasons"`
	Features   map[string]any `json:"features"`
}

// VerdictResp is the serialized verdict.
type VerdictResp struct {
	RiskLabel    string            `json:"riskLabel"`
	RiskProb     float64           `json:"riskProb"`
	TopReasons   []string          `json:"topReasons"`
	AgentOutputs []AgentOutputResp `json:"agentOutputs"`
}

func newVerdictResp(v *engine.Verdict) VerdictResp {
	resp := VerdictResp{
		RiskLabel:    string(v.Label),
		RiskProb:     v.Probability,
		TopReasons:   v.TopReasons,
		AgentOutputs: make([]AgentOutputResp, 0, len(v.DetectorResults)),
	}
	if resp.TopReasons == nil {
		resp.TopReasons = []string{}
	}
	for _, r := range v.DetectorResults {
		out := AgentOutputResp{
			DetectorID: r.DetectorID,
			Tier:       r.Tier.String(),
			Score:      r.Score,
			Reasons:    r.Reasons,
			Features:   r.Features,
		}
		if out.Reasons == nil {
			out.Reasons = []string{}
		}
		if out.Features == nil {
			out.Features = map[string]any{}
		}
		resp.AgentOutputs = append(resp.AgentOutputs, out)
	}
	return resp
}

// HealthResp is the body of GET /health.
type HealthResp struct {
	OK bool `json:"ok"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
