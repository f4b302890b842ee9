package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/triage-ai/phishguard/internal/engine"
)

// EventWriter is the interface for persisting screening events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ScreeningEvent)
	Close()
}

// ScreeningEvent is one finished pipeline run.
type ScreeningEvent struct {
	RequestID      string
	Pipeline       string // "email" or "call"
	SubjectID      string // message id or call id
	ClientID       string
	Timestamp      time.Time
	Label          string
	Probability    float64
	Escalated      bool
	Reasons        []string
	DetectorNames  []string
	DetectorTiers  []string
	DetectorScores []float64
	ContentPreview string // First 500 chars
	ContentHash    string // SHA256 of full content
	ContentSize    uint32
	Metadata       map[string]string
	LatencyMs      float32
}

// ContentPreviewLength is the max chars stored in content_preview.
const ContentPreviewLength = 500

// NewScreeningEvent flattens a verdict into an event. content is the text the
// run screened (subject and body for email, clip names for calls).
func NewScreeningEvent(requestID, pipeline, subjectID string, v *engine.Verdict, content string, latency time.Duration) *ScreeningEvent {
	sum := sha256.Sum256([]byte(content))
	e := &ScreeningEvent{
		RequestID:      requestID,
		Pipeline:       pipeline,
		SubjectID:      subjectID,
		Timestamp:      time.Now().UTC(),
		Label:          string(v.Label),
		Probability:    v.Probability,
		Escalated:      v.Escalated(),
		Reasons:        append([]string(nil), v.TopReasons...),
		DetectorNames:  make([]string, 0, len(v.DetectorResults)),
		DetectorTiers:  make([]string, 0, len(v.DetectorResults)),
		DetectorScores: make([]float64, 0, len(v.DetectorResults)),
		ContentPreview: TruncateContent(content, ContentPreviewLength),
		ContentHash:    hex.EncodeToString(sum[:]),
		ContentSize:    uint32(len(content)),
		Metadata:       map[string]string{},
		LatencyMs:      float32(latency.Seconds() * 1000),
	}
	for _, r := range v.DetectorResults {
		e.DetectorNames = append(e.DetectorNames, r.DetectorID)
		e.DetectorTiers = append(e.DetectorTiers, r.Tier.String())
		e.DetectorScores = append(e.DetectorScores, r.Score)
	}
	return e
}

// TruncateContent returns the first N characters (runes) of content for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncateContent(content string, maxLen int) string {
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen])
}
