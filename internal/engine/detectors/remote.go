package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"

	"github.com/triage-ai/phishguard/internal/engine"
)

const (
	textJudgePrompt = "You are a cybersecurity expert specializing in phishing emails. " +
		"Given the subject and body of an email, judge whether it carries phishing intent. " +
		`Respond with a JSON object {"score": <number between 0 and 1>, "reasons": [<short strings>]} ` +
		"where score is the likelihood of phishing."

	urlJudgePrompt = "You are a cybersecurity expert specializing in phishing, with a focus on email contents. " +
		"Scrutinize the URLs found in an email for signs of fraud, impersonation, urgency or threats. " +
		`Respond with a JSON object {"score": <number between 0 and 1>, "reasons": [<short strings>]} ` +
		"where score is the likelihood that the email has phishing intent."

	metadataJudgePrompt = "You are a cybersecurity expert specializing in phishing, with a focus on email contents. " +
		"Scrutinize the email metadata (sender, reply path, authentication results, routing) for signs of " +
		"spoofing, fraud, urgency or threats. " +
		`Respond with a JSON object {"score": <number between 0 and 1>, "reasons": [<short strings>]} ` +
		"where score is the likelihood that the email has phishing intent."
)

// remoteDetector adapts a Judge to the Detector contract. Reasons are kept
// only when the score reaches reasonThreshold.
type remoteDetector struct {
	name            string
	kind            engine.EvidenceKind
	judge           Judge
	system          string
	reasonThreshold float64
	prompt          func(req *engine.DetectRequest) (string, error)
}

func (d *remoteDetector) Name() string {
	return d.name
}

func (d *remoteDetector) Kind() engine.EvidenceKind {
	return d.kind
}

func (d *remoteDetector) Detect(ctx context.Context, req *engine.DetectRequest) (*engine.DetectResult, error) {
	user, err := d.prompt(req)
	if err != nil {
		return nil, err
	}

	j, err := d.judge.Judge(ctx, d.system, user)
	if err != nil {
		return nil, err
	}

	var reasons []string
	if j.Score >= d.reasonThreshold {
		reasons = j.Reasons
	}
	return &engine.DetectResult{
		Score:    j.Score,
		Reasons:  reasons,
		Features: map[string]any{"judge_reasons": len(j.Reasons)},
	}, nil
}

// NewRemoteTextDetector judges subject and body with an LLM.
func NewRemoteTextDetector(judge Judge, reasonThreshold float64) engine.Detector {
	return &remoteDetector{
		name:            "text_remote",
		kind:            engine.KindText,
		judge:           judge,
		system:          textJudgePrompt,
		reasonThreshold: reasonThreshold,
		prompt: func(req *engine.DetectRequest) (string, error) {
			if req.Subject == "" && req.BodyText == "" {
				return "", fmt.Errorf("%w: remote text detector needs a subject or body", engine.ErrInvalidInput)
			}
			return fmt.Sprintf("Subject:\n%s\n\nBody:\n%s", req.Subject, req.BodyText), nil
		},
	}
}

// NewRemoteURLDetector judges the email's URLs with an LLM.
func NewRemoteURLDetector(judge Judge, reasonThreshold float64) engine.Detector {
	return &remoteDetector{
		name:            "url_remote",
		kind:            engine.KindURL,
		judge:           judge,
		system:          urlJudgePrompt,
		reasonThreshold: reasonThreshold,
		prompt: func(req *engine.DetectRequest) (string, error) {
			urls := make([]string, 0, len(req.URLs))
			for _, u := range req.URLs {
				if u = strings.TrimSpace(u); u != "" {
					urls = append(urls, u)
				}
			}
			if len(urls) == 0 {
				return "", fmt.Errorf("%w: remote url detector needs at least one url", engine.ErrInvalidInput)
			}
			return strings.Join(urls, "\n"), nil
		},
	}
}

// NewRemoteMetadataDetector judges the email headers with an LLM.
// Empty metadata is still judged.
func NewRemoteMetadataDetector(judge Judge, reasonThreshold float64) engine.Detector {
	return &remoteDetector{
		name:            "metadata_remote",
		kind:            engine.KindMetadata,
		judge:           judge,
		system:          metadataJudgePrompt,
		reasonThreshold: reasonThreshold,
		prompt: func(req *engine.DetectRequest) (string, error) {
			b, err := json.MarshalIndent(emailMetadata(req.MessageID, req.HeadersRaw), "", "  ")
			if err != nil {
				return "", fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
			}
			return string(b), nil
		},
	}
}

// metadataHeaders are the headers lifted out of the raw block for the judge.
var metadataHeaders = []string{
	"From", "Reply-To", "Return-Path", "Sender", "To", "Date",
	"Received-SPF", "Authentication-Results", "DKIM-Signature", "X-Mailer",
}

// emailMetadata builds the metadata document shown to the judge. Headers
// that fail to parse are passed through raw only.
func emailMetadata(messageID, headersRaw string) map[string]any {
	meta := map[string]any{}
	if messageID != "" {
		meta["message_id"] = messageID
	}
	if strings.TrimSpace(headersRaw) == "" {
		return meta
	}
	meta["headers_raw"] = headersRaw

	msg, err := mail.ReadMessage(strings.NewReader(strings.TrimRight(headersRaw, "\r\n") + "\r\n\r\n"))
	if err != nil {
		return meta
	}
	parsed := map[string]string{}
	for _, h := range metadataHeaders {
		if v := msg.Header.Get(h); v != "" {
			parsed[h] = v
		}
	}
	if received := msg.Header["Received"]; len(received) > 0 {
		parsed["Received-Hops"] = fmt.Sprint(len(received))
	}
	if len(parsed) > 0 {
		meta["headers"] = parsed
	}
	return meta
}
