package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/phishguard/internal/engine"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxLLMResponseBytes = 1 << 20

// LLMConfig configures the OpenAI-compatible chat completions client.
type LLMConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64 // requests per second; <= 0 disables limiting
	Burst      int
}

// Judgement is the structured answer every remote judge must return.
type Judgement struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// Judge asks a language model for a phishing judgement.
type Judge interface {
	Judge(ctx context.Context, system, user string) (*Judgement, error)
}

// LLMClient is a rate-limited, retrying chat completions client shared by
// all remote detectors.
type LLMClient struct {
	cfg     LLMConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	// initialInterval is the first retry delay.
	initialInterval time.Duration
}

// NewLLMClient creates an LLM client. BaseURL and Model are required.
func NewLLMClient(cfg LLMConfig, logger *zap.Logger) (*LLMClient, error) {
	if cfg.BaseURL == "" || cfg.Model == "" {
		return nil, errors.New("NewLLMClient: base url and model are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger.Info("llm judge configured",
		zap.String("base_url", cfg.BaseURL),
		zap.String("model", cfg.Model),
		zap.Int("max_retries", cfg.MaxRetries),
	)

	return &LLMClient{
		cfg:             cfg,
		http:            &http.Client{Timeout: cfg.Timeout},
		limiter:         rate.NewLimiter(limit, burst),
		logger:          logger,
		initialInterval: 500 * time.Millisecond,
	}, nil
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Judge sends system and user prompts and parses the {score, reasons} answer.
// Transient failures (transport errors, 429, 5xx, unparseable answers) are
// retried up to MaxRetries times; other 4xx responses are not.
func (c *LLMClient) Judge(ctx context.Context, system, user string) (*Judgement, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal llm request: %v", engine.ErrDetectorUnavailable, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() (*Judgement, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		return c.complete(ctx, body)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("llm request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	j, err := backoff.RetryNotifyWithData(op,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx),
		notify,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: llm judge: %v", engine.ErrDetectorUnavailable, err)
	}
	return j, nil
}

func (c *LLMClient) complete(ctx context.Context, body []byte) (*Judgement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxLLMResponseBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("llm status %d: %s", resp.StatusCode, truncate(string(raw), 200))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("unexpected llm response: %s", truncate(string(raw), 200))
	}
	return parseJudgement(parsed.Choices[0].Message.Content)
}

// parseJudgement decodes the model's answer, tolerating prose or code
// fences around the JSON object.
func parseJudgement(content string) (*Judgement, error) {
	raw := []byte(content)
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no json object in llm answer: %s", truncate(content, 200))
		}
		raw = []byte(content[start : end+1])
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode llm answer: %w", err)
		}
	}
	if err := judgementSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("llm answer does not match judgement schema: %w", err)
	}

	var j Judgement
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode llm answer: %w", err)
	}
	if math.IsNaN(j.Score) || math.IsInf(j.Score, 0) {
		return nil, fmt.Errorf("llm score %v is not a number", j.Score)
	}
	j.Score = clamp01(j.Score)

	reasons := make([]string, 0, len(j.Reasons))
	for _, r := range j.Reasons {
		if r = strings.TrimSpace(r); r != "" {
			reasons = append(reasons, r)
		}
	}
	j.Reasons = reasons
	return &j, nil
}

// judgementSchemaJSON is the reply shape every judge prompt asks for. The
// score range is not enforced here; out-of-range scores are clamped.
const judgementSchemaJSON = `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score": {"type": "number"},
		"reasons": {"type": ["array", "null"], "items": {"type": "string"}}
	}
}`

var judgementSchema = mustCompileSchema("judgement.json", judgementSchemaJSON)

func mustCompileSchema(url, doc string) *jsonschema.Schema {
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		panic(fmt.Sprintf("schema %s: %v", url, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, v); err != nil {
		panic(fmt.Sprintf("schema %s: %v", url, err))
	}
	sch, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", url, err))
	}
	return sch
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
