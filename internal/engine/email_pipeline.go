package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/triage-ai/phishguard/internal/metrics"
	"github.com/triage-ai/phishguard/internal/preprocess"
	"go.uber.org/zap"
)

const emailPipelineName = "email"

// EmailDetectors are the adapters an email pipeline consults, in consultation order.
// The remote tier is optional: leave all three remote fields nil to disable it.
type EmailDetectors struct {
	LocalText      Detector
	LocalURL       Detector
	RemoteText     Detector
	RemoteURL      Detector
	RemoteMetadata Detector
}

// EmailConfig holds the email pipeline policy.
type EmailConfig struct {
	EscalationThreshold float64
	Fusion              FusionConfig
	LocalTimeout        time.Duration
	RemoteTimeout       time.Duration
	MaxURLs             int
}

// DefaultEmailConfig returns the default email pipeline policy.
func DefaultEmailConfig() EmailConfig {
	return EmailConfig{
		EscalationThreshold: 0.40,
		Fusion:              EmailFusionConfig(),
		LocalTimeout:        5 * time.Second,
		RemoteTimeout:       30 * time.Second,
		MaxURLs:             10,
	}
}

// EmailPipeline is the two-tier coordinator: local detectors, then the
// remote tier when the local verdict falls below the escalation threshold.
// It holds no per-run state and is safe for concurrent use.
type EmailPipeline struct {
	det     EmailDetectors
	remote  bool
	cfg     EmailConfig
	local   *fanOut
	remoteF *fanOut
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewEmailPipeline validates the detector set and builds the coordinator.
func NewEmailPipeline(det EmailDetectors, cfg EmailConfig, logger *zap.Logger, m *metrics.Metrics) (*EmailPipeline, error) {
	if det.LocalText == nil || det.LocalURL == nil {
		return nil, errors.New("NewEmailPipeline: local text and url detectors are required")
	}
	set := 0
	for _, d := range []Detector{det.RemoteText, det.RemoteURL, det.RemoteMetadata} {
		if d != nil {
			set++
		}
	}
	if set != 0 && set != 3 {
		return nil, errors.New("NewEmailPipeline: remote tier needs text, url and metadata detectors")
	}
	if cfg.MaxURLs <= 0 {
		return nil, fmt.Errorf("NewEmailPipeline: max urls must be positive, got %d", cfg.MaxURLs)
	}
	if cfg.LocalTimeout <= 0 || cfg.RemoteTimeout <= 0 {
		return nil, fmt.Errorf("NewEmailPipeline: tier timeouts must be positive, got local %s remote %s",
			cfg.LocalTimeout, cfg.RemoteTimeout)
	}
	if err := uniqueNames(det.LocalText, det.LocalURL, det.RemoteText, det.RemoteURL, det.RemoteMetadata); err != nil {
		return nil, fmt.Errorf("NewEmailPipeline: %w", err)
	}

	return &EmailPipeline{
		det:    det,
		remote: set == 3,
		cfg:    cfg,
		local: &fanOut{
			pipeline: emailPipelineName, tier: TierLocal,
			timeout: cfg.LocalTimeout, logger: logger, metrics: m,
		},
		remoteF: &fanOut{
			pipeline: emailPipelineName, tier: TierRemote,
			timeout: cfg.RemoteTimeout, logger: logger, metrics: m,
		},
		logger:  logger,
		metrics: m,
	}, nil
}

// RemoteEnabled reports whether the pipeline can escalate.
func (p *EmailPipeline) RemoteEnabled() bool {
	return p.remote
}

// emailRun is the state accumulated over one run. It is owned by a single
// Analyze call and never shared.
type emailRun struct {
	req *EmailRequest

	text string
	urls []string

	local        []*DetectorResult
	remote       []*DetectorResult
	localVerdict *Verdict
	verdict      *Verdict
}

// Analyze screens one email and returns its final verdict. Any detector
// failure aborts the run with a *PipelineError; no default score is substituted.
func (p *EmailPipeline) Analyze(ctx context.Context, req *EmailRequest) (*Verdict, error) {
	start := time.Now()
	run := &emailRun{req: req}

	state := StateStart
	for state != StateDone {
		next, err := p.step(ctx, state, run)
		if err != nil {
			p.metrics.ObserveRun(emailPipelineName, "", err)
			return nil, &PipelineError{Pipeline: emailPipelineName, State: state, Err: err}
		}
		p.logger.Debug("pipeline transition",
			zap.String("pipeline", emailPipelineName),
			zap.String("message_id", req.MessageID),
			zap.Stringer("from", state),
			zap.Stringer("to", next),
		)
		state = next
	}

	p.metrics.ObserveRun(emailPipelineName, string(run.verdict.Label), nil)
	p.logger.Info("email screened",
		zap.String("message_id", req.MessageID),
		zap.String("label", string(run.verdict.Label)),
		zap.Float64("probability", run.verdict.Probability),
		zap.Bool("escalated", run.remote != nil),
		zap.Int("detectors", len(run.verdict.DetectorResults)),
		zap.Duration("duration", time.Since(start)),
	)
	return run.verdict, nil
}

func (p *EmailPipeline) step(ctx context.Context, state State, run *emailRun) (State, error) {
	switch state {
	case StateStart:
		run.text = preprocess.ExtractText(run.req.BodyHTML, run.req.BodyText)
		run.urls = p.capURLs(preprocess.ExtractURLs(run.req.BodyHTML, run.req.BodyText))
		if run.req.Subject == "" && run.text == "" && len(run.urls) == 0 {
			run.verdict = floorVerdict(p.cfg.Fusion, FloorReason)
			return StateFinalize, nil
		}
		return StateLocalFanOut, nil

	case StateLocalFanOut:
		results, err := p.local.run(ctx, p.localCalls(run))
		if err != nil {
			return state, err
		}
		run.local = results
		return StateLocalFuse, nil

	case StateLocalFuse:
		run.localVerdict = Fuse(run.local, p.cfg.Fusion)
		return StateEscalation, nil

	case StateEscalation:
		if !p.remote || !ShouldEscalate(run.localVerdict, p.cfg.EscalationThreshold) {
			run.verdict = run.localVerdict
			return StateFinalize, nil
		}
		p.metrics.ObserveEscalation(emailPipelineName)
		p.logger.Warn("escalating to remote tier",
			zap.String("message_id", run.req.MessageID),
			zap.Float64("local_probability", run.localVerdict.Probability),
			zap.Float64("threshold", p.cfg.EscalationThreshold),
		)
		return StateRemoteFanOut, nil

	case StateRemoteFanOut:
		results, err := p.remoteF.run(ctx, p.remoteCalls(run))
		if err != nil {
			return state, err
		}
		run.remote = results
		return StateRemoteFuse, nil

	case StateRemoteFuse:
		all := make([]*DetectorResult, 0, len(run.local)+len(run.remote))
		all = append(all, run.local...)
		all = append(all, run.remote...)
		run.verdict = Fuse(all, p.cfg.Fusion)
		return StateFinalize, nil

	case StateFinalize:
		if run.verdict == nil {
			return state, ErrPipelineIntegrity
		}
		return StateDone, nil

	default:
		return state, fmt.Errorf("%w: unknown state %d", ErrPipelineIntegrity, state)
	}
}

// localCalls lists the local invocations in consultation order: text, then URL.
// A slot with no input is skipped rather than invoked.
func (p *EmailPipeline) localCalls(run *emailRun) []invocation {
	var calls []invocation
	if run.req.Subject != "" || run.text != "" {
		calls = append(calls, invocation{p.det.LocalText, p.textRequest(run)})
	}
	if len(run.urls) > 0 {
		calls = append(calls, invocation{p.det.LocalURL, &DetectRequest{URLs: run.urls}})
	}
	return calls
}

// remoteCalls lists the remote invocations in consultation order: text, URL, metadata.
func (p *EmailPipeline) remoteCalls(run *emailRun) []invocation {
	var calls []invocation
	if run.req.Subject != "" || run.text != "" {
		calls = append(calls, invocation{p.det.RemoteText, p.textRequest(run)})
	}
	if len(run.urls) > 0 {
		calls = append(calls, invocation{p.det.RemoteURL, &DetectRequest{URLs: run.urls}})
	}
	calls = append(calls, invocation{p.det.RemoteMetadata, &DetectRequest{
		HeadersRaw: run.req.HeadersRaw,
		MessageID:  run.req.MessageID,
	}})
	return calls
}

func (p *EmailPipeline) textRequest(run *emailRun) *DetectRequest {
	return &DetectRequest{Subject: run.req.Subject, BodyText: run.text}
}

// capURLs sorts the URL set so the same message always consults the same URLs.
func (p *EmailPipeline) capURLs(urls []string) []string {
	sort.Strings(urls)
	if len(urls) > p.cfg.MaxURLs {
		urls = urls[:p.cfg.MaxURLs]
	}
	return urls
}

// uniqueNames rejects detector sets where two detectors share a Name, since
// detector ids identify results within a verdict. Nil detectors are ignored.
func uniqueNames(dets ...Detector) error {
	seen := make(map[string]bool, len(dets))
	for _, d := range dets {
		if d == nil {
			continue
		}
		if seen[d.Name()] {
			return fmt.Errorf("duplicate detector name %q", d.Name())
		}
		seen[d.Name()] = true
	}
	return nil
}
