package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/phishguard/internal/metrics"
	"go.uber.org/zap"
)

const callPipelineName = "call"

// NoAudioReason is the floor reason for a call with no audio to score.
const NoAudioReason = "No audio provided"

// CallConfig holds the call pipeline policy. Calls have no remote tier.
type CallConfig struct {
	Fusion        FusionConfig
	Timeout       time.Duration
	MaxAudioClips int
}

// DefaultCallConfig returns the default call pipeline policy.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		Fusion:        CallFusionConfig(),
		Timeout:       30 * time.Second,
		MaxAudioClips: 5,
	}
}

// CallPipeline is the single-tier coordinator for phone-call audio.
type CallPipeline struct {
	audio   Detector
	cfg     CallConfig
	local   *fanOut
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCallPipeline builds the call coordinator around one audio detector.
func NewCallPipeline(audio Detector, cfg CallConfig, logger *zap.Logger, m *metrics.Metrics) (*CallPipeline, error) {
	if audio == nil {
		return nil, errors.New("NewCallPipeline: audio detector is required")
	}
	if cfg.MaxAudioClips <= 0 {
		return nil, fmt.Errorf("NewCallPipeline: max audio clips must be positive, got %d", cfg.MaxAudioClips)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("NewCallPipeline: timeout must be positive, got %s", cfg.Timeout)
	}
	return &CallPipeline{
		audio: audio,
		cfg:   cfg,
		local: &fanOut{
			pipeline: callPipelineName, tier: TierLocal,
			timeout: cfg.Timeout, logger: logger, metrics: m,
		},
		logger:  logger,
		metrics: m,
	}, nil
}

type callRun struct {
	req     *CallRequest
	paths   []string
	results []*DetectorResult
	verdict *Verdict
}

// Analyze screens one call: start → audio detector → fuse → finalize.
func (p *CallPipeline) Analyze(ctx context.Context, req *CallRequest) (*Verdict, error) {
	start := time.Now()
	run := &callRun{req: req}

	state := StateStart
	for state != StateDone {
		next, err := p.step(ctx, state, run)
		if err != nil {
			p.metrics.ObserveRun(callPipelineName, "", err)
			return nil, &PipelineError{Pipeline: callPipelineName, State: state, Err: err}
		}
		p.logger.Debug("pipeline transition",
			zap.String("pipeline", callPipelineName),
			zap.String("call_id", req.CallID),
			zap.Stringer("from", state),
			zap.Stringer("to", next),
		)
		state = next
	}

	p.metrics.ObserveRun(callPipelineName, string(run.verdict.Label), nil)
	p.logger.Info("call screened",
		zap.String("call_id", req.CallID),
		zap.String("label", string(run.verdict.Label)),
		zap.Float64("probability", run.verdict.Probability),
		zap.Int("clips", len(run.paths)),
		zap.Duration("duration", time.Since(start)),
	)
	return run.verdict, nil
}

func (p *CallPipeline) step(ctx context.Context, state State, run *callRun) (State, error) {
	switch state {
	case StateStart:
		for _, path := range run.req.AudioPaths {
			if strings.TrimSpace(path) != "" {
				run.paths = append(run.paths, path)
			}
		}
		if len(run.paths) > p.cfg.MaxAudioClips {
			run.paths = run.paths[:p.cfg.MaxAudioClips]
		}
		if len(run.paths) == 0 {
			run.verdict = floorVerdict(p.cfg.Fusion, NoAudioReason)
			return StateFinalize, nil
		}
		return StateLocalFanOut, nil

	case StateLocalFanOut:
		results, err := p.local.run(ctx, []invocation{
			{p.audio, &DetectRequest{AudioPaths: run.paths}},
		})
		if err != nil {
			return state, err
		}
		run.results = results
		return StateLocalFuse, nil

	case StateLocalFuse:
		run.verdict = Fuse(run.results, p.cfg.Fusion)
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
