package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/triage-ai/phishguard/internal/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// invocation pairs a detector with the request it runs against.
type invocation struct {
	detector Detector
	req      *DetectRequest
}

// fanOut runs the invocations of one tier in parallel under a shared deadline.
type fanOut struct {
	pipeline string
	tier     Tier
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// detectorOutput holds a single detector's result alongside its slot index.
type detectorOutput struct {
	index    int
	result   *DetectResult
	err      error
	duration time.Duration
}

// run invokes every detector in calls and returns their results in the order
// of calls, regardless of completion order. Any failure fails the whole tier:
// the returned error combines every detector failure and no results are returned.
//
// Each goroutine sends its output through a buffered channel tagged with its
// slot index, so the collector is the only writer of the result slice. When
// the deadline fires, uncollected detectors are reported as unavailable;
// late goroutines still send into the buffered channel and are never read.
func (f *fanOut) run(ctx context.Context, calls []invocation) ([]*DetectorResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ch := make(chan detectorOutput, len(calls))

	for i, call := range calls {
		go func(i int, c invocation) {
			start := time.Now()
			result, err := c.detector.Detect(ctx, c.req)
			ch <- detectorOutput{
				index:    i,
				result:   result,
				err:      err,
				duration: time.Since(start),
			}
		}(i, call)
	}

	collected := make([]*detectorOutput, len(calls))
	remaining := len(calls)
	for remaining > 0 {
		select {
		case out := <-ch:
			collected[out.index] = &out
			remaining--
		case <-ctx.Done():
			f.logger.Warn("detector timeout exceeded",
				zap.String("pipeline", f.pipeline),
				zap.Stringer("tier", f.tier),
				zap.Duration("timeout", f.timeout),
				zap.Int("pending", remaining),
			)
			remaining = 0
		}
	}

	results := make([]*DetectorResult, len(calls))
	var errs error
	for i, out := range collected {
		name := calls[i].detector.Name()

		var (
			result *DetectorResult
			err    error
		)
		duration := f.timeout
		if out == nil {
			err = classifyDetectorError(name, f.tier, fmt.Errorf("no result before deadline: %w", ctx.Err()))
		} else {
			duration = out.duration
			result, err = f.toResult(name, out)
		}

		if err != nil {
			kind := failureKind(err)
			f.metrics.ObserveDetector(name, f.tier.String(), duration, kind)
			f.logger.Warn("detector failed",
				zap.String("pipeline", f.pipeline),
				zap.String("detector", name),
				zap.Stringer("tier", f.tier),
				zap.String("kind", kind),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
			continue
		}

		f.metrics.ObserveDetector(name, f.tier.String(), duration, "")
		results[i] = result
	}

	if errs != nil {
		return nil, errs
	}
	return results, nil
}

// toResult validates a detector output and stamps it with identity and tier.
func (f *fanOut) toResult(name string, out *detectorOutput) (*DetectorResult, error) {
	if out.err != nil {
		return nil, classifyDetectorError(name, f.tier, out.err)
	}
	if out.result == nil {
		return nil, classifyDetectorError(name, f.tier, errors.New("detector returned no result"))
	}
	score := out.result.Score
	if math.IsNaN(score) || score < 0 || score > 1 {
		return nil, classifyDetectorError(name, f.tier, fmt.Errorf("score %v outside [0,1]", score))
	}
	return &DetectorResult{
		DetectorID: name,
		Tier:       f.tier,
		Score:      score,
		Reasons:    slices.Clone(out.result.Reasons),
		Features:   out.result.Features,
	}, nil
}

func failureKind(err error) string {
	if errors.Is(err, ErrInvalidInput) {
		return "invalid_input"
	}
	return "unavailable"
}
