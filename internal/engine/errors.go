package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrDetectorUnavailable covers transport and model errors and timeouts.
	ErrDetectorUnavailable = errors.New("detector unavailable")
	// ErrInvalidInput marks a malformed request reaching a stage.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPipelineIntegrity means a run reached Finalize without a verdict. Always fatal.
	ErrPipelineIntegrity = errors.New("pipeline integrity error")
)

// DetectorError identifies the detector behind a failed invocation.
type DetectorError struct {
	Detector string
	Tier     Tier
	Err      error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("%s detector %q: %v", e.Tier, e.Detector, e.Err)
}

func (e *DetectorError) Unwrap() error {
	return e.Err
}

// classifyDetectorError wraps err so that errors.Is reports exactly one of
// ErrInvalidInput or ErrDetectorUnavailable.
func classifyDetectorError(name string, tier Tier, err error) *DetectorError {
	if !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrDetectorUnavailable) {
		err = fmt.Errorf("%w: %w", ErrDetectorUnavailable, err)
	}
	return &DetectorError{Detector: name, Tier: tier, Err: err}
}

// PipelineError is the single aggregate failure a run surfaces to its caller.
type PipelineError struct {
	Pipeline string
	State    State
	Err      error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s pipeline failed in %s: %v", e.Pipeline, e.State, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
