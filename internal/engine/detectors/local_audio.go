package detectors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/triage-ai/phishguard/internal/engine"
)

// AudioDetector scores call recordings with an audio deepfake classifier
// and reports the worst clip.
type AudioDetector struct {
	classifier      Classifier
	model           string
	reasonThreshold float64
}

// NewAudioDetector creates a local audio detector backed by model on the sidecar.
func NewAudioDetector(classifier Classifier, model string, reasonThreshold float64) *AudioDetector {
	return &AudioDetector{classifier: classifier, model: model, reasonThreshold: reasonThreshold}
}

func (d *AudioDetector) Name() string {
	return "audio_deepfake"
}

func (d *AudioDetector) Kind() engine.EvidenceKind {
	return engine.KindAudio
}

func (d *AudioDetector) Detect(ctx context.Context, req *engine.DetectRequest) (*engine.DetectResult, error) {
	if len(req.AudioPaths) == 0 {
		return nil, fmt.Errorf("%w: audio detector needs at least one clip", engine.ErrInvalidInput)
	}

	clips := make([]AudioClip, 0, len(req.AudioPaths))
	for _, path := range req.AudioPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return nil, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
			}
			return nil, fmt.Errorf("%w: %v", engine.ErrDetectorUnavailable, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: audio clip %s is empty", engine.ErrInvalidInput, filepath.Base(path))
		}
		clips = append(clips, AudioClip{Name: filepath.Base(path), Data: data})
	}

	preds, err := d.classifier.ClassifyAudio(ctx, d.model, clips)
	if err != nil {
		return nil, err
	}

	var worst float64
	seen := make(map[string]struct{})
	reasons := []string{}
	features := make([]map[string]any, 0, len(clips))

	for i, clip := range clips {
		prob := positiveScore(preds[i], "fake", "spoof", "deepfake")
		if prob > worst {
			worst = prob
		}
		features = append(features, map[string]any{
			"path":          clip.Name,
			"deepfake_prob": prob,
		})
		if prob >= d.reasonThreshold {
			reason := fmt.Sprintf("Audio deepfake model flagged %s (p=%.2f)", clip.Name, prob)
			if _, dup := seen[reason]; !dup {
				seen[reason] = struct{}{}
				reasons = append(reasons, reason)
			}
		}
	}
	sort.Strings(reasons)

	return &engine.DetectResult{
		Score:    worst,
		Reasons:  reasons,
		Features: map[string]any{"model": d.model, "clips": features},
	}, nil
}
