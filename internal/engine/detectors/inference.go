package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/phishguard/internal/engine"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// The inference sidecar speaks gRPC with JSON-encoded messages
// (content-type application/grpc+json).
const (
	jsonCodecName = "json"

	inferenceService    = "phishguard.inference.v1.InferenceService"
	classifyMethod      = "/" + inferenceService + "/Classify"
	classifyAudioMethod = "/" + inferenceService + "/ClassifyAudio"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ClassifyRequest asks the sidecar to run a text classification model over inputs.
type ClassifyRequest struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`
}

// AudioClip is one audio file sent for classification. Data is base64 on the wire.
type AudioClip struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// ClassifyAudioRequest asks the sidecar to run an audio model over clips.
type ClassifyAudioRequest struct {
	Model string      `json:"model"`
	Clips []AudioClip `json:"clips"`
}

// Prediction is the top label and its confidence for one input.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// ClassifyResponse carries one prediction per input, in input order.
type ClassifyResponse struct {
	Predictions []Prediction `json:"predictions"`
	ModelName   string       `json:"model_name,omitempty"`
	LatencyMs   float64      `json:"latency_ms,omitempty"`
}

// Classifier runs models hosted by the inference sidecar.
type Classifier interface {
	Classify(ctx context.Context, model string, inputs []string) ([]Prediction, error)
	ClassifyAudio(ctx context.Context, model string, clips []AudioClip) ([]Prediction, error)
}

// InferenceClient calls the model-serving sidecar over gRPC.
// One client is shared by all local detectors.
type InferenceClient struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// NewInferenceClient dials the sidecar. endpoint is a gRPC target (e.g. "localhost:50052").
func NewInferenceClient(endpoint string, logger *zap.Logger) (*InferenceClient, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.WaitForReady(true),
			grpc.CallContentSubtype(jsonCodecName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("NewInferenceClient: %w", err)
	}

	logger.Info("inference sidecar configured",
		zap.String("endpoint", endpoint),
	)

	return &InferenceClient{conn: conn, logger: logger}, nil
}

// Classify runs a text model over inputs and returns one prediction per input.
func (c *InferenceClient) Classify(ctx context.Context, model string, inputs []string) ([]Prediction, error) {
	var resp ClassifyResponse
	if err := c.conn.Invoke(ctx, classifyMethod, &ClassifyRequest{Model: model, Inputs: inputs}, &resp); err != nil {
		return nil, classifyRPCError(model, err)
	}
	return checkPredictions(model, &resp, len(inputs))
}

// ClassifyAudio runs an audio model over clips and returns one prediction per clip.
func (c *InferenceClient) ClassifyAudio(ctx context.Context, model string, clips []AudioClip) ([]Prediction, error) {
	var resp ClassifyResponse
	if err := c.conn.Invoke(ctx, classifyAudioMethod, &ClassifyAudioRequest{Model: model, Clips: clips}, &resp); err != nil {
		return nil, classifyRPCError(model, err)
	}
	return checkPredictions(model, &resp, len(clips))
}

func checkPredictions(model string, resp *ClassifyResponse, want int) ([]Prediction, error) {
	if len(resp.Predictions) != want {
		return nil, fmt.Errorf("%w: model %s returned %d predictions for %d inputs",
			engine.ErrDetectorUnavailable, model, len(resp.Predictions), want)
	}
	return resp.Predictions, nil
}

// classifyRPCError maps gRPC status codes onto the engine's error taxonomy.
func classifyRPCError(model string, err error) error {
	if status.Code(err) == codes.InvalidArgument {
		return fmt.Errorf("%w: model %s: %v", engine.ErrInvalidInput, model, err)
	}
	return fmt.Errorf("%w: model %s: %v", engine.ErrDetectorUnavailable, model, err)
}

// Close shuts down the gRPC connection.
func (c *InferenceClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
