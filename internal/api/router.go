// Package api serves the screening pipelines over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/triage-ai/phishguard/internal/auth"
	"github.com/triage-ai/phishguard/internal/engine"
	"github.com/triage-ai/phishguard/internal/storage"
	"go.uber.org/zap"
)

// EmailAnalyzer screens one email. *engine.EmailPipeline implements it.
type EmailAnalyzer interface {
	Analyze(ctx context.Context, req *engine.EmailRequest) (*engine.Verdict, error)
}

// CallAnalyzer screens one phone call. *engine.CallPipeline implements it.
type CallAnalyzer interface {
	Analyze(ctx context.Context, req *engine.CallRequest) (*engine.Verdict, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Email  EmailAnalyzer
	Call   CallAnalyzer
	Writer storage.EventWriter
	// Auth guards the analyze endpoints. Nil disables authentication.
	Auth    auth.Authenticator
	Metrics http.Handler // nil hides /metrics
	Logger  *zap.Logger

	// MaxUploadBytes caps request bodies, including multipart audio uploads.
	MaxUploadBytes int64
	// TempDir holds uploaded audio for the duration of a call run. Empty uses os.TempDir.
	TempDir string
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Screening endpoints (auth required when configured)
	mux.HandleFunc("POST /email/analyze", deps.authMiddleware(deps.handleAnalyzeEmail))
	mux.HandleFunc("POST /phone/analyze-audio", deps.authMiddleware(deps.handleAnalyzeAudio))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResp{OK: true})
	})
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	return corsMiddleware(requestID(requestLogging(mux, deps.Logger)))
}
