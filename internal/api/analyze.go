package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/triage-ai/phishguard/internal/engine"
	"github.com/triage-ai/phishguard/internal/preprocess"
	"github.com/triage-ai/phishguard/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultMaxUploadBytes = 50 << 20
	// multipartMemory is how much of an upload is buffered in memory before
	// spilling to disk.
	multipartMemory = 8 << 20
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// handleAnalyzeEmail implements POST /email/analyze.
func (d *Dependencies) handleAnalyzeEmail(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r.Body = http.MaxBytesReader(w, r.Body, d.maxUploadBytes())

	var req AnalyzeEmailRequest
	if err := readJSON(r, &req); err != nil {
		writeBodyError(w, err, "Invalid JSON body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: validationDetail(err)})
		return
	}

	verdict, err := d.Email.Analyze(r.Context(), req.toEngine())
	if err != nil {
		d.writeAnalyzeError(w, r, "email", err)
		return
	}

	content := req.Subject + "\n" + preprocess.ExtractText(req.BodyHTML, req.BodyText)
	event := storage.NewScreeningEvent(requestIDFromContext(r.Context()), "email", req.MessageID,
		verdict, content, time.Since(start))
	if req.ReceivedAt != "" {
		event.Metadata["received_at"] = req.ReceivedAt
	}
	d.writeEvent(r, event)

	writeJSON(w, http.StatusOK, newVerdictResp(verdict))
}

// handleAnalyzeAudio implements POST /phone/analyze-audio.
//
// Form fields:
//   - files: audio clips (repeated)
//   - callId: optional call identifier
//   - metadata: optional JSON CallMetadataReq
//   - transcripts: optional transcript segments (repeated)
func (d *Dependencies) handleAnalyzeAudio(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r.Body = http.MaxBytesReader(w, r.Body, d.maxUploadBytes())

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeBodyError(w, err, "Invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := &engine.CallRequest{
		CallID:      r.FormValue("callId"),
		Transcripts: r.MultipartForm.Value["transcripts"],
	}
	if raw := r.FormValue("metadata"); raw != "" {
		var meta CallMetadataReq
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "metadata must be a JSON object"})
			return
		}
		if err := validate.Struct(&meta); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: validationDetail(err)})
			return
		}
		req.Metadata = &engine.CallMetadata{
			Caller:          meta.Caller,
			Callee:          meta.Callee,
			StartedAt:       meta.StartedAt,
			DurationSeconds: meta.DurationSeconds,
		}
	}

	dir, err := os.MkdirTemp(d.TempDir, "phishguard-call-*")
	if err != nil {
		d.Logger.Error("failed to create upload dir", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Error analyzing audio"})
		return
	}
	defer func() { _ = os.RemoveAll(dir) }()

	req.AudioPaths, err = saveUploads(dir, r.MultipartForm.File["files"])
	if err != nil {
		d.Logger.Error("failed to store uploaded audio", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Error analyzing audio"})
		return
	}

	verdict, err := d.Call.Analyze(r.Context(), req)
	if err != nil {
		d.writeAnalyzeError(w, r, "call", err)
		return
	}

	names := make([]string, 0, len(req.AudioPaths))
	for _, p := range req.AudioPaths {
		names = append(names, filepath.Base(p))
	}
	event := storage.NewScreeningEvent(requestIDFromContext(r.Context()), "call", req.CallID,
		verdict, strings.Join(names, "\n"), time.Since(start))
	if m := req.Metadata; m != nil {
		event.Metadata["caller"] = m.Caller
		event.Metadata["callee"] = m.Callee
		event.Metadata["started_at"] = m.StartedAt
		event.Metadata["duration_seconds"] = strconv.FormatFloat(m.DurationSeconds, 'f', -1, 64)
	}
	if len(req.Transcripts) > 0 {
		event.Metadata["transcript"] = storage.TruncateContent(strings.Join(req.Transcripts, "\n"), storage.ContentPreviewLength)
	}
	d.writeEvent(r, event)

	writeJSON(w, http.StatusOK, newVerdictResp(verdict))
}

// saveUploads copies each uploaded clip into its own subdirectory of dir,
// keeping the client's base file name, and returns the paths in upload order.
func saveUploads(dir string, files []*multipart.FileHeader) ([]string, error) {
	paths := make([]string, 0, len(files))
	for i, fh := range files {
		slot := filepath.Join(dir, strconv.Itoa(i))
		if err := os.Mkdir(slot, 0o700); err != nil {
			return nil, err
		}
		path := filepath.Join(slot, uploadName(fh.Filename))
		if err := copyUpload(fh, path); err != nil {
			return nil, fmt.Errorf("upload %d: %w", i, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func uploadName(name string) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == "" {
		return "clip"
	}
	return base
}

func copyUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// writeEvent stamps the caller's client id and hands the event to the
// writer. Write never blocks.
func (d *Dependencies) writeEvent(r *http.Request, event *storage.ScreeningEvent) {
	if d.Writer == nil {
		return
	}
	if c := clientFromContext(r.Context()); c != nil {
		event.ClientID = c.ClientID
	}
	d.Writer.Write(event)
}

// writeAnalyzeError maps a pipeline failure to a status: bad input is the
// caller's fault, everything else is ours.
func (d *Dependencies) writeAnalyzeError(w http.ResponseWriter, r *http.Request, pipeline string, err error) {
	if errors.Is(err, engine.ErrInvalidInput) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	d.Logger.Error("pipeline failed",
		zap.String("request_id", requestIDFromContext(r.Context())),
		zap.String("pipeline", pipeline),
		zap.Error(err),
	)
	detail := "Error analyzing email"
	if pipeline == "call" {
		detail = "Error analyzing audio"
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: detail})
}

func writeBodyError(w http.ResponseWriter, err error, detail string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResp{
			Detail: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: detail})
}

// validationDetail renders validator errors as "field: rule" pairs.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func (d *Dependencies) maxUploadBytes() int64 {
	if d.MaxUploadBytes > 0 {
		return d.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}
