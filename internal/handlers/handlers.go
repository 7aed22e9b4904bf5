package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agri-vision/leafscan-api/internal/intake"
	"github.com/agri-vision/leafscan-api/internal/metrics"
	"github.com/agri-vision/leafscan-api/internal/model"
)

type Classifier interface {
	ClassifyFile(path string) (*model.ClassificationResult, error)
}

type Options struct {
	ServiceName    string
	PublicBaseURL  string
	MaxUploadBytes int64
}

type Handler struct {
	store      *intake.Store
	classifier Classifier
	opts       Options
	logger     *slog.Logger
}

func NewHandler(store *intake.Store, classifier Classifier, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		store:      store,
		classifier: classifier,
		opts:       opts,
		logger:     logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v before touching the response so an unencodable value
// turns into a 500 instead of an empty success.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		buf.Reset()
		json.NewEncoder(&buf).Encode(errorResponse{Error: err.Error()})
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"service": h.opts.ServiceName, "ok": true})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) PredictOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r.Context(), h.logger)
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)

	mr, err := r.MultipartReader()
	if err != nil {
		h.reject(w, log, http.StatusBadRequest, "missing_file", intake.ErrMissingFile.Error())
		return
	}

	part, filename, err := filePart(mr)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			h.reject(w, log, http.StatusRequestEntityTooLarge, "too_large", "File too large")
		case errors.Is(err, intake.ErrMissingFile):
			h.reject(w, log, http.StatusBadRequest, "missing_file", err.Error())
		default:
			h.reject(w, log, http.StatusBadRequest, "bad_form", "Invalid multipart form")
		}
		return
	}
	defer part.Close()

	log.Debug("received upload", "filename", filename)

	img, err := h.store.Save(filename, part)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, intake.ErrEmptyFilename):
			h.reject(w, log, http.StatusBadRequest, "empty_filename", err.Error())
		case errors.Is(err, intake.ErrUnsupportedType):
			h.reject(w, log, http.StatusBadRequest, "unsupported_type", err.Error())
		case errors.As(err, &tooLarge):
			h.reject(w, log, http.StatusRequestEntityTooLarge, "too_large", "File too large")
		default:
			log.Error("failed to store upload", "error", err)
			metrics.RejectedTotal.WithLabelValues("storage").Inc()
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	start := time.Now()
	result, err := h.classifier.ClassifyFile(img.Path)
	metrics.InferenceSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("prediction failed", "image", img.Name, "error", err)
		metrics.RejectedTotal.WithLabelValues("inference").Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.PredictionsTotal.WithLabelValues(result.Label).Inc()
	log.Info("prediction", "image", img.Name, "result", result.Label,
		"confidence", result.Confidence, "elapsed", time.Since(start))

	writeJSON(w, http.StatusOK, model.PredictionResponse{
		ClassificationResult: *result,
		ImageURL:             h.imageURL(r, img.Name),
	})
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	f, info, err := h.store.Open(r.PathValue("filename"))
	if err != nil {
		if errors.Is(err, intake.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		requestLogger(r.Context(), h.logger).Error("failed to open upload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer f.Close()

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// filePart advances to the first part named "file" that carries a filename
// parameter, possibly empty. Plain form values named "file" are skipped.
func filePart(mr *multipart.Reader) (*multipart.Part, string, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", intake.ErrMissingFile
		}
		if err != nil {
			return nil, "", err
		}
		if part.FormName() != "file" {
			continue
		}
		_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if err != nil {
			continue
		}
		if _, ok := params["filename"]; ok {
			return part, part.FileName(), nil
		}
	}
}

// reject answers a client-caused failure.
func (h *Handler) reject(w http.ResponseWriter, log *slog.Logger, status int, reason, msg string) {
	log.Warn("rejected upload", "reason", reason, "status", status)
	metrics.RejectedTotal.WithLabelValues(reason).Inc()
	writeError(w, status, msg)
}

func (h *Handler) imageURL(r *http.Request, name string) string {
	base := h.opts.PublicBaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
		}
		base = scheme + "://" + r.Host
	}
	return base + "/uploads/" + url.PathEscape(name)
}
