// Package api serves the REST surface: service status, PDF downloads,
// whole-file transcription and archived session history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/document"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const statusMessage = "Loqa Scribe transcription API is running"

// FileTranscriber recognizes a complete uploaded recording.
type FileTranscriber interface {
	TranscribeFile(ctx context.Context, name string, r io.Reader) (stt.Result, error)
}

// History reads archived sessions and their chunks.
type History interface {
	Ephemeral() bool
	GetSession(ctx context.Context, sessionID string) (eventstore.Session, error)
	ListChunks(ctx context.Context, sessionID string, limit int) ([]eventstore.Chunk, error)
}

type Handler struct {
	store          *transcript.Store
	stt            FileTranscriber
	renderer       document.Renderer
	history        History
	allowedOrigins []string
	maxUpload      int64
	logger         *slog.Logger
	clock          func() time.Time
	rendered       metric.Int64Counter
}

func New(cfg config.Config, store *transcript.Store, transcriber FileTranscriber, renderer document.Renderer, history History, logger *slog.Logger) *Handler {
	h := &Handler{
		store:          store,
		stt:            transcriber,
		renderer:       renderer,
		history:        history,
		allowedOrigins: cfg.HTTP.AllowedOrigins,
		maxUpload:      int64(cfg.HTTP.MaxUploadMB) << 20,
		logger:         logger.With(slog.String("component", "api")),
		clock:          time.Now,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/api")
	counter, err := meter.Int64Counter("scribe.documents.rendered",
		metric.WithDescription("PDF documents rendered for download"))
	if err != nil {
		h.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	h.rendered = counter
	return h
}

// Handler returns the routed API wrapped with CORS handling.
func (h *Handler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleStatus)
	mux.HandleFunc("GET /download", h.handleDownload)
	mux.HandleFunc("POST /generate-pdf", h.handleGeneratePDF)
	mux.HandleFunc("POST /transcribe", h.handleTranscribe)
	mux.HandleFunc("GET /history/{id}", h.handleHistory)
	return h.cors(mux)
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := h.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowOrigin(origin string) string {
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

type statusResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Sessions int    `json:"sessions"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:   "ok",
		Message:  statusMessage,
		Sessions: h.store.Len(),
	})
}

// handleDownload renders the requested session, or the longest live
// transcript when no session is named.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	var text string
	if id := strings.TrimSpace(r.URL.Query().Get("session")); id != "" {
		t, ok := h.store.Text(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("session %q not found", id))
			return
		}
		text = t
	} else {
		text, _ = h.store.LongestText()
	}
	h.writeDocument(w, r, "download", text)
}

type generateRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleGeneratePDF(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	h.writeDocument(w, r, "generate", req.Text)
}

func (h *Handler) writeDocument(w http.ResponseWriter, r *http.Request, source, text string) {
	doc, err := h.renderer.Render(text)
	if err != nil {
		h.logger.Error("document render failed", slog.String("source", source), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to render document")
		return
	}
	if h.rendered != nil {
		h.rendered.Add(r.Context(), 1, metric.WithAttributes(attribute.String("source", source)))
	}
	w.Header().Set("Content-Type", h.renderer.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", document.Filename(h.clock())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

type transcribeResponse struct {
	Language            string             `json:"language"`
	LanguageProbability float64            `json:"language_probability"`
	Duration            float64            `json:"duration"`
	Segments            []protocol.Segment `json:"segments"`
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	result, err := h.stt.TranscribeFile(r.Context(), header.Filename, file)
	if err != nil {
		if errors.Is(err, stt.ErrEmptyAudio) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("file transcription failed",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	segments := result.Segments
	if segments == nil {
		segments = []protocol.Segment{}
	}
	writeJSON(w, http.StatusOK, transcribeResponse{
		Language:            result.Language,
		LanguageProbability: result.LanguageProbability,
		Duration:            result.Duration,
		Segments:            segments,
	})
}

type historyResponse struct {
	Session *eventstore.Session `json:"session"`
	Chunks  []eventstore.Chunk  `json:"chunks"`
}

// handleHistory returns the archived summary and chunks of a session. An
// ephemeral archive answers with an empty history for any id.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	resp := historyResponse{Chunks: []eventstore.Chunk{}}
	if h.history == nil || h.history.Ephemeral() {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sess, err := h.history.GetSession(r.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %q not archived", id))
		return
	}
	if err != nil {
		h.logger.Error("history lookup failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	resp.Session = &sess

	chunks, err := h.history.ListChunks(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("history lookup failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if chunks != nil {
		resp.Chunks = chunks
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
