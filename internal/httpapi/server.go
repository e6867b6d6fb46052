package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/timelinelabs/timeline-anchor/internal/pipeline"
)

// Server exposes the anchor generation endpoints.
type Server struct {
	runner *pipeline.Runner
	apiKey string
	format string
	log    *slog.Logger
}

func New(runner *pipeline.Runner, apiKey, format string, log *slog.Logger) *Server {
	return &Server{
		runner: runner,
		apiKey: apiKey,
		format: format,
		log:    log.With(slog.String("component", "httpapi")),
	}
}

// Register attaches the delivery routes to the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /generate-anchor", s.cors(s.handleGenerate))
	mux.HandleFunc("POST /generate-anchor-stream", s.cors(s.handleGenerateStream))
	mux.HandleFunc("OPTIONS /generate-anchor", s.handlePreflight)
	mux.HandleFunc("OPTIONS /generate-anchor-stream", s.handlePreflight)
}

// cors marks responses usable by browser clients from any origin. Preflight
// requests are answered separately and carry no auth.
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Expose-Headers", "X-Task-ID, Content-Disposition")
		next(w, r)
	}
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	w.WriteHeader(http.StatusNoContent)
}

func contentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/opus"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

// authorized checks the shared-secret header. An unset secret rejects every
// request. Rejection happens before any pipeline work.
func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return false
	}
	provided := r.Header.Get("X-API-Key")
	return subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) == 1
}

func (s *Server) writeError(w http.ResponseWriter, runID string, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Task-ID", runID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) audioHeaders(w http.ResponseWriter, runID string) {
	w.Header().Set("Content-Type", contentType(s.format))
	w.Header().Set("Content-Disposition", "inline; filename=news_anchor."+s.format)
	w.Header().Set("X-Task-ID", runID)
}

// handleGenerate runs the pipeline to completion and returns the full audio
// body.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	runID := pipeline.NewRunID()
	log := s.log.With(slog.String("run_id", runID))

	if !s.authorized(r) {
		http.Error(w, "Invalid or missing API key", http.StatusUnauthorized)
		return
	}

	voice := r.URL.Query().Get("voice")
	log.Info("starting anchor generation")
	audio, err := s.runner.RunComplete(r.Context(), runID, voice)
	if err != nil {
		s.writeError(w, runID, http.StatusInternalServerError, err)
		return
	}

	s.audioHeaders(w, runID)
	if _, err := w.Write(audio); err != nil {
		log.Warn("failed to write audio body", slog.String("error", err.Error()))
	}
	log.Info("anchor generation complete", slog.Int("bytes", len(audio)))
}

// handleGenerateStream relays audio chunks onto the response body as the
// worker produces them. Failures before the first chunk become a structured
// error response; after that the only recourse is closing the connection.
func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	runID := pipeline.NewRunID()
	log := s.log.With(slog.String("run_id", runID))

	if !s.authorized(r) {
		http.Error(w, "Invalid or missing API key", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	voice := r.URL.Query().Get("voice")
	log.Info("starting streaming anchor generation")
	stream := s.runner.Run(r.Context(), runID, voice)
	defer func() {
		if err := stream.Close(); err != nil {
			log.Error("pipeline worker failed to join", slog.String("error", err.Error()))
		}
	}()

	chunks := stream.Chunks()
	errs := stream.Errs()
	wroteHeader := false
	total := 0

	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if !wroteHeader {
				s.audioHeaders(w, runID)
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("X-Accel-Buffering", "no")
				wroteHeader = true
			}
			if _, err := w.Write(chunk); err != nil {
				log.Warn("client write failed, aborting stream", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
			total += len(chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				if !wroteHeader {
					s.writeError(w, runID, http.StatusInternalServerError, err)
					return
				}
				// Bytes already sent cannot be retracted; end the stream early.
				log.Warn("stream aborted mid-flight", slog.String("error", err.Error()))
				return
			}
			errs = nil
		case <-r.Context().Done():
			log.Info("client disconnected", slog.Int("bytes_sent", total))
			return
		}
	}

	log.Info("streaming anchor generation complete", slog.Int("bytes", total))
}
