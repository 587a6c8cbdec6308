// Package httpapi exposes uploads, the participant roster and the message
// feed over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-scribe/internal/feed"
	"github.com/loqalabs/loqa-scribe/internal/ingest"
	"github.com/loqalabs/loqa-scribe/internal/roster"
)

const DefaultMaxUploadBytes = 10 << 20

type Registry interface {
	List() []roster.Participant
	RegisterWithDevice(name, deviceID string) (roster.Participant, error)
	Delete(name string) error
	UpdateColor(name, color string) error
	UpdateDevice(name, deviceID string) error
}

type Uploader interface {
	Upload(ctx context.Context, up ingest.Upload) (ingest.Result, error)
}

type Messages interface {
	Recent(n int) []feed.Event
	ReadLimit() int
}

// Deps are the collaborators the router serves. Hub, Metrics and Ready are
// optional.
type Deps struct {
	Registry       Registry
	Uploader       Uploader
	Messages       Messages
	Hub            *Hub
	Metrics        http.Handler
	Ready          func() bool
	MaxUploadBytes int64
}

type server struct {
	deps Deps
	log  *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps, log *slog.Logger) http.Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &server{deps: deps, log: log.With(slog.String("component", "httpapi"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Post("/upload", s.handleUpload)

	r.Route("/api", func(r chi.Router) {
		r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"message": "speech recognition service is running"})
		})
		r.Get("/messages", s.handleMessages)
		if deps.Hub != nil {
			r.Get("/messages/stream", deps.Hub.ServeHTTP)
		}
		r.Route("/students", func(r chi.Router) {
			r.Get("/", s.handleListStudents)
			r.Post("/", s.handleAddStudent)
			r.Delete("/{name}", s.handleDeleteStudent)
			r.Put("/{name}/color", s.handleUpdateColor)
			r.Put("/{name}/device", s.handleUpdateDevice)
		})
	})

	return r
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready == nil || s.deps.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type uploadResponse struct {
	Success          bool    `json:"success"`
	Message          string  `json:"message"`
	Student          string  `json:"student"`
	Filename         string  `json:"filename"`
	RecognizedText   *string `json:"recognized_text"`
	DeviceID         string  `json:"device_id"`
	RecognitionError string  `json:"recognition_error,omitempty"`
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("Device-Id")
	if strings.TrimSpace(deviceID) == "" {
		s.writeError(w, ingest.ErrMissingDeviceID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
	up := ingest.Upload{DeviceID: deviceID}
	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		up.Filename = header.Filename
		up.Body = file
	case errors.Is(err, http.ErrMissingFile):
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("upload exceeds size limit"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody("malformed multipart body"))
		return
	}

	res, err := s.deps.Uploader.Upload(r.Context(), up)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := uploadResponse{
		Success:          true,
		Message:          "file uploaded and recognized",
		Student:          res.Participant,
		Filename:         res.Filename,
		RecognizedText:   res.Text,
		DeviceID:         res.DeviceID,
		RecognitionError: res.RecognitionError,
	}
	if res.Text == nil {
		resp.Message = "file uploaded, recognition failed"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.deps.Messages.Recent(s.deps.Messages.ReadLimit())})
}

func (s *server) handleListStudents(w http.ResponseWriter, _ *http.Request) {
	students := s.deps.Registry.List()
	if students == nil {
		students = []roster.Participant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"students": students})
}

func (s *server) handleAddStudent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		DeviceID string `json:"device_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	p, err := s.deps.Registry.RegisterWithDevice(req.Name, deviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("participant added", slog.String("participant", p.Name), slog.String("device_id", p.DeviceID))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "student added",
		"student":      p,
		"device_bound": deviceID != "",
	})
}

func (s *server) handleDeleteStudent(w http.ResponseWriter, r *http.Request) {
	name := pathName(r)
	if err := s.deps.Registry.Delete(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("participant deleted", slog.String("participant", name))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "student deleted"})
}

func (s *server) handleUpdateColor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Color string `json:"color"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Registry.UpdateColor(pathName(r), req.Color); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "color updated"})
}

func (s *server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Registry.UpdateDevice(pathName(r), strings.TrimSpace(req.DeviceID)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "device binding updated"})
}

// pathName returns the decoded {name} segment. chi matches on RawPath when
// the request carries one, otherwise on the already decoded Path.
func pathName(r *http.Request) string {
	name := chi.URLParam(r, "name")
	if r.URL.RawPath == "" {
		return name
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, roster.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case roster.IsValidation(err), errors.Is(err, ingest.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		s.log.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
