package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"docvault/internal/util"
	"docvault/pkg/domain"
	"docvault/services/upload/internal/app"
)

const ownerIDHeader = "X-Owner-Id"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	MaxUploadBytes int64
}

// Server exposes the pipeline operations over HTTP. Authentication and
// request validation live in the upstream gateway; it forwards the validated
// principal in the X-Owner-Id header.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestLog("upload", s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/uploads", s.withOwner(s.handleUploads))
	s.mux.Handle("/uploads/", s.withOwner(s.handleUploadByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ownerHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withOwner(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID := strings.TrimSpace(r.Header.Get(ownerIDHeader))
		if ownerID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, ownerID)
	})
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request, ownerID string) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitNew(w, r, ownerID)
	case http.MethodGet:
		s.handleList(w, r, ownerID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmitNew(w http.ResponseWriter, r *http.Request, ownerID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "at least one file required")
		return
	}
	files := make([]domain.FileUpload, 0, len(headers))
	for _, header := range headers {
		file, err := readUpload(header)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable file: "+header.Filename)
			return
		}
		files = append(files, file)
	}
	if err := s.app.SubmitNew(r.Context(), ownerID, files); err != nil {
		writeError(w, http.StatusInternalServerError, "upload submission failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"message":  "files upload processing",
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, ownerID string) {
	filter := domain.ListFilter{OwnerID: ownerID}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		filter.Status = domain.UploadStatus(strings.ToUpper(v))
	}
	if v := q.Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Skip = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	records, err := s.app.ListRecords(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleUploadByID(w http.ResponseWriter, r *http.Request, ownerID string) {
	recordID := strings.TrimPrefix(r.URL.Path, "/uploads/")
	if recordID == "" || strings.Contains(recordID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, recordID)
	case http.MethodPut:
		s.handleReplace(w, r, recordID, ownerID)
	case http.MethodDelete:
		s.handleDelete(w, recordID, ownerID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, recordID string) {
	record, err := s.app.GetRecord(recordID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no existing file found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get failed")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request, recordID, ownerID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one file required")
		return
	}
	file, err := readUpload(headers[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable file: "+headers[0].Filename)
		return
	}
	if err := s.app.SubmitReplacement(r.Context(), recordID, ownerID, file); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no existing file found")
			return
		}
		writeError(w, http.StatusInternalServerError, "replacement failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"message":  "file upload in progress",
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, recordID, ownerID string) {
	affected, err := s.app.DeleteRecord(recordID, ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if affected == 0 {
		writeError(w, http.StatusNotFound, "no file found to delete")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"affected": affected})
}

func readUpload(header *multipart.FileHeader) (domain.FileUpload, error) {
	f, err := header.Open()
	if err != nil {
		return domain.FileUpload{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return domain.FileUpload{}, err
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return domain.FileUpload{
		Filename: header.Filename,
		MimeType: mimeType,
		Data:     data,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
