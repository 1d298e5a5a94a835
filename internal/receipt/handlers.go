package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
)

// maxUploadSize caps multipart bodies; high-resolution phone photos fit comfortably
const maxUploadSize = int64(50 << 20)

// upload is a parsed analyze request
type upload struct {
	filename    string
	contentType string
	data        []byte
	apiKey      string
}

// uploadError is an intake failure with the status and message to show the caller
type uploadError struct {
	status  int
	message string
}

func (e *uploadError) Error() string { return e.message }

// readUpload parses the multipart form shared by both analyze endpoints
func readUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &uploadError{http.StatusRequestEntityTooLarge, "File is too large. Maximum size is 50MB. Please compress or resize your image."}
		}
		return nil, &uploadError{http.StatusBadRequest, "Error parsing form"}
	}

	apiKey := strings.TrimSpace(r.FormValue("api_key"))
	if apiKey == "" {
		return nil, &uploadError{http.StatusBadRequest, "Error: API key is required!"}
	}

	f, header, err := r.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, &uploadError{http.StatusBadRequest, "No file was selected. Please choose a file to upload."}
		}
		return nil, &uploadError{http.StatusBadRequest, "No file provided"}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		return nil, &uploadError{http.StatusInternalServerError, "Error reading file. Please try again."}
	}
	if len(data) == 0 {
		return nil, &uploadError{http.StatusBadRequest, "The selected file is empty."}
	}

	return &upload{
		filename:    header.Filename,
		contentType: detectContentType(header.Header.Get("Content-Type"), header.Filename),
		data:        data,
		apiKey:      apiKey,
	}, nil
}

// detectContentType prefers the part header and falls back to the extension
func detectContentType(header, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFromName(filename)
	}
	return contentType
}

// analyze runs an upload through the service and maps intake errors
func (s *Server) analyze(r *http.Request, up *upload) (*Analysis, error) {
	analysis, err := s.service.Analyze(r.Context(), filepath.Base(up.filename), up.data, up.contentType, up.apiKey)
	if err != nil {
		slog.Error("Error processing upload", "filename", up.filename, "request_id", RequestID(r.Context()), "error", err)
		switch {
		case errors.Is(err, ErrMissingAPIKey):
			return nil, &uploadError{http.StatusBadRequest, "Error: API key is required!"}
		case errors.Is(err, ErrEmptyUpload):
			return nil, &uploadError{http.StatusBadRequest, "The selected file is empty."}
		}
		return nil, &uploadError{http.StatusInternalServerError, fmt.Sprintf("Processing Error: %v", err)}
	}
	return analysis, nil
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleAnalyze accepts the form post and returns an HTML fragment for #result
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.readAndAnalyze(w, r)
	if err != nil {
		var upErr *uploadError
		errors.As(err, &upErr)
		renderFragment(w, upErr.status, "error", upErr.message)
		return
	}

	renderFragment(w, http.StatusOK, "result", analysis)
}

// handleAnalyzeJSON is the JSON flavour of handleAnalyze
func (s *Server) handleAnalyzeJSON(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.readAndAnalyze(w, r)
	if err != nil {
		var upErr *uploadError
		errors.As(err, &upErr)
		writeJSON(w, upErr.status, map[string]string{"error": upErr.message})
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// readAndAnalyze always returns an *uploadError on failure
func (s *Server) readAndAnalyze(w http.ResponseWriter, r *http.Request) (*Analysis, error) {
	up, err := readUpload(w, r)
	if err != nil {
		return nil, err
	}
	return s.analyze(r, up)
}

// handleGetUpload serves a stored upload back for the result preview
func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetUpload(r.PathValue("filename"))
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if contentType == "application/octet-stream" {
		w.Header().Set("Content-Disposition", "attachment")
	}
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}
