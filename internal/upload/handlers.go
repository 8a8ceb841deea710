package upload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zombor/aadhaar-reader/internal/extraction"
)

// sideView is one side of the card as presented to the page
type sideView struct {
	Filename    string       `json:"filename"`
	ContentType string       `json:"contentType"`
	Size        int          `json:"size"`
	Preview     template.URL `json:"preview"`
}

// sessionView is the session state as presented to the page and to script clients
type sessionView struct {
	Front        *sideView          `json:"front"`
	Back         *sideView          `json:"back"`
	IsProcessing bool               `json:"isProcessing"`
	Result       *extraction.Result `json:"result"`
	Error        string             `json:"error"`
}

func newSideView(img *Image) *sideView {
	if img == nil {
		return nil
	}
	return &sideView{
		Filename:    img.Filename,
		ContentType: img.ContentType,
		Size:        img.Size,
		// Previews are data URIs built by buildPreview, never user-supplied URLs.
		Preview: template.URL(img.Preview),
	}
}

func newSessionView(s *Session) sessionView {
	return sessionView{
		Front:        newSideView(s.Front),
		Back:         newSideView(s.Back),
		IsProcessing: s.Processing,
		Result:       s.Result,
		Error:        s.Error,
	}
}

// CanSubmit reports whether the submit button should be enabled
func (v sessionView) CanSubmit() bool {
	return v.Front != nil && v.Back != nil && !v.IsProcessing
}

type sideSlot struct {
	Side  Side
	Step  int
	Name  string
	Label string
	Image *sideView
}

// Sides lists both upload slots in page order
func (v sessionView) Sides() []sideSlot {
	return []sideSlot{
		{Side: SideFront, Step: 1, Name: "Front", Label: "Front Side", Image: v.Front},
		{Side: SideBack, Step: 2, Name: "Back", Label: "Back Side", Image: v.Back},
	}
}

// wantsJSON reports whether the caller asked for a JSON response
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes an error as JSON or plain text depending on the caller
func writeError(w http.ResponseWriter, r *http.Request, message string, code int) {
	if wantsJSON(r) {
		writeJSON(w, code, map[string]string{"error": message})
		return
	}
	http.Error(w, message, code)
}

// writeControllerError maps controller errors to responses
func writeControllerError(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	if errors.Is(err, ErrBusy) {
		writeError(w, r, "An extraction is already in progress", http.StatusConflict)
		return
	}
	slog.Error("Error handling request", "session", sessionID, "path", r.URL.Path, "error", err)
	writeError(w, r, "Internal server error", http.StatusInternalServerError)
}

// respondWithState finishes a form action: JSON callers get the new state,
// browsers are redirected back to the page
func (s *Server) respondWithState(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !wantsJSON(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	session, err := s.controller.State(r.Context(), sessionID)
	if err != nil {
		writeControllerError(w, r, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(session))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok\n")
}

// handleIndex renders the upload form or the result view
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.controller.State(r.Context(), sessionID)
	if err != nil {
		writeControllerError(w, r, sessionID, err)
		return
	}

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, newSessionView(session)); err != nil {
		slog.Error("Error rendering page", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// handleSession returns the session state as JSON
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.controller.State(r.Context(), sessionID)
	if err != nil {
		writeControllerError(w, r, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(session))
}

// handleUploadImage accepts an image for one side of the card
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request, sessionID string) {
	side, err := ParseSide(r.PathValue("side"))
	if err != nil {
		writeError(w, r, "Side must be front or back", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Warn("Rejected multipart upload", "session", sessionID, "error", err)
		message := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			message = fmt.Sprintf("File is too large. Maximum size is %dMB. Please compress or resize your image.", s.maxUploadBytes>>20)
		}
		writeError(w, r, message, http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, "No file was selected. Please choose a file to upload.", http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, r, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mediaTypeFromFilename(header.Filename)
	}

	file := File{Filename: header.Filename, ContentType: contentType, Data: data}
	if _, err := s.controller.AcceptImage(r.Context(), sessionID, side, file); err != nil {
		writeControllerError(w, r, sessionID, err)
		return
	}
	s.respondWithState(w, r, sessionID)
}

// handleClearImage removes the image for one side
func (s *Server) handleClearImage(w http.ResponseWriter, r *http.Request, sessionID string) {
	side, err := ParseSide(r.PathValue("side"))
	if err != nil {
		writeError(w, r, "Side must be front or back", http.StatusBadRequest)
		return
	}
	if err := s.controller.ClearImage(r.Context(), sessionID, side); err != nil {
		writeControllerError(w, r, sessionID, err)
		return
	}
	s.respondWithState(w, r, sessionID)
}

// handleSubmit sends both images for extraction and waits for the outcome
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, sessionID string) {
	err := s.controller.Submit(r.Context(), sessionID)
	if err != nil && !errors.Is(err, ErrMissingImages) {
		writeControllerError(w, r, sessionID, err)
		return
	}
	s.respondWithState(w, r, sessionID)
}

// handleReset returns the page to the empty upload form
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.controller.Reset(r.Context(), sessionID); err != nil {
		writeControllerError(w, r, sessionID, err)
		return
	}
	s.respondWithState(w, r, sessionID)
}

// handleDownload serves the extraction result as a JSON attachment
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, sessionID string) {
	data, filename, err := s.controller.DownloadResult(r.Context(), sessionID)
	if errors.Is(err, ErrNoResult) {
		writeError(w, r, "No extraction result to download", http.StatusNotFound)
		return
	}
	if err != nil {
		writeControllerError(w, r, sessionID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(data)
}

// handleStaticCSS serves the stylesheet
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Write(appCSS)
}
