package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/c360studio/envdraft/enterprise"
	"github.com/c360studio/envdraft/export"
	"github.com/c360studio/envdraft/template"
)

// userHeader carries the caller identity when the body does not.
const userHeader = "X-User-ID"

// GenerateRequest is the body of the assemble and section routes.
type GenerateRequest struct {
	Enterprise enterprise.Data `json:"enterprise"`
	UserID     string          `json:"user_id,omitempty"`
}

// CheckRequest is the body of the check route.
type CheckRequest struct {
	Sections map[string]string `json:"sections"`
}

// HealthResponse reports readiness and provider status.
type HealthResponse struct {
	Status         string `json:"status"`
	LibraryVersion string `json:"library_version"`
	Sections       int    `json:"sections"`
	Provider       any    `json:"provider"`
}

// DocumentInfo describes one registered document type.
type DocumentInfo struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Sections []string `json:"sections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.core.Health()
	cat := s.core.Catalogue()
	resp := HealthResponse{
		Status:         "ok",
		LibraryVersion: cat.Version(),
		Sections:       cat.Len(),
		Provider:       health,
	}
	// The document still assembles with a provider outage; report it without
	// failing the probe.
	if !health.Available {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs := s.core.Documents()
	out := make([]DocumentInfo, 0, len(docs))
	for _, d := range docs {
		info := DocumentInfo{ID: d.ID, Title: d.Title}
		for _, k := range d.Sections {
			info.Sections = append(info.Sections, k.String())
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAssemble renders a document. The format query parameter selects
// json (default), html or markdown.
func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	format := export.FormatJSON
	if q := r.URL.Query().Get("format"); q != "" {
		f, err := export.ParseFormat(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}

	req, ok := s.decodeGenerate(w, r)
	if !ok {
		return
	}

	doc, err := s.core.AssembleDocument(r.Context(), chi.URLParam(r, "type"), req.Enterprise, req.UserID)
	if err != nil {
		if errors.Is(err, template.ErrUnknownDocument) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("Document assembly failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	info, _ := export.GetFormatInfo(format)
	w.Header().Set("Content-Type", info.MIMEType)
	w.WriteHeader(http.StatusOK)
	if err := export.Write(w, doc, format); err != nil {
		s.logger.Warn("Failed to write document response", "document_type", doc.Type, "error", err)
	}
}

func (s *Server) handleGenerateSection(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeGenerate(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "chapter") + "/" + chi.URLParam(r, "section")
	rec, err := s.core.GenerateSingleSection(r.Context(), key, req.Enterprise, req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, s.core.CheckSections(req.Sections))
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.CacheStats())
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	removed := s.core.InvalidateCache(r.Context(), prefix)
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "removed": removed})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.core.ReloadTemplates(r.Context()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	cat := s.core.Catalogue()
	writeJSON(w, http.StatusOK, map[string]any{
		"library_version": cat.Version(),
		"sections":        cat.Len(),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   s.core.Usage(chi.URLParam(r, "user")),
		"global": s.core.GlobalUsage(),
	})
}

func (s *Server) handleGlobalUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.GlobalUsage())
}

func (s *Server) decodeGenerate(w http.ResponseWriter, r *http.Request) (*GenerateRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if req.UserID == "" {
		req.UserID = strings.TrimSpace(r.Header.Get(userHeader))
	}
	if req.Enterprise == nil {
		req.Enterprise = enterprise.Data{}
	}
	return &req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
