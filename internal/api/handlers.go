package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.List()
	if err != nil {
		s.logger.Error("failed to list workbenches", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workbenches")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workbenches:   len(list),
	})
}

func (s *Server) handleListWorkbenches(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.List()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateWorkbench(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkbenchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	wb, err := s.engine.Create(req.Name)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, wb)
}

func (s *Server) handleGetWorkbench(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workbenchID")
	wb, err := s.engine.Open(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	area, err := s.engine.ActiveArea(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		CreatedAt  string `json:"created_at"`
		UpdatedAt  string `json:"updated_at"`
		Generation uint64 `json:"generation"`
		ActiveArea string `json:"active_area"`
	}{wb.ID, wb.Name, wb.CreatedAt, wb.UpdatedAt, wb.Generation, area})
}

func (s *Server) handleDeleteWorkbench(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "workbenchID")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.engine.FilesList(chi.URLParam(r, "workbenchID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, files)
}

// handleReadFile handles GET /workbenches/{id}/files/{path...}. The area
// query selects published or draft; default follows the active area.
func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workbenchID")
	relPath := chi.URLParam(r, "*")

	area := r.URL.Query().Get("area")
	if area == "" {
		var err error
		area, err = s.engine.ActiveArea(id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
	}

	data, err := s.engine.ReadFile(id, area, relPath)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleWriteFile handles PUT /workbenches/{id}/files/{path...}. Writes
// always land in the draft; there is no way to write published over HTTP.
func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workbenchID")
	relPath := chi.URLParam(r, "*")

	limit := s.config.MaxWriteBytes
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	if int64(len(body)) > limit {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", limit))
		return
	}
	if err := s.engine.ApplyDraftWrite(r.Context(), id, relPath, body); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveFile handles DELETE /workbenches/{id}/files/{path...}.
// Removals land in the draft only; publish carries them to published.
func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workbenchID")
	relPath := chi.URLParam(r, "*")

	if err := s.engine.ApplyDraftRemove(r.Context(), id, relPath); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangeSet(w http.ResponseWriter, r *http.Request) {
	changes, err := s.engine.ChangeSet(chi.URLParam(r, "workbenchID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.auditLog.List(r.Context(), chi.URLParam(r, "workbenchID"), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var req CreateDraftRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	state, err := s.engine.CreateDraft(r.Context(), chi.URLParam(r, "workbenchID"), req.Source)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleDraftState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.DraftState(chi.URLParam(r, "workbenchID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDiscardDraft(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DiscardDraft(r.Context(), chi.URLParam(r, "workbenchID")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Publish(r.Context(), chi.URLParam(r, "workbenchID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListCheckpoints(chi.URLParam(r, "workbenchID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	meta, err := s.engine.CreateCheckpoint(r.Context(), chi.URLParam(r, "workbenchID"), req.Reason, req.Description)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	meta, err := s.engine.GetCheckpoint(chi.URLParam(r, "workbenchID"), chi.URLParam(r, "checkpointID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	err := s.engine.RestoreCheckpoint(r.Context(), chi.URLParam(r, "workbenchID"), chi.URLParam(r, "checkpointID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListRevisions(chi.URLParam(r, "workbenchID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSnapshotRevision(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRevisionRequest(w, r)
	if !ok {
		return
	}
	meta, err := s.engine.SnapshotRevision(r.Context(), chi.URLParam(r, "workbenchID"), req.HeadPointer)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleRestoreRevision(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRevisionRequest(w, r)
	if !ok {
		return
	}
	if err := s.engine.RestoreRevision(r.Context(), chi.URLParam(r, "workbenchID"), req.HeadPointer); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeRevisionRequest(w http.ResponseWriter, r *http.Request) (RevisionRequest, bool) {
	var req RevisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if strings.TrimSpace(req.HeadPointer) == "" {
		s.writeError(w, http.StatusBadRequest, "head_pointer is required")
		return req, false
	}
	return req, true
}
