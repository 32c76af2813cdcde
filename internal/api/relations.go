package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gennotes/internal/core"
	"gennotes/pkg/domain"
)

func relationID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NotFoundError{Entity: domain.EntityRelation, Key: raw}
	}
	return id, nil
}

func identity(v core.RelationView) core.RelationView { return v }

func (s *Server) listRelations(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := paginate(r, p, s.svc.Relations(r.Context()), identity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRelation(w http.ResponseWriter, r *http.Request) {
	id, err := relationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rel, err := s.svc.GetRelation(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) createRelation(w http.ResponseWriter, r *http.Request) {
	req, err := decodeEdit(w, r, mergeMode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rel, err := s.svc.CreateRelation(r.Context(), decisionFrom(r.Context()).User, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) updateRelation(mode domain.EditMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := relationID(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req, err := decodeEdit(w, r, mode)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rel, err := s.svc.UpdateRelation(r.Context(), decisionFrom(r.Context()).User, id, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rel)
	}
}

func (s *Server) deleteRelation(w http.ResponseWriter, r *http.Request) {
	id, err := relationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeEdit(w, r, mergeMode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.svc.DeleteRelation(r.Context(), decisionFrom(r.Context()).User, id, req); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) relationRevisions(w http.ResponseWriter, r *http.Request) {
	id, err := relationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ref := domain.RelationRef(id)
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, fieldError("as_of", "as_of must be an RFC 3339 timestamp."))
			return
		}
		rev, err := s.svc.CurrentVersion(r.Context(), ref, asOf)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rev)
		return
	}
	revs, err := s.svc.History(r.Context(), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}
