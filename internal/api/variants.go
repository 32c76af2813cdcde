package api

import (
	"encoding/json"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gennotes/internal/core"
	"gennotes/pkg/domain"
)

type variantResponse struct {
	core.VariantView
	B37ID string `json:"b37_id,omitempty"`
}

func newVariantResponse(v core.VariantView) variantResponse {
	out := variantResponse{VariantView: v}
	if key, ok := v.B37Key(); ok {
		out.B37ID = key.ID()
	}
	return out
}

type page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

type pageParams struct {
	number int
	size   int
}

func parsePage(r *http.Request) (pageParams, error) {
	p := pageParams{number: 1, size: DefaultPageSize}
	q := r.URL.Query()
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return p, domain.NotFoundError{Entity: "page", Key: raw}
		}
		p.number = n
	}
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err == nil && n > 0 {
			p.size = min(n, MaxPageSize)
		}
	}
	return p, nil
}

func pageURL(r *http.Request, number int) *string {
	u := url.URL{Path: r.URL.Path}
	q := r.URL.Query()
	q.Set("page", strconv.Itoa(number))
	u.RawQuery = q.Encode()
	s := u.String()
	return &s
}

// paginate drains seq keeping only the requested page. A page beyond the
// last one is reported as not found unless the collection is empty.
func paginate[T, R any](r *http.Request, p pageParams, seq iter.Seq2[T, error], conv func(T) R) (page[R], error) {
	out := page[R]{Results: []R{}}
	skip := (p.number - 1) * p.size
	for item, err := range seq {
		if err != nil {
			return page[R]{}, err
		}
		if out.Count >= skip && len(out.Results) < p.size {
			out.Results = append(out.Results, conv(item))
		}
		out.Count++
	}
	if p.number > 1 && len(out.Results) == 0 {
		return page[R]{}, domain.NotFoundError{Entity: "page", Key: strconv.Itoa(p.number)}
	}
	if skip+len(out.Results) < out.Count {
		out.Next = pageURL(r, p.number+1)
	}
	if p.number > 1 {
		out.Previous = pageURL(r, p.number-1)
	}
	return out, nil
}

func (s *Server) listVariants(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var filter core.VariantFilter
	if raw := r.URL.Query().Get("variant_list"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter.Keys); err != nil {
			writeError(w, r, fieldError("variant_list", "variant_list must be a JSON array of variant ids or b37 keys."))
			return
		}
		if filter.Keys == nil {
			filter.Keys = []string{}
		}
	}
	out, err := paginate(r, p, s.svc.Variants(r.Context(), filter), newVariantResponse)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getVariant(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.GetVariant(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newVariantResponse(v))
}

func (s *Server) createVariant(w http.ResponseWriter, r *http.Request) {
	req, err := decodeEdit(w, r, mergeMode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.svc.CreateVariant(r.Context(), decisionFrom(r.Context()).User, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newVariantResponse(v))
}

func (s *Server) updateVariant(mode domain.EditMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeEdit(w, r, mode)
		if err != nil {
			writeError(w, r, err)
			return
		}
		v, err := s.svc.UpdateVariant(r.Context(), decisionFrom(r.Context()).User, chi.URLParam(r, "ref"), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newVariantResponse(v))
	}
}

func (s *Server) variantRevisions(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, fieldError("as_of", "as_of must be an RFC 3339 timestamp."))
			return
		}
		v, err := s.svc.GetVariant(r.Context(), ref)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rev, err := s.svc.CurrentVersion(r.Context(), domain.VariantRef(v.ID), asOf)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rev)
		return
	}
	revs, err := s.svc.VariantHistory(r.Context(), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}
