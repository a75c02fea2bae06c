package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/webmem/webmem/internal/cache"
	"github.com/webmem/webmem/pkg/models"
)

// writeJSON writes a JSON response with proper error handling.
func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("encode JSON response failed")
	}
}

// writeError maps the shared error kinds onto HTTP status codes.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrEnrichmentUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
	}

	pageCount, err := s.deps.Pages.CountPages(r.Context())
	if err != nil {
		resp["status"] = "degraded"
		resp["database"] = err.Error()
	} else {
		resp["database"] = "ok"
		resp["pages"] = pageCount
	}

	// Provider outages degrade search, they do not take the service down.
	probeCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Enricher.ProviderHealth(probeCtx); err != nil {
		resp["enrichment"] = "unavailable"
	} else {
		resp["enrichment"] = "ok"
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req models.IndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	resp, err := s.deps.Indexer.Index(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if resp.Status == models.StatusIndexed {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, resp)
}

func (s *Service) handleProbe(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url parameter is required"})
		return
	}

	resp, err := s.deps.Indexer.Probe(r.Context(), url)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	resp, err := s.deps.Searcher.Search(r.Context(), query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleVisit(w http.ResponseWriter, r *http.Request) {
	var req models.VisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.URL == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}

	page, err := s.deps.Engine.RecordVisit(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, models.VisitResponse{
		PageID:     page.ID,
		VisitCount: page.VisitCount,
		ARCScore:   page.ARCScore,
	})
}

func (s *Service) handleListPages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	pages, err := s.deps.Pages.ListPages(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.deps.Pages.CountPages(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Content stays out of listings; it is bulky and the client never
	// renders it.
	for _, p := range pages {
		p.Content = ""
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pages":  pages,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Service) handleGetPage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid page id"})
		return
	}

	page, err := s.deps.Pages.GetPageByID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Service) handleDeletePage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid page id"})
		return
	}

	if err := s.deps.Pages.DeletePage(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

func (s *Service) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Service) handleCacheTop(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "limit", 10)
	top := s.deps.Cache.Top(n)
	if top == nil {
		top = []cache.TopQuery{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"queries": top})
}

func (s *Service) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": s.deps.Cache.Clear()})
}

func (s *Service) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": s.deps.Cache.CleanupExpired()})
}

func (s *Service) handleEvictionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Engine.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleEvictionPreview(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.deps.Engine.Preview(r.Context(), queryInt(r, "count", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"candidates": candidates,
		"count":      len(candidates),
	})
}

func (s *Service) handleEvictionRun(w http.ResponseWriter, r *http.Request) {
	evicted, err := s.deps.Engine.Sweep(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"evicted": evicted})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	pageCount, err := s.deps.Pages.CountPages(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pages":  pageCount,
		"search": s.deps.Searcher.Metrics(),
		"cache":  s.deps.Cache.Stats(),
		"vector": map[string]interface{}{
			"size":         s.deps.Index.Size(),
			"dimension":    s.deps.Index.Dimension(),
			"memory_bytes": s.deps.Index.MemoryBytes(),
		},
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
