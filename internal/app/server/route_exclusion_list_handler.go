package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"warden/internal/database"
	"warden/internal/exclusion"
	"warden/internal/exclusion/matcher"
	jobruntime "warden/internal/jobs/runtime"
	"warden/internal/lists"
	"warden/internal/storage"
	"warden/internal/support"
)

type handlers struct {
	Deps
}

type exclusionListRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	EntityTypes []string `json:"entityTypes"`
	Enabled     *bool    `json:"enabled"`
	Content     string   `json:"content"`
}

type exclusionListPatchRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	EntityTypes []string `json:"entityTypes"`
	Enabled     *bool    `json:"enabled"`
	Content     *string  `json:"content"`
}

type cacheStatusResponse struct {
	exclusion.CacheReport
	LeaseHolder string `json:"leaseHolder,omitempty"`
}

type checkRequest struct {
	Value string   `json:"value"`
	Types []string `json:"types"`
}

type checkResponse struct {
	Excluded bool   `json:"excluded"`
	ListID   string `json:"listId,omitempty"`
	Type     string `json:"type,omitempty"`
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"cacheVersion": h.Cache.Version(),
	})
}

func (h *handlers) instances(w http.ResponseWriter, r *http.Request) {
	if h.Redis == nil {
		writeJSON(w, http.StatusOK, []jobruntime.Instance{})
		return
	}
	instances, err := jobruntime.ActiveInstances(r.Context(), h.Redis)
	if err != nil {
		log.Error("Listing instances failed", "error", err)
		writeError(w, "Instances unavailable", http.StatusServiceUnavailable)
		return
	}
	if instances == nil {
		instances = []jobruntime.Instance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

func (h *handlers) cacheStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.Coordinator.Report(r.Context())
	if err != nil {
		log.Error("Reading exclusion cache status failed", "error", err)
		writeError(w, "Status unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := cacheStatusResponse{CacheReport: report}
	if h.Redis != nil {
		holder, err := support.LeaseHolder(r.Context(), h.Redis, exclusion.LeaderLockKey)
		if err != nil {
			log.Warn("Reading builder lease holder failed", "error", err)
		}
		resp.LeaseHolder = holder
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) checkValue(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeError(w, "value is required", http.StatusBadRequest)
		return
	}

	types := matcher.AllEntityTypes()
	if len(req.Types) > 0 {
		types = types[:0:0]
		for _, raw := range req.Types {
			t, err := matcher.ParseEntityType(raw)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			types = append(types, t)
		}
	}

	result := h.Cache.Match(req.Value, types)
	resp := checkResponse{Excluded: result.Matched}
	if result.Matched {
		resp.ListID = result.ListID
		resp.Type = string(result.Type)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) rebuild(w http.ResponseWriter, _ *http.Request) {
	h.Coordinator.Notify()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (h *handlers) listExclusionLists(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.ExclusionListFilter{
		Search:  q.Get("search"),
		OrderBy: q.Get("orderBy"),
		Desc:    q.Get("desc") == "true",
	}
	switch q.Get("enabled") {
	case "true":
		enabled := true
		filter.Enabled = &enabled
	case "false":
		enabled := false
		filter.Enabled = &enabled
	}

	records, err := h.Lists.List(r.Context(), filter)
	if err != nil {
		log.Error("Listing exclusion lists failed", "error", err)
		writeError(w, "Could not list exclusion lists", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handlers) createExclusionList(w http.ResponseWriter, r *http.Request) {
	var req exclusionListRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := lists.Input{
		Name:        req.Name,
		Description: req.Description,
		EntityTypes: req.EntityTypes,
		Enabled:     req.Enabled == nil || *req.Enabled,
		Content:     req.Content,
	}
	record, err := h.Lists.Create(r.Context(), in)
	if err != nil {
		writeListError(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *handlers) getExclusionList(w http.ResponseWriter, r *http.Request) {
	record, err := h.Lists.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeListError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *handlers) getExclusionListContent(w http.ResponseWriter, r *http.Request) {
	record, err := h.Lists.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeListError(w, "get", err)
		return
	}
	content, err := h.Lists.Content(r.Context(), record)
	if err != nil {
		writeListError(w, "content", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(content))
}

func (h *handlers) patchExclusionList(w http.ResponseWriter, r *http.Request) {
	var req exclusionListPatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	record, err := h.Lists.Update(r.Context(), r.PathValue("id"), lists.Patch{
		Name:        req.Name,
		Description: req.Description,
		EntityTypes: req.EntityTypes,
		Enabled:     req.Enabled,
		Content:     req.Content,
	})
	if err != nil {
		writeListError(w, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *handlers) deleteExclusionList(w http.ResponseWriter, r *http.Request) {
	if err := h.Lists.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeListError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) enableExclusionList(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *handlers) disableExclusionList(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	record, err := h.Lists.SetEnabled(r.Context(), r.PathValue("id"), enabled)
	if err != nil {
		writeListError(w, "set enabled", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func writeListError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, lists.ErrNotFound):
		writeError(w, "Exclusion list not found", http.StatusNotFound)
	case errors.Is(err, lists.ErrInvalidList):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, lists.ErrNameConflict):
		writeError(w, "An exclusion list with this name already exists", http.StatusConflict)
	case errors.Is(err, storage.ErrContentNotFound):
		writeError(w, "Exclusion list content missing", http.StatusNotFound)
	default:
		log.Error("Exclusion list request failed", "op", op, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}
