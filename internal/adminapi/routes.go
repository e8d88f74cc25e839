package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/l8e-harbor/harbor-gateway/internal/apierr"
	"github.com/l8e-harbor/harbor-gateway/internal/matcher"
	"github.com/l8e-harbor/harbor-gateway/internal/model"
)

// validateRoute runs the model-level invariants plus matcher compilation,
// so a route carrying a bad regex is rejected here with a 400 instead of
// being silently dropped from the dataplane snapshot later.
func validateRoute(route model.Route) error {
	if err := route.Validate(); err != nil {
		return err
	}
	if _, err := matcher.CompileAll(route.Matchers); err != nil {
		return &apierr.Error{Kind: apierr.KindValidation, Field: "matchers", Err: err}
	}
	return nil
}

// writeValidationError renders a 400 {"detail": ..., "field": ...} body,
// naming the offending field when the error carries one.
func writeValidationError(w http.ResponseWriter, err error) {
	if ae, ok := apierr.As(err); ok {
		writeJSON(w, apierr.ManagementStatus(ae.Kind), map[string]string{
			"detail": ae.Error(),
			"field":  ae.Field,
		})
		return
	}
	writeDetail(w, http.StatusBadRequest, err.Error())
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.store.List(r.Context())
	if err != nil {
		s.log.Error("list routes failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to list routes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": routes})
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	route, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.log.Error("get route failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to load route")
		return
	}
	if !ok {
		writeDetail(w, http.StatusNotFound, "route not found")
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handlePutRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var route model.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	route.ID = id

	if err := validateRoute(route); err != nil {
		writeValidationError(w, err)
		return
	}
	if err := s.store.Put(r.Context(), route); err != nil {
		s.log.Error("put route failed", slog.String("error", err.Error()), slog.String("route_id", id))
		writeDetail(w, http.StatusInternalServerError, "failed to save route")
		return
	}

	saved, _, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "route saved but could not be reloaded")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := s.store.Delete(r.Context(), id)
	if err != nil {
		s.log.Error("delete route failed", slog.String("error", err.Error()), slog.String("route_id", id))
		writeDetail(w, http.StatusInternalServerError, "failed to delete route")
		return
	}
	if !deleted {
		writeDetail(w, http.StatusNotFound, "route not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkApplyResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleBulkApply applies each route in the body's items list
// independently: one bad route does not block the rest from being
// saved. The operation is explicitly not transactional.
func (s *Server) handleBulkApply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []model.Route `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}

	results := make([]bulkApplyResult, 0, len(req.Items))
	for _, route := range req.Items {
		if err := validateRoute(route); err != nil {
			results = append(results, bulkApplyResult{ID: route.ID, Status: "rejected", Error: err.Error()})
			continue
		}
		if err := s.store.Put(r.Context(), route); err != nil {
			results = append(results, bulkApplyResult{ID: route.ID, Status: "failed", Error: err.Error()})
			continue
		}
		results = append(results, bulkApplyResult{ID: route.ID, Status: "applied"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type routeListExport struct {
	APIVersion string         `json:"apiVersion"`
	Kind       string         `json:"kind"`
	Metadata   exportMetadata `json:"metadata"`
	Items      []model.Route  `json:"items"`
}

type exportMetadata struct {
	ExportedAt time.Time `json:"exported_at"`
	ExportedBy string    `json:"exported_by"`
}

// handleExportRoutes wraps the full route set in a RouteList envelope
// whose items can be fed straight back into bulk-apply on another
// gateway.
func (s *Server) handleExportRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.store.List(r.Context())
	if err != nil {
		s.log.Error("export routes failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to export routes")
		return
	}

	exportedBy := "unknown"
	if actx := authFromContext(r.Context()); actx != nil {
		exportedBy = actx.Subject
	}

	writeJSON(w, http.StatusOK, routeListExport{
		APIVersion: "v1",
		Kind:       "RouteList",
		Metadata: exportMetadata{
			ExportedAt: time.Now().UTC(),
			ExportedBy: exportedBy,
		},
		Items: routes,
	})
}
