package httpapi

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/toolsgateway/toolsgw/domain/policy"
	"github.com/toolsgateway/toolsgw/domain/source"
	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
	"github.com/toolsgateway/toolsgw/readmodel"
)

type handlers struct {
	Deps
}

// --- sources -----------------------------------------------------------

type registerSourceRequest struct {
	Name            string `json:"name"`
	SpecURL         string `json:"spec_url"`
	AuthMode        string `json:"auth_mode"`
	DefaultAudience string `json:"default_audience,omitempty"`
}

func (h *handlers) registerSource(w http.ResponseWriter, r *http.Request) {
	var req registerSourceRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, err := h.Sources.RegisterSource(r.Context(), source.RegisterSource{
		Name: req.Name, SpecURL: req.SpecURL, AuthMode: req.AuthMode, DefaultAudience: req.DefaultAudience,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) refreshSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	src, found, err := h.Queries.GetSource(r.Context(), id)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	if !found {
		writeCommandError(w, gwerrors.NotFound("source", id))
		return
	}
	tools, err := h.Fetcher.FetchAndNormalize(r.Context(), id, src.SpecURL)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	if err := h.Sources.RefreshInventory(r.Context(), id, source.RefreshInventory{Tools: tools}); err != nil {
		writeCommandError(w, err)
		return
	}
	refreshed, _, err := h.Queries.GetSource(r.Context(), id)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"inventory_version": refreshed.InventoryVersion})
}

func (h *handlers) deleteSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Sources.UnregisterSource(r.Context(), id); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) enableTool(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.Sources.EnableTool(r.Context(), vars["id"], vars["operation_id"]); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) disableTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = readJSON(r, &req)
	vars := mux.Vars(r)
	if err := h.Sources.DisableTool(r.Context(), vars["id"], vars["operation_id"], req.Reason); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- tools ---------------------------------------------------------------

func (h *handlers) listTools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	enabledOnly := false
	if v := q.Get("enabled"); v != "" {
		enabledOnly, _ = strconv.ParseBool(v)
	}
	result, err := h.Queries.ListTools(r.Context(), q.Get("source_id"), enabledOnly, pageFromQuery(r))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": result.Items, "total": result.Total})
}

func (h *handlers) executeTool(w http.ResponseWriter, r *http.Request) {
	toolID := mux.Vars(r)["tool_id"]
	var req struct {
		Arguments map[string]any `json:"arguments"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	claims, _ := claimsFromContext(r.Context())
	token := tokenFromContext(r.Context())
	result, err := h.Pipeline.Invoke(r.Context(), claims, token, toolID, req.Arguments)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	w.Header().Set("X-Upstream-Status", strconv.Itoa(result.StatusCode))
	for k, v := range result.Headers {
		if k == "Content-Length" || k == "Transfer-Encoding" {
			continue
		}
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}

// --- tool groups -----------------------------------------------------------

func (h *handlers) createGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, err := h.Groups.CreateGroup(r.Context(), req.Name)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) listGroups(w http.ResponseWriter, r *http.Request) {
	result, err := h.Queries.ListGroups(r.Context(), r.URL.Query().Get("status"), pageFromQuery(r))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": result.Items, "total": result.Total})
}

// groupPatchRequest is a discriminated-union patch body for /tool-groups/{id}:
// exactly one action field set per request.
type groupPatchRequest struct {
	Action  string `json:"action"`
	Kind    string `json:"kind,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	ToolID  string `json:"tool_id,omitempty"`
}

func (h *handlers) patchGroup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req groupPatchRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var err error
	switch req.Action {
	case "add_selector":
		err = h.Groups.AddSelector(r.Context(), id, req.Kind, req.Pattern)
	case "remove_selector":
		err = h.Groups.RemoveSelector(r.Context(), id, req.Kind, req.Pattern)
	case "add_explicit_tool":
		err = h.Groups.AddExplicitTool(r.Context(), id, req.ToolID)
	case "remove_explicit_tool":
		err = h.Groups.RemoveExplicitTool(r.Context(), id, req.ToolID)
	case "exclude_tool":
		err = h.Groups.ExcludeTool(r.Context(), id, req.ToolID)
	case "include_tool":
		err = h.Groups.IncludeTool(r.Context(), id, req.ToolID)
	case "activate":
		err = h.Groups.Activate(r.Context(), id)
	case "deactivate":
		err = h.Groups.Deactivate(r.Context(), id)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown action "+req.Action)
		return
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Groups.Delete(r.Context(), id); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- policies ----------------------------------------------------------

type policyMatcherDTO struct {
	ClaimPath string `json:"claim_path"`
	Op        string `json:"op"`
	Value     any    `json:"value,omitempty"`
}

func toDomainMatchers(dtos []policyMatcherDTO) []policy.Matcher {
	out := make([]policy.Matcher, 0, len(dtos))
	for _, m := range dtos {
		out = append(out, policy.Matcher{ClaimPath: m.ClaimPath, Op: m.Op, Value: m.Value})
	}
	return out
}

func (h *handlers) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string             `json:"name"`
		Matchers []policyMatcherDTO `json:"matchers"`
		GroupIDs []string           `json:"group_ids"`
		Priority int                `json:"priority"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, err := h.Policies.DefinePolicy(r.Context(), req.Name, toDomainMatchers(req.Matchers), req.GroupIDs, req.Priority)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) listPolicies(w http.ResponseWriter, r *http.Request) {
	result, err := h.Queries.ListPolicies(r.Context(), r.URL.Query().Get("status"), pageFromQuery(r))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": result.Items, "total": result.Total})
}

type policyPatchRequest struct {
	Action   string             `json:"action"`
	Matchers []policyMatcherDTO `json:"matchers,omitempty"`
	GroupIDs []string           `json:"group_ids,omitempty"`
	Priority int                `json:"priority,omitempty"`
}

func (h *handlers) patchPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req policyPatchRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var err error
	switch req.Action {
	case "update_matchers":
		err = h.Policies.UpdateMatchers(r.Context(), id, toDomainMatchers(req.Matchers))
	case "update_groups":
		err = h.Policies.UpdateGroups(r.Context(), id, req.GroupIDs)
	case "change_priority":
		err = h.Policies.ChangePriority(r.Context(), id, req.Priority)
	case "activate":
		err = h.Policies.Activate(r.Context(), id)
	case "deactivate":
		err = h.Policies.Deactivate(r.Context(), id)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown action "+req.Action)
		return
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Policies.Delete(r.Context(), id); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- agent-facing --------------------------------------------------------

func (h *handlers) agentTools(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	access, err := h.Pipeline.Resolve(r.Context(), claims)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	ids := make([]string, 0, len(access.ToolIDs))
	for id := range access.ToolIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tools := make([]readmodel.SourceToolView, 0, len(ids))
	for _, id := range ids {
		tool, ok, err := h.Queries.GetTool(r.Context(), id)
		if err != nil || !ok {
			continue
		}
		tools = append(tools, tool)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (h *handlers) agentSSE(w http.ResponseWriter, r *http.Request) {
	h.Hub.ServeHTTP(w, r)
}

func (h *handlers) adminSSE(w http.ResponseWriter, r *http.Request) {
	h.Hub.ServeHTTP(w, r)
}

func (h *handlers) adminSSEWebsocket(w http.ResponseWriter, r *http.Request) {
	h.Hub.ServeWebSocket(h.Logger, w, r)
}

// --- circuit breakers ------------------------------------------------------

func (h *handlers) listCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	breakers, err := h.Queries.ListCircuitBreakers(r.Context())
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, breakers)
}

func (h *handlers) resetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	breaker, ok := h.Breakers.ByID(req.ID)
	if !ok {
		writeCommandError(w, gwerrors.NotFound("circuit_breaker", req.ID))
		return
	}
	claims, _ := claimsFromContext(r.Context())
	closedBy := "admin"
	if claims != nil {
		closedBy = claims.Subject
	}
	breaker.Reset(closedBy)
	w.WriteHeader(http.StatusOK)
}
