// Package httpapi wires the gateway's HTTP/SSE surface (spec.md §6, L10):
// JSON endpoints for sources/tools/tool-groups/policies/circuit-breakers,
// the agent-facing resolved-tools and invocation endpoints, the admin and
// agent SSE streams, and the OIDC auth endpoints.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/toolsgateway/toolsgw/applications/auth"
	"github.com/toolsgateway/toolsgw/applications/commands"
	"github.com/toolsgateway/toolsgw/applications/ingestion"
	"github.com/toolsgateway/toolsgw/applications/pipeline"
	"github.com/toolsgateway/toolsgw/applications/queries"
	"github.com/toolsgateway/toolsgw/applications/sse"
	"github.com/toolsgateway/toolsgw/identity"
	"github.com/toolsgateway/toolsgw/infrastructure/logging"
	"github.com/toolsgateway/toolsgw/infrastructure/resilience"
)

// Deps bundles every application-layer collaborator the router dispatches
// to. All fields are required except LiveTailEnabled, which gates the
// optional websocket duplicate of the admin SSE stream.
type Deps struct {
	Sources  commands.SourceService
	Groups   commands.ToolGroupService
	Policies commands.PolicyService
	Queries  *queries.Service
	Pipeline *pipeline.Pipeline
	Breakers *resilience.Registry
	Hub      *sse.Hub
	Fetcher  *ingestion.Fetcher
	Auth     *auth.Manager
	Verifier *identity.Verifier
	Audience string
	Logger   *logging.Logger

	LiveTailEnabled bool
}

// NewRouter builds the full mux.Router for the gateway's /api surface.
func NewRouter(d Deps) *mux.Router {
	h := &handlers{Deps: d}
	r := mux.NewRouter()
	r.Use(withLogging(d.Logger))
	r.Use(authenticate(d.Verifier, d.Audience))

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/sources", requireAdmin(h.registerSource)).Methods(http.MethodPost)
	api.HandleFunc("/sources/{id}/refresh", requireAdmin(h.refreshSource)).Methods(http.MethodPost)
	api.HandleFunc("/sources/{id}", requireAdmin(h.deleteSource)).Methods(http.MethodDelete)
	api.HandleFunc("/sources/{id}/tools/{operation_id}/enable", requireAdmin(h.enableTool)).Methods(http.MethodPost)
	api.HandleFunc("/sources/{id}/tools/{operation_id}/disable", requireAdmin(h.disableTool)).Methods(http.MethodPost)

	api.HandleFunc("/tools", requireAuth(h.listTools)).Methods(http.MethodGet)
	api.HandleFunc("/tools/{tool_id}/execute", requireAuth(h.executeTool)).Methods(http.MethodPost)

	api.HandleFunc("/tool-groups", requireAdmin(h.createGroup)).Methods(http.MethodPost)
	api.HandleFunc("/tool-groups", requireAdmin(h.listGroups)).Methods(http.MethodGet)
	api.HandleFunc("/tool-groups/{id}", requireAdmin(h.patchGroup)).Methods(http.MethodPatch)
	api.HandleFunc("/tool-groups/{id}", requireAdmin(h.deleteGroup)).Methods(http.MethodDelete)

	api.HandleFunc("/policies", requireAdmin(h.createPolicy)).Methods(http.MethodPost)
	api.HandleFunc("/policies", requireAdmin(h.listPolicies)).Methods(http.MethodGet)
	api.HandleFunc("/policies/{id}", requireAdmin(h.patchPolicy)).Methods(http.MethodPatch)
	api.HandleFunc("/policies/{id}", requireAdmin(h.deletePolicy)).Methods(http.MethodDelete)

	api.HandleFunc("/agent/tools", requireAuth(h.agentTools)).Methods(http.MethodGet)
	api.HandleFunc("/agent/sse", requireAuth(h.agentSSE)).Methods(http.MethodGet)

	api.HandleFunc("/admin/sse", requireAdmin(h.adminSSE)).Methods(http.MethodGet)
	if d.LiveTailEnabled {
		api.HandleFunc("/admin/sse/ws", requireAdmin(h.adminSSEWebsocket)).Methods(http.MethodGet)
	}
	api.HandleFunc("/admin/circuit-breakers", requireAdmin(h.listCircuitBreakers)).Methods(http.MethodGet)
	api.HandleFunc("/admin/circuit-breakers/reset", requireAdmin(h.resetCircuitBreaker)).Methods(http.MethodPost)

	api.HandleFunc("/auth/login", d.Auth.LoginHandler).Methods(http.MethodGet)
	api.HandleFunc("/auth/callback", d.Auth.CallbackHandler).Methods(http.MethodGet)
	api.HandleFunc("/auth/refresh", d.Auth.RefreshHandler).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", d.Auth.LogoutHandler).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", d.Auth.MeHandler).Methods(http.MethodGet)
	api.HandleFunc("/auth/session-settings", d.Auth.SessionSettingsHandler).Methods(http.MethodGet)

	return r
}
