package source

// Event type names for the UpstreamSource stream.
const (
	EventRegistered         = "source.registered.v1"
	EventInventoryRefreshed = "source.inventory_refreshed.v1"
	EventUnregistered       = "source.unregistered.v1"
	EventToolEnabled        = "source.tool_enabled.v1"
	EventToolDisabled       = "source.tool_disabled.v1"
)

// RegisteredPayload is the event.* payload for EventRegistered.
type RegisteredPayload struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	SpecURL         string `json:"spec_url"`
	AuthMode        string `json:"auth_mode"`
	DefaultAudience string `json:"default_audience,omitempty"`
}

// NormalizedTool is the per-operation shape carried in
// InventoryRefreshedPayload.Tools.
type NormalizedTool struct {
	OperationID  string   `json:"operation_id"`
	HTTPMethod   string   `json:"http_method"`
	PathTemplate string   `json:"path_template"`
	Summary      string   `json:"summary,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// InventoryRefreshedPayload is the event payload for EventInventoryRefreshed.
type InventoryRefreshedPayload struct {
	InventoryVersion int64            `json:"inventory_version"`
	Tools            []NormalizedTool `json:"tools"`
}

// ToolStatePayload is the event payload shared by EventToolEnabled/Disabled.
type ToolStatePayload struct {
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason,omitempty"`
}
