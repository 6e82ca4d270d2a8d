// Package openapi normalizes OpenAPI 3.0/3.1 documents into the gateway's
// SourceTool projections (spec.md §4.5), using getkin/kin-openapi for
// parsing and reference resolution.
package openapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"

	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
	"github.com/toolsgateway/toolsgw/readmodel"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Normalize parses specBytes (JSON or YAML, OpenAPI 3.0 or 3.1) and returns
// one SourceToolView per operation. External $ref is rejected; internal
// $ref is followed. Collisions on the derived tool_id are rejected.
func Normalize(specBytes []byte, sourceID string) ([]readmodel.SourceToolView, error) {
	jsonBytes, err := toJSONAndRelax31(specBytes)
	if err != nil {
		return nil, gwerrors.SpecInvalid(fmt.Sprintf("parse openapi document: %v", err))
	}

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(jsonBytes)
	if err != nil {
		return nil, gwerrors.SpecInvalid(fmt.Sprintf("parse openapi document: %v", err))
	}

	if err := doc.Validate(loader.Context); err != nil {
		return nil, gwerrors.SpecInvalid(fmt.Sprintf("validate openapi document: %v", err))
	}

	if doc.Paths == nil {
		return nil, gwerrors.SpecInvalid("openapi document has no paths")
	}

	var tools []readmodel.SourceToolView
	seen := make(map[string]bool)

	paths := doc.Paths.Map()
	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	for _, path := range pathKeys {
		item := paths[path]
		for _, entry := range operationsOf(item) {
			operationID := deriveOperationID(entry.operation, entry.method, path)
			toolID := sourceID + "/" + operationID
			if seen[operationID] {
				return nil, gwerrors.SpecInvalid(fmt.Sprintf("duplicate operation_id %q", operationID))
			}
			seen[operationID] = true

			tool := readmodel.SourceToolView{
				ToolID:       toolID,
				SourceID:     sourceID,
				OperationID:  operationID,
				HTTPMethod:   entry.method,
				PathTemplate: path,
				Summary:      entry.operation.Summary,
				Tags:         entry.operation.Tags,
				Enabled:      true,
			}

			tool.Parameters = normalizeParameters(item.Parameters, entry.operation.Parameters)

			if entry.operation.RequestBody != nil && entry.operation.RequestBody.Value != nil {
				if schema, ok := selectJSONSchema(entry.operation.RequestBody.Value.Content); ok {
					tool.RequestBodySchema = schema
				}
			}

			tool.ResponseSchemas = normalizeResponses(entry.operation.Responses)

			tools = append(tools, tool)
		}
	}

	return tools, nil
}

// toJSONAndRelax31 accepts either JSON or YAML OpenAPI 3.0/3.1 input
// (spec.md §4.5) and returns JSON bytes kin-openapi can load. YAML input is
// decoded with yaml.v3, whose map nodes already unmarshal as
// map[string]any, so the result round-trips cleanly through encoding/json.
// 3.1 documents get a compatibility pass converting JSON-Schema-2020-12
// idioms kin-openapi's 3.0-shaped Schema struct doesn't understand
// (nullable type unions, numeric exclusiveMinimum/Maximum) into their 3.0
// equivalents before parsing.
func toJSONAndRelax31(specBytes []byte) ([]byte, error) {
	var doc map[string]any
	trimmed := bytes.TrimSpace(specBytes)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(specBytes, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	}

	if version, _ := doc["openapi"].(string); strings.HasPrefix(version, "3.1") {
		relax31Schemas(doc)
	}

	return json.Marshal(doc)
}

// relax31Schemas walks the decoded document and rewrites any schema-shaped
// map in place. It is a generic walk rather than a schema-aware one: only
// OpenAPI 3.x schema objects carry "type"/"exclusiveMinimum"/
// "exclusiveMaximum" keys, so visiting every map is safe and avoids having
// to track every place a schema can appear (parameters, requestBody,
// responses, components.schemas, nested allOf/oneOf/items, ...).
func relax31Schemas(node any) {
	switch v := node.(type) {
	case map[string]any:
		if rawType, ok := v["type"]; ok {
			if variants, ok := rawType.([]any); ok {
				relaxNullableUnion(v, variants)
			}
		}
		if exMin, ok := v["exclusiveMinimum"].(float64); ok {
			v["minimum"] = exMin
			v["exclusiveMinimum"] = true
		}
		if exMax, ok := v["exclusiveMaximum"].(float64); ok {
			v["maximum"] = exMax
			v["exclusiveMaximum"] = true
		}
		for _, child := range v {
			relax31Schemas(child)
		}
	case []any:
		for _, child := range v {
			relax31Schemas(child)
		}
	}
}

// relaxNullableUnion turns a 3.1 `type: [T, "null"]` (or `type: ["null"]`)
// into the 3.0 idiom kin-openapi expects: a single scalar `type` plus
// `nullable: true`.
func relaxNullableUnion(schema map[string]any, variants []any) {
	var kept string
	nullable := false
	for _, raw := range variants {
		s, _ := raw.(string)
		if s == "null" {
			nullable = true
			continue
		}
		if s != "" && kept == "" {
			kept = s
		}
	}
	if nullable {
		schema["nullable"] = true
	}
	if kept != "" {
		schema["type"] = kept
	} else {
		delete(schema, "type")
	}
}

type operationEntry struct {
	method    string
	operation *openapi3.Operation
}

var methodOrder = []string{"GET", "PUT", "POST", "DELETE", "OPTIONS", "HEAD", "PATCH", "TRACE"}

func operationsOf(item *openapi3.PathItem) []operationEntry {
	ops := item.Operations()
	out := make([]operationEntry, 0, len(ops))
	for _, m := range methodOrder {
		if op, ok := ops[m]; ok {
			out = append(out, operationEntry{method: m, operation: op})
		}
	}
	return out
}

// deriveOperationID uses operationId if present, else a deterministic
// method_path name with non-alnum characters replaced by underscores.
func deriveOperationID(op *openapi3.Operation, method, path string) string {
	if op.OperationID != "" {
		return op.OperationID
	}
	raw := strings.ToLower(method) + "_" + path
	return strings.Trim(nonAlnum.ReplaceAllString(raw, "_"), "_")
}

func normalizeParameters(pathParams openapi3.Parameters, opParams openapi3.Parameters) []readmodel.ToolParameter {
	var out []readmodel.ToolParameter
	add := func(params openapi3.Parameters) {
		for _, ref := range params {
			if ref == nil || ref.Value == nil {
				continue
			}
			p := ref.Value
			typ := ""
			if p.Schema != nil && p.Schema.Value != nil && len(p.Schema.Value.Type.Slice()) > 0 {
				typ = p.Schema.Value.Type.Slice()[0]
			}
			out = append(out, readmodel.ToolParameter{
				Name:     p.Name,
				In:       p.In,
				Type:     typ,
				Required: p.Required,
			})
		}
	}
	add(pathParams)
	add(opParams)
	return out
}

func selectJSONSchema(content openapi3.Content) (map[string]any, bool) {
	mediaType := content.Get("application/json")
	if mediaType == nil {
		for _, mt := range content {
			mediaType = mt
			break
		}
	}
	if mediaType == nil || mediaType.Schema == nil || mediaType.Schema.Value == nil {
		return nil, false
	}
	return schemaToMap(mediaType.Schema.Value)
}

func normalizeResponses(responses *openapi3.Responses) map[string]any {
	if responses == nil {
		return nil
	}
	out := make(map[string]any)
	for status, ref := range responses.Map() {
		if ref == nil || ref.Value == nil {
			continue
		}
		if schema, ok := selectJSONSchema(ref.Value.Content); ok {
			out[status] = schema
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// schemaToMap round-trips a resolved openapi3.Schema through JSON so it can
// be stored as a plain map and consumed by santhosh-tekuri/jsonschema/v6 at
// invocation time (see invoker/validate.go).
func schemaToMap(schema *openapi3.Schema) (map[string]any, bool) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}
