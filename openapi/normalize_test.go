package openapi

import "testing"

const sampleSpec = `{
  "openapi": "3.0.0",
  "info": {"title": "Pizzeria", "version": "1.0"},
  "paths": {
    "/menu": {
      "get": {
        "operationId": "get_menu_items_api_menu_get",
        "summary": "List menu items",
        "tags": ["menu"],
        "parameters": [
          {"name": "category", "in": "query", "required": false, "schema": {"type": "string"}}
        ],
        "responses": {
          "200": {
            "description": "ok",
            "content": {"application/json": {"schema": {"type": "array", "items": {"type": "object"}}}}
          }
        }
      }
    },
    "/orders": {
      "post": {
        "summary": "Create an order",
        "tags": ["orders"],
        "requestBody": {
          "content": {
            "application/json": {
              "schema": {
                "type": "object",
                "required": ["item_id"],
                "properties": {"item_id": {"type": "string"}, "quantity": {"type": "integer"}}
              }
            }
          }
        },
        "responses": {"201": {"description": "created"}}
      }
    }
  }
}`

func TestNormalize_DerivesOperationIDsAndToolIDs(t *testing.T) {
	tools, err := Normalize([]byte(sampleSpec), "S1")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(tools))
	}

	byID := make(map[string]bool)
	for _, tool := range tools {
		byID[tool.ToolID] = true
	}
	if !byID["S1/get_menu_items_api_menu_get"] {
		t.Fatalf("expected explicit operationId to be preserved, got %+v", byID)
	}
	if !byID["S1/post_orders"] {
		t.Fatalf("expected derived operation_id from method_path, got %+v", byID)
	}
}

func TestNormalize_RequestBodySchemaCaptured(t *testing.T) {
	tools, err := Normalize([]byte(sampleSpec), "S1")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	for _, tool := range tools {
		if tool.OperationID == "post_orders" {
			if tool.RequestBodySchema == nil {
				t.Fatal("expected request_body_schema to be captured")
			}
			return
		}
	}
	t.Fatal("post_orders tool not found")
}

func TestNormalize_RejectsDuplicateOperationIDs(t *testing.T) {
	dup := `{
		"openapi": "3.0.0",
		"info": {"title": "Dup", "version": "1.0"},
		"paths": {
			"/a": {"get": {"operationId": "same", "responses": {"200": {"description": "ok"}}}},
			"/b": {"get": {"operationId": "same", "responses": {"200": {"description": "ok"}}}}
		}
	}`
	_, err := Normalize([]byte(dup), "S1")
	if err == nil {
		t.Fatal("expected error for duplicate operation_id")
	}
}

const sampleSpecYAML = `
openapi: "3.0.0"
info:
  title: Pizzeria
  version: "1.0"
paths:
  /menu:
    get:
      operationId: get_menu_items_api_menu_get
      summary: List menu items
      tags: [menu]
      responses:
        "200":
          description: ok
          content:
            application/json:
              schema:
                type: array
                items:
                  type: object
`

func TestNormalize_AcceptsYAMLSpec(t *testing.T) {
	tools, err := Normalize([]byte(sampleSpecYAML), "S1")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(tools) != 1 || tools[0].ToolID != "S1/get_menu_items_api_menu_get" {
		t.Fatalf("tools = %+v, want one get_menu_items_api_menu_get tool", tools)
	}
}

const sampleSpec31 = `{
  "openapi": "3.1.0",
  "info": {"title": "Pizzeria", "version": "1.0"},
  "paths": {
    "/orders/{id}": {
      "get": {
        "operationId": "get_order",
        "parameters": [
          {"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}
        ],
        "responses": {
          "200": {
            "description": "ok",
            "content": {
              "application/json": {
                "schema": {
                  "type": "object",
                  "properties": {
                    "discount": {"type": ["number", "null"], "exclusiveMinimum": 0, "exclusiveMaximum": 100},
                    "note": {"type": ["string", "null"]}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

func TestNormalize_Accepts31NullableUnionsAndExclusiveBounds(t *testing.T) {
	tools, err := Normalize([]byte(sampleSpec31), "S1")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("len(tools) = %d, want 1", len(tools))
	}
	schema, ok := tools[0].ResponseSchemas["200"].(map[string]any)
	if !ok {
		t.Fatalf("ResponseSchemas[200] = %+v, want a schema map", tools[0].ResponseSchemas["200"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema = %+v, want properties map", schema)
	}
	discount, ok := props["discount"].(map[string]any)
	if !ok {
		t.Fatalf("properties = %+v, want a discount schema", props)
	}
	if discount["type"] != "number" {
		t.Fatalf("discount.type = %v, want number (null variant dropped)", discount["type"])
	}
	if discount["nullable"] != true {
		t.Fatalf("discount.nullable = %v, want true", discount["nullable"])
	}
	if discount["exclusiveMinimum"] != true || discount["minimum"] != float64(0) {
		t.Fatalf("discount exclusive bounds = %+v, want minimum=0 exclusiveMinimum=true", discount)
	}
}

func TestNormalize_RejectsExternalRef(t *testing.T) {
	external := `{
		"openapi": "3.0.0",
		"info": {"title": "Ext", "version": "1.0"},
		"paths": {
			"/a": {
				"get": {
					"operationId": "a",
					"responses": {
						"200": {"$ref": "http://example.com/responses.json#/OK"}
					}
				}
			}
		}
	}`
	_, err := Normalize([]byte(external), "S1")
	if err == nil {
		t.Fatal("expected error for external $ref")
	}
}
