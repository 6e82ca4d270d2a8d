package invoker

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
	"github.com/toolsgateway/toolsgw/readmodel"
)

// ValidateArguments binds arguments against tool's parameter list and
// request body schema (spec.md §4.7 step 3). Unknown top-level fields are
// rejected unless the body schema explicitly allows additionalProperties.
func ValidateArguments(tool readmodel.SourceToolView, arguments map[string]any) error {
	known := make(map[string]bool, len(tool.Parameters))
	for _, p := range tool.Parameters {
		known[p.Name] = true
		if p.Required {
			if _, ok := arguments[p.Name]; !ok {
				return gwerrors.InvalidInput("arguments", fmt.Sprintf("missing required parameter %q", p.Name))
			}
		}
	}

	if tool.RequestBodySchema == nil {
		for name := range arguments {
			if !known[name] {
				return gwerrors.InvalidInput("arguments", fmt.Sprintf("unexpected field %q", name))
			}
		}
		return nil
	}

	bodyArgs := make(map[string]any)
	for name, v := range arguments {
		if known[name] {
			continue
		}
		bodyArgs[name] = v
	}

	if _, declared := tool.RequestBodySchema["additionalProperties"]; !declared {
		props, _ := tool.RequestBodySchema["properties"].(map[string]any)
		for name := range bodyArgs {
			if _, ok := props[name]; !ok {
				return gwerrors.InvalidInput("arguments", fmt.Sprintf("unexpected field %q", name))
			}
		}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool-body-schema.json", tool.RequestBodySchema); err != nil {
		return fmt.Errorf("load request body schema: %w", err)
	}
	schema, err := compiler.Compile("tool-body-schema.json")
	if err != nil {
		return fmt.Errorf("compile request body schema: %w", err)
	}

	if err := schema.Validate(bodyArgs); err != nil {
		return gwerrors.InvalidInput("arguments", err.Error())
	}

	return nil
}
