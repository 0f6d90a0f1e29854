package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/haasonsaas/partner/internal/tools/catalog"
)

// ToAnthropicTools converts tool descriptors to Anthropic tool definitions.
func ToAnthropicTools(tools []catalog.Descriptor) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, desc := range tools {
		param, err := ToAnthropicTool(desc)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

// ToAnthropicTool converts a single descriptor. An empty schema becomes an
// object without properties.
func ToAnthropicTool(desc catalog.Descriptor) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if len(desc.Schema) == 0 {
		schema.Properties = map[string]any{}
	} else if err := json.Unmarshal(desc.Schema, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", desc.Name, err)
	}

	toolParam := anthropic.ToolUnionParamOfTool(schema, desc.Name)
	if toolParam.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", desc.Name)
	}
	toolParam.OfTool.Description = anthropic.String(desc.Description)
	return toolParam, nil
}
