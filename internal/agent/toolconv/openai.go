package toolconv

import (
	"encoding/json"

	"github.com/haasonsaas/partner/internal/tools/catalog"
	openai "github.com/sashabaranov/go-openai"
)

// ToOpenAITools converts tool descriptors to OpenAI function definitions.
// A descriptor without a usable schema is offered as an empty object.
func ToOpenAITools(tools []catalog.Descriptor) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(tools))
	for i, desc := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(desc.Schema, &schemaMap); err != nil || schemaMap == nil {
			schemaMap = emptySchema()
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        desc.Name,
				Description: desc.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func emptySchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}
