package anthropic

import (
	"bytes"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/goccy/go-json"
)

// apiError is the envelope of an "error" stream event.
type apiError struct {
	Type  string        `json:"type"`
	Error *apiErrDetail `json:"error"`
}

type apiErrDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// jsonSchema is the subset of a JSON schema object the tool input schema
// needs split out; everything else rides along as extra fields.
type jsonSchema struct {
	Properties any      `json:"properties"`
	Required   []string `json:"required"`
}

func inputSchema(raw json.RawMessage) (anthropic.ToolInputSchemaParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if len(bytes.TrimSpace(raw)) == 0 {
		return schema, nil
	}

	var known jsonSchema
	if err := json.Unmarshal(raw, &known); err != nil {
		return schema, fmt.Errorf("parameters: %w", err)
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return schema, fmt.Errorf("parameters: %w", err)
	}
	delete(all, "type")
	delete(all, "properties")
	delete(all, "required")

	schema.Properties = known.Properties
	schema.Required = known.Required
	if len(all) > 0 {
		schema.ExtraFields = all
	}
	return schema, nil
}

// toolChoice maps an OpenAI tool_choice ("auto", "none", "required" or a
// named function) to the Messages API form.
func toolChoice(raw json.RawMessage) (anthropic.ToolChoiceUnionParam, error) {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}, nil
		case "required":
			return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}, nil
		case "none":
			none := anthropic.NewToolChoiceNoneParam()
			return anthropic.ToolChoiceUnionParam{OfNone: &none}, nil
		default:
			return anthropic.ToolChoiceUnionParam{}, fmt.Errorf("unsupported tool_choice %q", mode)
		}
	}

	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Function.Name == "" {
		return anthropic.ToolChoiceUnionParam{}, fmt.Errorf("invalid tool_choice")
	}
	return anthropic.ToolChoiceParamOfTool(named.Function.Name), nil
}
