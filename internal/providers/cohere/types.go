package cohere

import "github.com/goccy/go-json"

// chatRequest is the v2 /chat request. Sampling parameters are applied onto
// the encoded body through the parameter map.
type chatRequest struct {
	Model         string       `json:"model"`
	Messages      []apiMessage `json:"messages"`
	Stream        bool         `json:"stream,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Tools         []apiTool    `json:"tools,omitempty"`
	ToolChoice    string       `json:"tool_choice,omitempty"`
}

type apiMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content,omitempty"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type apiContent struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *apiImageURL `json:"image_url,omitempty"`
}

type apiImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type apiTool struct {
	Type     string         `json:"type"`
	Function apiFunctionDef `json:"function"`
}

type apiFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type apiToolCall struct {
	ID       string      `json:"id,omitempty"`
	Type     string      `json:"type,omitempty"`
	Function apiFunction `json:"function"`
}

type apiFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatResponse struct {
	ID           string `json:"id"`
	FinishReason string `json:"finish_reason"`
	Message      struct {
		Role      string        `json:"role"`
		Content   []apiContent  `json:"content,omitempty"`
		ToolPlan  string        `json:"tool_plan,omitempty"`
		ToolCalls []apiToolCall `json:"tool_calls,omitempty"`
	} `json:"message"`
	Usage apiUsage `json:"usage"`
}

type apiUsage struct {
	BilledUnits tokenCounts `json:"billed_units"`
	Tokens      tokenCounts `json:"tokens"`
}

type tokenCounts struct {
	InputTokens  float64 `json:"input_tokens"`
	OutputTokens float64 `json:"output_tokens"`
}

// streamEvent covers every v2 stream event; which fields are set depends
// on Type.
type streamEvent struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Index int    `json:"index"`
	Delta struct {
		FinishReason string    `json:"finish_reason,omitempty"`
		Usage        *apiUsage `json:"usage,omitempty"`
		Message      struct {
			Role     string `json:"role,omitempty"`
			ToolPlan string `json:"tool_plan,omitempty"`
			Content  struct {
				Type string `json:"type,omitempty"`
				Text string `json:"text,omitempty"`
			} `json:"content"`
			ToolCalls apiToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"delta"`
}
