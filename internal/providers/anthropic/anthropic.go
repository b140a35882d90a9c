package anthropic

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/goccy/go-json"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	modelsPath       = "/v1/models"
	apiVersion       = "2023-06-01"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// defaultParams maps logical parameter keys to Messages API fields.
var defaultParams = map[string]string{
	providers.ParamMaxOutputTokens: "max_tokens",
	providers.ParamTemperature:     "temperature",
	providers.ParamTopP:            "top_p",
	providers.ParamTopK:            "top_k",
}

// Adapter translates between the OpenAI chat format and the Anthropic
// Messages API.
type Adapter struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger}
}

func (a *Adapter) Kind() string { return catalog.KindAnthropic }

func (a *Adapter) TransformRequest(req *providers.ChatRequest, t providers.Target) (*providers.Request, error) {
	pm := t.ProviderModel
	if t.Credential.APIKey == "" {
		return nil, &providers.Error{Provider: providerName, Code: providers.CodeUnsupportedAuth, StatusCode: http.StatusUnauthorized, Message: "no API key for provider"}
	}

	params, err := a.buildParams(req, pm)
	if err != nil {
		return nil, invalid(err)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, invalid(err)
	}
	pmap := providers.ParamMap{Defaults: defaultParams, Overrides: pm.ParameterMapping}
	if body, err = pmap.Apply(body, req.Raw, providers.ParamStream); err != nil {
		return nil, invalid(err)
	}
	if req.Stream {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, invalid(err)
		}
	}

	h := header(t.Credential)
	h.Set("Content-Type", "application/json")
	if req.Stream {
		h.Set("Accept", "text/event-stream")
	}
	return &providers.Request{
		Method: http.MethodPost,
		URL:    providers.Endpoint(pm, defaultBaseURL, messagesPath),
		Header: h,
		Body:   body,
		Stream: req.Stream,
	}, nil
}

func (a *Adapter) buildParams(req *providers.ChatRequest, pm *catalog.ProviderModel) (anthropic.MessageNewParams, error) {
	var system []string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	push := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		// The API requires alternating turns; merge consecutive same-role ones.
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
			return
		}
		msgs = append(msgs, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if text := m.Content.PlainText(); text != "" {
				system = append(system, text)
			}
		case "assistant":
			blocks := a.contentBlocks(m)
			for _, tc := range m.ToolCalls {
				args := json.RawMessage(tc.Function.Arguments)
				if len(args) == 0 || !json.Valid(args) {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Function.Name))
			}
			push(anthropic.MessageParamRoleAssistant, blocks)
		case "tool", "function":
			push(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content.PlainText(), false),
			})
		default:
			push(anthropic.MessageParamRoleUser, a.contentBlocks(m))
		}
	}

	maxTokens := int64(defaultMaxTokens)
	if n, ok := req.MaxOutputTokens(); ok && n > 0 {
		maxTokens = int64(n)
	} else if limit := int64(pm.MaxOutputTokens); limit > 0 && limit < maxTokens {
		maxTokens = limit
	}

	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(pm.Slug),
		MaxTokens:     maxTokens,
		Messages:      msgs,
		StopSequences: req.Stop,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n")}}
	}

	for _, tool := range req.Tools {
		schema, err := inputSchema(tool.Function.Parameters)
		if err != nil {
			return params, fmt.Errorf("tool %s: %w", tool.Function.Name, err)
		}
		u := anthropic.ToolUnionParamOfTool(schema, tool.Function.Name)
		if tool.Function.Description != "" {
			u.OfTool.Description = anthropic.String(tool.Function.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	if len(req.ToolChoice) > 0 {
		choice, err := toolChoice(req.ToolChoice)
		if err != nil {
			return params, err
		}
		params.ToolChoice = choice
	}
	return params, nil
}

func (a *Adapter) contentBlocks(m providers.Message) []anthropic.ContentBlockParamUnion {
	parts := m.Content.PartList()
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case providers.PartText:
			if p.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		case providers.PartImageURL:
			if p.ImageURL == nil {
				continue
			}
			if mediaType, data, ok := providers.ParseDataURL(p.ImageURL.URL); ok {
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			} else {
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: p.ImageURL.URL}))
			}
		case providers.PartFile:
			if p.File != nil {
				if mediaType, data, ok := providers.ParseDataURL(p.File.FileData); ok && mediaType == "application/pdf" {
					blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: data}))
					continue
				}
			}
			providers.DropPart(a.logger, providerName, m.Role, p.Type)
		default:
			providers.DropPart(a.logger, providerName, m.Role, p.Type)
		}
	}
	return blocks
}

func (a *Adapter) TransformResponse(body []byte, pm *catalog.ProviderModel, orig *providers.ChatRequest) (*providers.ChatResponse, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, badResponse(err)
	}

	var text, reasoning strings.Builder
	var calls []providers.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			calls = append(calls, providers.ToolCall{
				Index:    providers.Ptr(len(calls)),
				ID:       block.ID,
				Type:     "function",
				Function: providers.FunctionCall{Name: block.Name, Arguments: string(block.Input)},
			})
		}
	}

	out := providers.ResponseMessage{
		Content:          providers.Ptr(text.String()),
		ReasoningContent: reasoning.String(),
		ToolCalls:        calls,
	}
	usage := &providers.Usage{
		PromptTokens:     msg.Usage.InputTokens,
		CompletionTokens: msg.Usage.OutputTokens,
		TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
	}
	return providers.TextResponse(msg.ID, providers.ResponseModel(pm, orig), time.Now().Unix(),
		out, finishReason(string(msg.StopReason)), usage), nil
}

func (a *Adapter) NewStream(pm *catalog.ProviderModel, orig *providers.ChatRequest) providers.Stream {
	return &stream{
		model:   providers.ResponseModel(pm, orig),
		created: time.Now().Unix(),
		tools:   make(map[int64]int),
	}
}

func (a *Adapter) HealthCheckRequest(p *catalog.Provider, cred providers.Credential) (*providers.Request, error) {
	return &providers.Request{
		Method:  http.MethodGet,
		URL:     providers.BaseURL(p, defaultBaseURL) + modelsPath + "?limit=1",
		Header:  header(cred),
		Timeout: providers.HealthCheckTimeout,
	}, nil
}

func header(cred providers.Credential) http.Header {
	h := http.Header{}
	h.Set("x-api-key", cred.APIKey)
	h.Set("anthropic-version", apiVersion)
	return h
}

func finishReason(r string) string {
	switch anthropic.StopReason(r) {
	case anthropic.StopReasonMaxTokens:
		return providers.FinishLength
	case anthropic.StopReasonToolUse:
		return providers.FinishToolCalls
	case anthropic.StopReasonRefusal:
		return providers.FinishContentFilter
	default:
		return providers.FinishStop
	}
}

func invalid(err error) error {
	return &providers.Error{Provider: providerName, Code: providers.CodeInvalidRequest, StatusCode: http.StatusBadRequest, Message: err.Error(), Err: err}
}

func badResponse(err error) error {
	return &providers.Error{
		Provider:   providerName,
		Code:       providers.CodeInvalidResponse,
		StatusCode: http.StatusBadGateway,
		Message:    fmt.Sprintf("decode response: %v", err),
		Err:        err,
	}
}
